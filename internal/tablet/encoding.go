package tablet

import (
	"encoding/binary"
	"errors"

	"github.com/shale-io/shale/internal/kv"
)

// Keys are stored in pebble as
//
//	table | row | family | qualifier | visibility | ^timestamp | live
//
// where every byte-string component is escaped (0x00 becomes 0x00 0xff)
// and terminated by 0x00 0x01. The escaping keeps the byte order of the
// encoded keys identical to kv.Key.Compare: timestamps are inverted so the
// newest version sorts first, and a delete sorts before a put at the same
// timestamp.

const (
	escByte  = 0x00
	escEsc   = 0xff
	escTerm  = 0x01
	liveByte = 0x01
	delByte  = 0x00
)

var errBadKey = errors.New("tablet: malformed stored key")

func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == escByte {
			dst = append(dst, escByte, escEsc)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, escByte, escTerm)
}

func readEscaped(b []byte) (out, rest []byte, err error) {
	out = []byte{}
	for i := 0; i < len(b); i++ {
		if b[i] != escByte {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, errBadKey
		}
		switch b[i+1] {
		case escEsc:
			out = append(out, escByte)
			i++
		case escTerm:
			return out, b[i+2:], nil
		default:
			return nil, nil, errBadKey
		}
	}
	return nil, nil, errBadKey
}

// tablePrefix returns the encoded prefix shared by every key of table.
func tablePrefix(table kv.TableID) []byte {
	return appendEscaped(nil, []byte(table))
}

// tableUpperBound returns the smallest key greater than every key of table.
func tableUpperBound(table kv.TableID) []byte {
	p := tablePrefix(table)
	// The prefix ends in the terminator 0x00 0x01; 0x00 0x02 follows every
	// key that starts with it.
	p[len(p)-1]++
	return p
}

func encodeKey(table kv.TableID, k kv.Key) []byte {
	dst := make([]byte, 0, len(table)+len(k.Row)+len(k.Family)+len(k.Qualifier)+len(k.Visibility)+20)
	dst = appendEscaped(dst, []byte(table))
	dst = appendEscaped(dst, k.Row)
	dst = appendEscaped(dst, k.Family)
	dst = appendEscaped(dst, k.Qualifier)
	dst = appendEscaped(dst, k.Visibility)
	dst = binary.BigEndian.AppendUint64(dst, invertTimestamp(k.Timestamp))
	if k.Deleted {
		return append(dst, delByte)
	}
	return append(dst, liveByte)
}

func decodeKey(b []byte) (kv.TableID, kv.Key, error) {
	var k kv.Key
	table, rest, err := readEscaped(b)
	if err != nil {
		return "", k, err
	}
	parts := make([][]byte, 4)
	for i := range parts {
		if parts[i], rest, err = readEscaped(rest); err != nil {
			return "", k, err
		}
	}
	if len(rest) != 9 {
		return "", k, errBadKey
	}
	k.Row, k.Family, k.Qualifier, k.Visibility = parts[0], parts[1], parts[2], parts[3]
	k.Timestamp = restoreTimestamp(binary.BigEndian.Uint64(rest[:8]))
	k.Deleted = rest[8] == delByte
	return kv.TableID(table), k, nil
}

// invertTimestamp maps int64 timestamps to uint64s in descending order.
func invertTimestamp(ts int64) uint64 {
	return ^(uint64(ts) ^ (1 << 63))
}

func restoreTimestamp(u uint64) int64 {
	return int64(^u ^ (1 << 63))
}
