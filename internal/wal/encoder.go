package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/shale-io/shale/internal/kv"
)

// crc32cTable is the Castagnoli polynomial table used for CRC32C.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const (
	flagHasTimestamp byte = 1 << iota
	flagDeleted
)

// Encode serializes entries into a complete WAL object.
func Encode(logID uuid.UUID, createdAtUnixMs int64, codec Codec, entries []Entry) ([]byte, error) {
	var body []byte
	for i := range entries {
		body = appendEntry(body, &entries[i])
	}
	compressed, err := compress(codec, body)
	if err != nil {
		return nil, fmt.Errorf("%w: compress %s: %v", ErrEncode, codec, err)
	}

	buf := make([]byte, 0, HeaderSize+len(compressed)+FooterSize)
	buf = append(buf, MagicBytes...)
	buf = binary.BigEndian.AppendUint16(buf, Version)
	buf = append(buf, byte(codec))
	buf = append(buf, logID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(createdAtUnixMs))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entries)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(compressed)))
	if len(buf) != HeaderSize {
		panic("wal: header size mismatch")
	}
	buf = append(buf, compressed...)
	return binary.BigEndian.AppendUint32(buf, crc32.Checksum(buf, crc32cTable)), nil
}

func appendEntry(dst []byte, e *Entry) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(e.Seq))
	dst = appendString(dst, string(e.Extent.Table))
	dst = appendString(dst, e.Extent.EndRow)
	dst = appendString(dst, e.Extent.PrevEndRow)
	dst = binary.AppendUvarint(dst, uint64(len(e.Mutations)))
	for i := range e.Mutations {
		dst = appendMutation(dst, &e.Mutations[i])
	}
	return dst
}

func appendMutation(dst []byte, m *kv.Mutation) []byte {
	dst = appendBytes(dst, m.Row)
	dst = binary.AppendUvarint(dst, uint64(len(m.Updates)))
	for _, u := range m.Updates {
		dst = appendBytes(dst, u.Family)
		dst = appendBytes(dst, u.Qualifier)
		dst = appendBytes(dst, u.Visibility)
		dst = appendBytes(dst, u.Value)
		dst = binary.AppendVarint(dst, u.Timestamp)
		var flags byte
		if u.HasTimestamp {
			flags |= flagHasTimestamp
		}
		if u.Deleted {
			flags |= flagDeleted
		}
		dst = append(dst, flags)
	}
	return dst
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}
