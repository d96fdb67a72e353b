package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/shale-io/shale/internal/kv"
)

var (
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported WAL version")
	ErrInvalidCRC         = errors.New("CRC32C checksum mismatch")
	ErrTruncatedHeader    = errors.New("truncated WAL header")
	ErrTruncatedBody      = errors.New("truncated WAL body")
	ErrCorruptEntry       = errors.New("corrupt WAL entry")
)

// Decode parses and verifies a WAL object.
func Decode(data []byte) (*Log, error) {
	if len(data) < HeaderSize+FooterSize {
		return nil, ErrTruncatedHeader
	}
	h, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	end := HeaderSize + int(h.BodyLength)
	if len(data) != end+FooterSize {
		return nil, ErrTruncatedBody
	}
	want := binary.BigEndian.Uint32(data[end:])
	if got := crc32.Checksum(data[:end], crc32cTable); got != want {
		return nil, fmt.Errorf("%w: got %08x, want %08x", ErrInvalidCRC, got, want)
	}

	body, err := decompress(h.Codec, data[HeaderSize:end])
	if err != nil {
		return nil, fmt.Errorf("wal: decompress %s: %w", h.Codec, err)
	}
	r := &reader{b: body}
	entries := make([]Entry, 0, h.EntryCount)
	for i := uint32(0); i < h.EntryCount; i++ {
		e, err := r.entry()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptEntry, len(r.b))
	}
	return &Log{Header: h, Entries: entries}, nil
}

func parseHeader(b []byte) (Header, error) {
	var h Header
	copy(h.Magic[:], b[:7])
	if string(h.Magic[:]) != MagicBytes {
		return h, ErrInvalidMagic
	}
	h.Version = binary.BigEndian.Uint16(b[7:9])
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	h.Codec = Codec(b[9])
	copy(h.LogID[:], b[10:26])
	h.CreatedAtUnixMs = int64(binary.BigEndian.Uint64(b[26:34]))
	h.EntryCount = binary.BigEndian.Uint32(b[34:38])
	h.BodyLength = binary.BigEndian.Uint32(b[38:42])
	return h, nil
}

type reader struct {
	b []byte
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		return 0, ErrCorruptEntry
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) varint() (int64, error) {
	v, n := binary.Varint(r.b)
	if n <= 0 {
		return 0, ErrCorruptEntry
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.b)) < n {
		return nil, ErrCorruptEntry
	}
	out := r.b[:n:n]
	r.b = r.b[n:]
	if n == 0 {
		return nil, nil
	}
	return out, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *reader) entry() (Entry, error) {
	var e Entry
	if len(r.b) < 8 {
		return e, ErrCorruptEntry
	}
	e.Seq = int64(binary.BigEndian.Uint64(r.b))
	r.b = r.b[8:]

	table, err := r.string()
	if err != nil {
		return e, err
	}
	if e.Extent.EndRow, err = r.string(); err != nil {
		return e, err
	}
	if e.Extent.PrevEndRow, err = r.string(); err != nil {
		return e, err
	}
	e.Extent.Table = kv.TableID(table)

	count, err := r.uvarint()
	if err != nil {
		return e, err
	}
	if count > uint64(len(r.b)) {
		return e, ErrCorruptEntry
	}
	e.Mutations = make([]kv.Mutation, 0, count)
	for i := uint64(0); i < count; i++ {
		m, err := r.mutation()
		if err != nil {
			return e, err
		}
		e.Mutations = append(e.Mutations, m)
	}
	return e, nil
}

func (r *reader) mutation() (kv.Mutation, error) {
	var m kv.Mutation
	var err error
	if m.Row, err = r.bytes(); err != nil {
		return m, err
	}
	count, err := r.uvarint()
	if err != nil {
		return m, err
	}
	if count > uint64(len(r.b)) {
		return m, ErrCorruptEntry
	}
	m.Updates = make([]kv.ColumnUpdate, 0, count)
	for i := uint64(0); i < count; i++ {
		var u kv.ColumnUpdate
		if u.Family, err = r.bytes(); err != nil {
			return m, err
		}
		if u.Qualifier, err = r.bytes(); err != nil {
			return m, err
		}
		if u.Visibility, err = r.bytes(); err != nil {
			return m, err
		}
		if u.Value, err = r.bytes(); err != nil {
			return m, err
		}
		if u.Timestamp, err = r.varint(); err != nil {
			return m, err
		}
		if len(r.b) < 1 {
			return m, ErrCorruptEntry
		}
		flags := r.b[0]
		r.b = r.b[1:]
		u.HasTimestamp = flags&flagHasTimestamp != 0
		u.Deleted = flags&flagDeleted != 0
		m.Updates = append(m.Updates, u)
	}
	return m, nil
}
