// Package wal is the tablet server's write-ahead log. Every flush of an
// update session writes one log object to the object store before any of
// its mutations are committed to a tablet.
//
// Object layout:
//
//	header (42 bytes) | body (codec compressed entries) | CRC32C footer (4 bytes)
//
// The footer covers the header and body.
package wal

import (
	"github.com/google/uuid"

	"github.com/shale-io/shale/internal/kv"
)

// MagicBytes is the magic string that identifies a shale WAL v1 object.
const MagicBytes = "SHALEWL"

// Version is the current WAL format version.
const Version uint16 = 1

// HeaderSize is the fixed size of the WAL header in bytes.
const HeaderSize = 42

// FooterSize is the size of the CRC32C footer.
const FooterSize = 4

// Header is the fixed size prefix of a WAL object.
type Header struct {
	Magic   [7]byte
	Version uint16
	Codec   Codec
	// LogID is the unique identifier for this WAL object.
	LogID           uuid.UUID
	CreatedAtUnixMs int64
	EntryCount      uint32
	// BodyLength is the compressed body length in bytes.
	BodyLength uint32
}

// Entry is the mutations of one commit session.
type Entry struct {
	// Seq is the commit session sequence number.
	Seq       int64
	Extent    kv.Extent
	Mutations []kv.Mutation
}

// Log is a decoded WAL object.
type Log struct {
	Header  Header
	Entries []Entry
}
