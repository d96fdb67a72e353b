// Package keys lays out the shale keyspace in the metadata store.
//
// Every entry is a single escaped segment under a fixed prefix, so a
// children listing of the prefix enumerates exactly that keyspace:
//
//	/shale/v1/tables/<tableId>
//	/shale/v1/tablets/<row>~<family>~<qualifier>
//	/shale/v1/gc/del/<path>
//	/shale/v1/gc/blip/<path>
//	/shale/v1/locks/gc
//	/shale/v1/locks/tservers/<address>
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Key prefixes.
const (
	Prefix = "/shale/v1"

	TablesPrefix  = Prefix + "/tables/"
	TabletsPrefix = Prefix + "/tablets/"

	// DeleteFlagsPrefix holds the garbage collector's delete candidates,
	// one per storage path written by a tablet server or by table deletion.
	DeleteFlagsPrefix = Prefix + "/gc/del/"

	// BulkMarkersPrefix holds bulk import in progress markers. Candidates
	// under a marked directory are never collected.
	BulkMarkersPrefix = Prefix + "/gc/blip/"

	LocksPrefix          = Prefix + "/locks/"
	TServerLocksPrefix   = LocksPrefix + "tservers/"
	columnSeparator      = "~"
	escapedColumnSepChar = "%7E"
)

// ErrMalformedKey is returned when parsing a key of the wrong shape.
var ErrMalformedKey = errors.New("keys: malformed key")

// Escape turns s into a single key segment. The result contains neither
// '/' nor the column separator.
func Escape(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), columnSeparator, escapedColumnSepChar)
}

// Unescape reverses Escape.
func Unescape(s string) (string, error) {
	out, err := url.PathUnescape(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return out, nil
}

// TableKeyPath returns the registration key of a table.
func TableKeyPath(tableID string) string {
	return TablesPrefix + Escape(tableID)
}

// ParseTableKey returns the table id of a registration key.
func ParseTableKey(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, TablesPrefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q is not a table key", ErrMalformedKey, key)
	}
	return Unescape(rest)
}

// TabletColumnKeyPath returns the key of one column of a metadata row.
func TabletColumnKeyPath(row, family, qualifier string) string {
	return TabletsPrefix + Escape(row) + columnSeparator + Escape(family) + columnSeparator + Escape(qualifier)
}

// TabletRowPrefix returns the key prefix shared by every column of row.
func TabletRowPrefix(row string) string {
	return TabletsPrefix + Escape(row) + columnSeparator
}

// ParseTabletColumnKey splits a metadata column key into its parts.
func ParseTabletColumnKey(key string) (row, family, qualifier string, err error) {
	rest, ok := strings.CutPrefix(key, TabletsPrefix)
	if !ok {
		return "", "", "", fmt.Errorf("%w: %q is not a tablet key", ErrMalformedKey, key)
	}
	parts := strings.Split(rest, columnSeparator)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("%w: %q is not a tablet key", ErrMalformedKey, key)
	}
	if row, err = Unescape(parts[0]); err != nil {
		return "", "", "", err
	}
	if family, err = Unescape(parts[1]); err != nil {
		return "", "", "", err
	}
	if qualifier, err = Unescape(parts[2]); err != nil {
		return "", "", "", err
	}
	return row, family, qualifier, nil
}

// DeleteFlagKeyPath returns the delete flag key for a storage path.
func DeleteFlagKeyPath(path string) string {
	return DeleteFlagsPrefix + Escape(path)
}

// ParseDeleteFlagKey returns the storage path of a delete flag key.
func ParseDeleteFlagKey(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, DeleteFlagsPrefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q is not a delete flag key", ErrMalformedKey, key)
	}
	return Unescape(rest)
}

// BulkMarkerKeyPath returns the bulk import marker key for a directory.
func BulkMarkerKeyPath(path string) string {
	return BulkMarkersPrefix + Escape(path)
}

// ParseBulkMarkerKey returns the directory of a bulk import marker key.
func ParseBulkMarkerKey(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, BulkMarkersPrefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q is not a bulk marker key", ErrMalformedKey, key)
	}
	return Unescape(rest)
}

// GCLockKeyPath is the garbage collector singleton lock.
func GCLockKeyPath() string {
	return LocksPrefix + "gc"
}

// TServerLockKeyPath is the lock a tablet server holds for its address.
func TServerLockKeyPath(address string) string {
	return TServerLocksPrefix + Escape(address)
}
