package tablet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shale-io/shale/internal/kv"
)

func key(row, fam, qual, vis string, ts int64, deleted bool) kv.Key {
	return kv.Key{
		Row:        []byte(row),
		Family:     []byte(fam),
		Qualifier:  []byte(qual),
		Visibility: []byte(vis),
		Timestamp:  ts,
		Deleted:    deleted,
	}
}

func TestEncodedKeysSortLikeKeys(t *testing.T) {
	// In kv.Key order.
	keys := []kv.Key{
		key("a", "f", "q", "v", 20, false),
		key("a", "f", "q", "v", 10, true),
		key("a", "f", "q", "v", 10, false),
		key("a", "f", "q", "v", -5, false),
		key("a", "f", "q", "w", 30, false),
		key("a", "f", "q\x00", "v", 1, false),
		key("a", "f", "qq", "v", 1, false),
		key("a", "g", "a", "v", 1, false),
		key("a\x00", "a", "a", "v", 1, false),
		key("a\x00\x00", "a", "a", "v", 1, false),
		key("a\x01", "a", "a", "v", 1, false),
		key("ab", "a", "a", "v", 1, false),
	}
	for i := 0; i+1 < len(keys); i++ {
		require.Negative(t, keys[i].Compare(keys[i+1]), "fixture order at %d", i)
		a, b := encodeKey("1", keys[i]), encodeKey("1", keys[i+1])
		require.Negative(t, bytes.Compare(a, b), "%s before %s", keys[i], keys[i+1])
	}
	for _, k := range keys {
		table, got, err := decodeKey(encodeKey("1", k))
		require.NoError(t, err)
		require.Equal(t, kv.TableID("1"), table)
		require.Zero(t, k.Compare(got), "decoded %s as %s", k, got)
	}
}

func TestTableBoundsSeparateTables(t *testing.T) {
	low := encodeKey("1", key("", "", "", "", 1<<62, false))
	high := encodeKey("1", key("\xff\xff", "\xff", "\xff", "\xff", -1<<62, false))
	next := encodeKey("10", key("", "", "", "", 1<<62, false))

	require.True(t, bytes.HasPrefix(low, tablePrefix("1")))
	require.Negative(t, bytes.Compare(high, tableUpperBound("1")))
	require.Negative(t, bytes.Compare(tableUpperBound("1"), next))
}

func TestDecodeRejectsTruncatedKeys(t *testing.T) {
	enc := encodeKey("1", key("row", "f", "q", "", 7, false))
	for _, n := range []int{0, 3, len(enc) - 9, len(enc) - 1} {
		_, _, err := decodeKey(enc[:n])
		require.ErrorIs(t, err, errBadKey, "length %d", n)
	}
}
