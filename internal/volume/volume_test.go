package volume

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shale-io/shale/internal/objectstore"
)

func newTestVolume(t *testing.T) (*Volume, *objectstore.MockStore) {
	t.Helper()
	store := objectstore.NewMockStore()
	return New(store, DefaultRoot), store
}

func TestExistsFileAndDir(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVolume(t)

	require.NoError(t, v.WriteFile(ctx, "/1636/default_tablet/F0000.rf", []byte("data")))
	require.NoError(t, v.MakeDir(ctx, "/1636/t-0002"))

	for p, want := range map[string]bool{
		"/1636/default_tablet/F0000.rf": true,
		"/1636/default_tablet":          true,
		"/1636/t-0002":                  true,
		"/1636":                         true,
		"/1636/missing":                 false,
	} {
		got, err := v.Exists(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, want, got, p)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	v, store := newTestVolume(t)
	require.NoError(t, v.MakeDir(ctx, "/9/default_tablet"))
	require.NoError(t, v.WriteFile(ctx, "/9/default_tablet/F1.rf", []byte("x")))

	_, err := v.Delete(ctx, "/9/default_tablet", false)
	assert.True(t, errors.Is(err, ErrDirNotEmpty))

	ok, err := v.Delete(ctx, "/9/default_tablet/F1.rf", false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Delete(ctx, "/9/default_tablet", false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, store.Keys())

	ok, err = v.Delete(ctx, "/9/default_tablet", true)
	require.NoError(t, err)
	assert.False(t, ok, "deleting a missing path reports false")
}

func TestDeleteRecursive(t *testing.T) {
	ctx := context.Background()
	v, store := newTestVolume(t)
	require.NoError(t, v.MakeDir(ctx, "/5/t-1"))
	require.NoError(t, v.WriteFile(ctx, "/5/t-1/F1.rf", []byte("x")))
	require.NoError(t, v.WriteFile(ctx, "/5/t-1/F2.rf", []byte("y")))

	ok, err := v.Delete(ctx, "/5/t-1", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, store.Keys())
}

func TestMoveToTrash(t *testing.T) {
	ctx := context.Background()
	v, store := newTestVolume(t)
	require.NoError(t, v.WriteFile(ctx, "/1/t-1/F1.rf", []byte("x")))

	ok, err := v.MoveToTrash(ctx, "/1/t-1/F1.rf")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{".trash/tables/1/t-1/F1.rf"}, store.Keys())

	ok, err = v.MoveToTrash(ctx, "/1/t-1/F1.rf")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsEmptyDir(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVolume(t)
	require.NoError(t, v.MakeDir(ctx, "/7"))

	empty, err := v.IsEmptyDir(ctx, "/7")
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, v.WriteFile(ctx, "/7/t-1/F.rf", nil))
	empty, err = v.IsEmptyDir(ctx, "/7")
	require.NoError(t, err)
	assert.False(t, empty)

	empty, err = v.IsEmptyDir(ctx, "/missing")
	require.NoError(t, err)
	assert.False(t, empty, "a missing directory is not an empty one")
}

func TestListFiles(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVolume(t)
	for _, p := range []string{
		"/1/default_tablet/F1.rf",
		"/1/default_tablet/M2.map",
		"/1/default_tablet/notes.txt",
		"/1/deep/er/F3.rf",
		"/!0/root_tablet/F4.rf",
	} {
		require.NoError(t, v.WriteFile(ctx, p, []byte("x")))
	}
	require.NoError(t, v.MakeDir(ctx, "/2/t-9"))

	files, err := v.ListFiles(ctx, "*/*/*.rf", "*/*/*.map")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"/1/default_tablet/F1.rf",
		"/1/default_tablet/M2.map",
		"/!0/root_tablet/F4.rf",
	}, files)

	_, err = v.ListFiles(ctx, "[")
	assert.Error(t, err)
}
