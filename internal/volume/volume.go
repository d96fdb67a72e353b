// Package volume presents an object store as the hierarchical file system
// tablet files live in. Paths are slash separated and relative to the
// volume root, e.g. "/1636/default_tablet/F0000.rf" for the object
// "tables/1636/default_tablet/F0000.rf". A directory exists when it has a
// zero byte marker object ("tables/1636/default_tablet/") or any object
// below it.
package volume

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/shale-io/shale/internal/objectstore"
)

// DefaultRoot is the object key prefix of the tables directory.
const DefaultRoot = "tables"

// TrashPrefix is where MoveToTrash puts objects.
const TrashPrefix = ".trash/"

// ErrDirNotEmpty is returned by a non-recursive Delete of a directory
// that still has entries.
var ErrDirNotEmpty = errors.New("volume: directory not empty")

// Volume is a file system view of an object store.
type Volume struct {
	store objectstore.Store
	root  string
}

// New returns a volume rooted at root within store.
func New(store objectstore.Store, root string) *Volume {
	return &Volume{store: store, root: strings.Trim(root, "/")}
}

// Root returns the volume's key prefix without a trailing slash.
func (v *Volume) Root() string {
	return v.root
}

func (v *Volume) key(p string) string {
	return v.root + "/" + strings.Trim(p, "/")
}

func (v *Volume) dirPrefix(p string) string {
	return v.key(p) + "/"
}

// Exists reports whether p names a file or a directory.
func (v *Volume) Exists(ctx context.Context, p string) (bool, error) {
	_, err := v.store.Head(ctx, v.key(p))
	if err == nil {
		return true, nil
	}
	if !objectstore.IsNotFound(err) {
		return false, err
	}
	children, err := v.store.List(ctx, v.dirPrefix(p))
	if err != nil {
		return false, err
	}
	return len(children) > 0, nil
}

// objects returns the keys making up p: the file itself, or the
// directory marker and everything below it.
func (v *Volume) objects(ctx context.Context, p string) ([]string, error) {
	var keys []string
	if _, err := v.store.Head(ctx, v.key(p)); err == nil {
		keys = append(keys, v.key(p))
	} else if !objectstore.IsNotFound(err) {
		return nil, err
	}
	children, err := v.store.List(ctx, v.dirPrefix(p))
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		keys = append(keys, c.Key)
	}
	return keys, nil
}

// Delete removes p and reports whether anything was there. A directory
// with entries is only removed when recursive is set.
func (v *Volume) Delete(ctx context.Context, p string, recursive bool) (bool, error) {
	keys, err := v.objects(ctx, p)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}
	if !recursive {
		marker := v.dirPrefix(p)
		for _, k := range keys {
			if k != marker && k != v.key(p) {
				return false, fmt.Errorf("%w: %s", ErrDirNotEmpty, p)
			}
		}
	}
	// Children first so a failure never leaves entries without their marker.
	for i := len(keys) - 1; i >= 0; i-- {
		if err := v.store.Delete(ctx, keys[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}

// MoveToTrash copies p below the trash prefix and then removes it. It
// reports false when p does not exist.
func (v *Volume) MoveToTrash(ctx context.Context, p string) (bool, error) {
	keys, err := v.objects(ctx, p)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}
	for _, k := range keys {
		if err := v.store.Copy(ctx, k, TrashPrefix+k); err != nil {
			return false, err
		}
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if err := v.store.Delete(ctx, keys[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}

// IsEmptyDir reports whether p exists as a directory with no entries.
func (v *Volume) IsEmptyDir(ctx context.Context, p string) (bool, error) {
	children, err := v.store.List(ctx, v.dirPrefix(p))
	if err != nil {
		return false, err
	}
	marker := v.dirPrefix(p)
	hasMarker := false
	for _, c := range children {
		if c.Key != marker {
			return false, nil
		}
		hasMarker = true
	}
	return hasMarker, nil
}

// MakeDir creates the directory marker for p.
func (v *Volume) MakeDir(ctx context.Context, p string) error {
	return v.store.Put(ctx, v.dirPrefix(p), bytes.NewReader(nil), 0, "application/x-directory")
}

// WriteFile stores data at p.
func (v *Volume) WriteFile(ctx context.Context, p string, data []byte) error {
	return v.store.Put(ctx, v.key(p), bytes.NewReader(data), int64(len(data)), "application/octet-stream")
}

// ListFiles returns the path of every file whose path below the root
// matches one of the patterns, using path.Match syntax, e.g. "*/*/*.rf".
// Directory markers are never returned.
func (v *Volume) ListFiles(ctx context.Context, patterns ...string) ([]string, error) {
	for _, pat := range patterns {
		if _, err := path.Match(pat, ""); err != nil {
			return nil, fmt.Errorf("volume: bad pattern %q: %w", pat, err)
		}
	}
	objects, err := v.store.List(ctx, v.root+"/")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, v.root+"/")
		for _, pat := range patterns {
			if ok, _ := path.Match(pat, rel); ok {
				out = append(out, "/"+rel)
				break
			}
		}
	}
	return out, nil
}
