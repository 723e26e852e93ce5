package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DiskStore is a filesystem-backed ObjectStore. It is the production store
// for single-node deployments; keys map directly to paths under the root.
type DiskStore struct {
	root string
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &DiskStore{root: abs}, nil
}

// keyPath maps an object key to a path under the root, rejecting keys that
// would escape it.
func (d *DiskStore) keyPath(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(clean, "..") || clean == "/" {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *DiskStore) Put(ctx context.Context, key string, r io.Reader) error {
	path, err := d.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage put %s: %w", key, err)
	}
	// Write to a temp file in the same directory and rename so concurrent
	// readers never observe a partial object.
	tmp := path + ".tmp." + uuid.New().String()[:8]
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("storage put %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage put %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage put %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage put %s: %w", key, err)
	}
	return nil
}

func (d *DiskStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := d.keyPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage get %s: %w", key, err)
	}
	return f, nil
}

func (d *DiskStore) DeletePrefix(ctx context.Context, prefix string) error {
	path, err := d.keyPath(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("storage delete prefix %s: %w", prefix, err)
	}
	return nil
}

func (d *DiskStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := d.keyPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage stat %s: %w", key, err)
	}
	return true, nil
}
