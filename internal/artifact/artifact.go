// Package artifact stores the binary blobs referenced by biometric records:
// face photos, fingerprint templates, signature images. Blobs are addressed
// by reference string and transfer lazily between devices; the change log
// only ever carries references.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("artifact not found")

// Store is the blob storage surface. Puts are idempotent: writing the same
// ref twice overwrites harmlessly.
type Store interface {
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Has(ctx context.Context, ref string) (bool, error)
}

// ContentRef derives a content-addressed reference for newly captured bytes.
func ContentRef(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256/" + hex.EncodeToString(sum[:])
}

// FileStore keeps artifacts as flat files under a directory, one file per
// reference.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path maps a reference to a filename. References are opaque strings that
// may contain separators, so the filename is a digest of the ref.
func (f *FileStore) path(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:]))
}

func (f *FileStore) Put(_ context.Context, ref string, data []byte) error {
	tmp := f.path(ref) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(ref))
}

func (f *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(f.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *FileStore) Has(_ context.Context, ref string) (bool, error) {
	_, err := os.Stat(f.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
