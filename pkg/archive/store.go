// Package archive keeps exported evidence bundles in content-addressed
// storage so they can be handed to auditors and re-verified later.
//
// Objects are write-once. An address is "sha256:<hex>" of the stored bytes
// and the object key is "<prefix><hex>.blob".
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/avrtpro/avrt-firewall/pkg/canonicalize"
)

const addressPrefix = "sha256:"

var (
	// ErrNotFound is returned by Get for an address with no stored object.
	ErrNotFound = errors.New("archive object not found")
	// ErrInvalidAddress is returned for anything that is not "sha256:<64 hex>".
	ErrInvalidAddress = errors.New("invalid archive address")
)

// Store is write-once content-addressed storage.
type Store interface {
	// Put persists data and returns its address. Storing the same bytes
	// twice returns the same address and writes nothing.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
	Exists(ctx context.Context, address string) (bool, error)
}

// digest validates an address and returns its hex part.
func digest(address string) (string, error) {
	hex, ok := strings.CutPrefix(address, addressPrefix)
	if !ok || !canonicalize.IsHexDigest(hex) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return hex, nil
}

func objectKey(prefix, hex string) string { return prefix + hex + ".blob" }

// FileStore keeps objects under a local directory.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

func NewFileStore(dir string) (*FileStore, error) {
	//nolint:gosec // archive directory is shared with operators
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir is the root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	address := canonicalize.PrefixedHash(data)
	hex := strings.TrimPrefix(address, addressPrefix)
	path := filepath.Join(s.dir, objectKey("", hex))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return address, nil
	}

	tmp, err := os.CreateTemp(s.dir, hex+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("archive: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return address, nil
}

func (s *FileStore) Get(_ context.Context, address string) ([]byte, error) {
	hex, err := digest(address)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, objectKey("", hex)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", address, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, address string) (bool, error) {
	hex, err := digest(address)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.dir, objectKey("", hex)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("archive: stat %s: %w", address, err)
	}
}
