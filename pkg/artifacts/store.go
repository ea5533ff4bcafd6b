// Package artifacts archives built toolcall artifacts in content-addressed
// storage and verifies them on the way back out.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nooterra/nooterra/pkg/canonicalize"
)

const refPrefix = "sha256:"

// ErrNotFound is returned by Get when no blob has the requested ref.
var ErrNotFound = errors.New("artifact not found")

// Store is content-addressed blob storage. Refs have the form
// "sha256:<64 lowercase hex>" and are the digest of the stored bytes.
type Store interface {
	// Store persists data and returns its ref. Storing the same bytes twice
	// is a no-op.
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// RefOf returns the ref data would be stored under.
func RefOf(data []byte) string {
	return refPrefix + canonicalize.HashBytes(data)
}

// parseRef returns the hex digest of a ref.
func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", ref)
	}
	if !canonicalize.IsSHA256Hex(raw) {
		return "", fmt.Errorf("invalid hash hex: %s", ref)
	}
	return raw, nil
}

func blobName(digest string) string { return digest + ".blob" }

// FileStore keeps one file per blob under a directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := RefOf(data)
	path := filepath.Join(s.baseDir, blobName(strings.TrimPrefix(ref, refPrefix)))
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmpPath := path + ".tmp"
	//nolint:gosec // G306: blobs are readable by the archive's users
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, blobName(digest))) //nolint:gosec // digest validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return data, err
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, blobName(digest)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *FileStore) Delete(_ context.Context, ref string) error {
	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.baseDir, blobName(digest))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}
