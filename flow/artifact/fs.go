package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/cespare/xxhash/v2"
)

// FSStore is a content-addressed filesystem artifact store. Payloads live
// under root/<category>/<xxhash-of-content>, so identical payloads in the
// same category share one file and re-stores are free.
type FSStore struct {
	root string
}

// Category names become path components; restrict them so a crafted
// category cannot escape the root.
var safeCategory = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// NewFSStore creates a store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

// Store writes the payload and returns its content-addressed URI. The
// write goes through a temp file and rename so readers never observe a
// partial artifact.
func (s *FSStore) Store(ctx context.Context, payload []byte, category string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !safeCategory.MatchString(category) {
		return "", fmt.Errorf("invalid artifact category %q", category)
	}

	key := fmt.Sprintf("%016x", xxhash.Sum64(payload))
	dir := filepath.Join(s.root, category)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create category dir: %w", err)
	}

	path := filepath.Join(dir, key)
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: identical payload already stored.
		return URI(category, key), nil
	}

	tmp, err := os.CreateTemp(dir, key+".tmp*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return URI(category, key), nil
}

// Retrieve reads the payload for a URI.
func (s *FSStore) Retrieve(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathFor(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is validated against the store root
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// Delete removes the payload. Deleting an absent URI succeeds.
func (s *FSStore) Delete(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

func (s *FSStore) pathFor(uri string) (string, error) {
	category, key, err := Parse(uri)
	if err != nil {
		return "", err
	}
	if !safeCategory.MatchString(category) || !safeCategory.MatchString(key) {
		return "", fmt.Errorf("invalid artifact URI %q", uri)
	}
	return filepath.Join(s.root, category, key), nil
}
