// Package artifact implements the claim-check pattern: large step outputs
// are written to an artifact store and replaced in events by a URI, keeping
// the event stream small and cheap to replay.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when retrieving a URI with no stored artifact.
var ErrNotFound = errors.New("artifact not found")

// Scheme prefixes every artifact URI.
const Scheme = "artifact://"

// Store persists opaque artifact payloads addressed by URI.
//
// Writes are durable when Store returns. Delete is idempotent: deleting an
// absent URI succeeds silently.
type Store interface {
	// Store writes the payload under a category (a directory or key
	// prefix) and returns its URI.
	Store(ctx context.Context, payload []byte, category string) (string, error)

	// Retrieve returns the payload for a URI, or ErrNotFound.
	Retrieve(ctx context.Context, uri string) ([]byte, error)

	// Delete removes the payload. Absent URIs are not an error.
	Delete(ctx context.Context, uri string) error
}

// URI builds an artifact URI from a category and content key.
func URI(category, key string) string {
	return Scheme + category + "/" + key
}

// Parse splits an artifact URI into category and key.
func Parse(uri string) (category, key string, err error) {
	rest, ok := strings.CutPrefix(uri, Scheme)
	if !ok {
		return "", "", fmt.Errorf("not an artifact URI: %q", uri)
	}
	category, key, ok = strings.Cut(rest, "/")
	if !ok || category == "" || key == "" {
		return "", "", fmt.Errorf("malformed artifact URI: %q", uri)
	}
	return category, key, nil
}

// IsURI reports whether s looks like an artifact URI.
func IsURI(s string) bool {
	return strings.HasPrefix(s, Scheme)
}
