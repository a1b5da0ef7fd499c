// Package blob reads project sources from and writes derived artifacts to object storage.
package blob

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a reference does not resolve to an object.
var ErrNotFound = errors.New("blob not found")

// Store is the object storage contract used by workspace preparation and the thumbnail mirror.
type Store interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}
