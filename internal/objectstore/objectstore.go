// Package objectstore stores item images and audit archives by key, either in
// an S3-compatible bucket or under a local directory.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var ErrNotFound = errors.New("object not found")

// Object is a stored blob opened for reading. Callers must close Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
}

// CleanKey normalizes key to a relative slash path and rejects keys that
// escape the store root.
func CleanKey(key string) (string, error) {
	if key == "" || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return cleaned, nil
}
