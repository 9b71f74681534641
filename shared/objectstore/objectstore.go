// Package objectstore stores runner input and output files behind one interface,
// backed by local disk or S3-compatible object storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("object not found")

// Info describes a stored object
type Info struct {
	Key         string
	Size        int64
	ContentType string
}

// Store is an opaque destination for files addressed by slash-separated keys
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, Info, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// CleanKey normalises a key and rejects keys escaping the store root
func CleanKey(key string) (string, error) {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("invalid object key")
	}
	return key, nil
}

// Join builds a key from path segments
func Join(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// Transfer copies keys from src to dst with at most parallel copies in flight.
// Keys are removed from src only when every copy succeeded and removeSource is set.
func Transfer(ctx context.Context, src, dst Store, keys []string, parallel int, removeSource bool) error {
	if parallel <= 0 {
		parallel = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, key := range keys {
		g.Go(func() error {
			return copyObject(gctx, src, dst, key)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if !removeSource {
		return nil
	}

	for _, key := range keys {
		if err := src.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete source object %s: %w", key, err)
		}
	}
	return nil
}

func copyObject(ctx context.Context, src, dst Store, key string) error {
	r, info, err := src.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to open source object %s: %w", key, err)
	}
	defer r.Close()

	if err := dst.Put(ctx, key, r, info.Size); err != nil {
		return fmt.Errorf("failed to copy object %s: %w", key, err)
	}
	return nil
}
