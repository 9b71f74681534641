package objectstore

import (
	"context"
	"errors"
	"io"
)

// Fallback writes to its primary store and reads from the first store holding a key, so files
// moved between storages stay reachable under the same key
type Fallback struct {
	primary Store
	others  []Store
}

var _ Store = (*Fallback)(nil)

func NewFallback(primary Store, others ...Store) *Fallback {
	f := &Fallback{primary: primary}
	for _, s := range others {
		if s != nil {
			f.others = append(f.others, s)
		}
	}
	return f
}

func (f *Fallback) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return f.primary.Put(ctx, key, r, size)
}

func (f *Fallback) Open(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	for _, s := range f.stores() {
		r, info, err := s.Open(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return r, info, err
	}
	return nil, Info{}, ErrNotFound
}

func (f *Fallback) Exists(ctx context.Context, key string) (bool, error) {
	for _, s := range f.stores() {
		ok, err := s.Exists(ctx, key)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	return f.primary.Delete(ctx, key)
}

func (f *Fallback) DeletePrefix(ctx context.Context, prefix string) error {
	return f.primary.DeletePrefix(ctx, prefix)
}

func (f *Fallback) stores() []Store {
	return append([]Store{f.primary}, f.others...)
}
