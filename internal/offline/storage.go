package offline

import (
	"context"
	"errors"
	"fmt"
)

// Storage is a set of named stores, the equivalent of a browser's
// CacheStorage. Names are reported in creation order and Match consults the
// stores in that order.
type Storage interface {
	Open(ctx context.Context, name string) (Store, error)
	Names(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, name string) (bool, error)
	Match(ctx context.Context, key string) (Entry, bool, error)
	Close() error
}

// Store is one named cache. Put is last-writer-wins per key.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, ent Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

var (
	ErrStorageClosed = errors.New("storage closed")
	// ErrStoreDropped is returned when writing through a handle whose store
	// was dropped after it was opened.
	ErrStoreDropped = errors.New("store dropped")
)

// PruneStores drops every store that does not belong to keep and returns the
// dropped names.
func PruneStores(ctx context.Context, st Storage, keep Generation) ([]string, error) {
	names, err := st.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	var dropped []string
	for _, name := range names {
		if keep.Current(name) {
			continue
		}
		if _, err := st.Drop(ctx, name); err != nil {
			return dropped, fmt.Errorf("drop store %q: %w", name, err)
		}
		dropped = append(dropped, name)
	}
	return dropped, nil
}
