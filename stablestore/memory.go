package stablestore

import (
	"context"
	"sync"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
)

type MemStore struct {
	mu     sync.RWMutex
	index  *rbt.Tree
	closed bool
}

func NewMemStore() *MemStore {
	return &MemStore{index: rbt.NewWithStringComparator()}
}

func (m *MemStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, found := m.index.Get(key)
	if !found {
		return nil, false, nil
	}
	return copyBytes(v.([]byte)), true, nil
}

func (m *MemStore) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.index.Put(key, copyBytes(value))
	return nil
}

func (m *MemStore) ListKeys(ctx context.Context, limit int, after string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return listKeys(m.index, limit, after), nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// listKeys returns up to limit keys in order, starting after the given key.
func listKeys(index *rbt.Tree, limit int, after string) []string {
	keys := make([]string, 0)
	it := index.Iterator()
	if after != "" {
		node, found := index.Ceiling(after)
		if node == nil {
			return keys
		}
		if !found {
			keys = append(keys, node.Key.(string))
		}
		it = index.IteratorAt(node)
	}
	for (limit <= 0 || len(keys) < limit) && it.Next() {
		keys = append(keys, it.Key().(string))
	}
	return keys
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
