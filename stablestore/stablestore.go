package stablestore

import (
	"context"
	"errors"
)

// StableStore is the file a FileStore appends to. *os.File satisfies it.
type StableStore interface {
	Write([]byte) (int, error)
	WriteAt([]byte, int64) (int, error)
	Sync() error
}

// Store is a node-local durable key/value store. It only has to give
// read-your-writes on the owning node.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Write(ctx context.Context, key string, value []byte) error
	// ListKeys returns up to limit keys greater than after, in order. A limit
	// of zero or less means no limit.
	ListKeys(ctx context.Context, limit int, after string) ([]string, error)
	Close() error
}

var ErrClosed = errors.New("stablestore: closed")
