package stablestore

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	rbt "github.com/emirpasic/gods/trees/redblacktree"

	"metapaxos/dlog"
)

const LogFileName = "metastore.log"

// FileStore appends every write to a log and keeps an ordered in-memory index
// of the latest value per key. The log is replayed on open.
type FileStore struct {
	mu                sync.RWMutex
	file              *os.File
	stableStore       StableStore
	offset            int64
	index             *rbt.Tree
	durable           bool
	emulatedSS        bool
	emulatedWriteTime time.Duration
	closed            bool
}

type FileStoreOptions struct {
	// Durable syncs every write before it is acknowledged.
	Durable bool
	// EmulatedWriteTime, when non-zero, replaces the fsync with a sleep.
	EmulatedWriteTime time.Duration
}

func OpenFileStore(dir string, opts FileStoreOptions) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stablestore: create dir: %w", err)
	}
	path := filepath.Join(dir, LogFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stablestore: open %s: %w", path, err)
	}
	fs := &FileStore{
		file:              f,
		stableStore:       f,
		index:             rbt.NewWithStringComparator(),
		durable:           opts.Durable,
		emulatedSS:        opts.EmulatedWriteTime > 0,
		emulatedWriteTime: opts.EmulatedWriteTime,
	}
	n, err := fs.replay(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(n); err != nil {
		f.Close()
		return nil, fmt.Errorf("stablestore: truncate torn tail: %w", err)
	}
	fs.offset = n
	dlog.Printf("stablestore: replayed %d keys from %s (%d bytes)", fs.index.Size(), path, n)
	return fs, nil
}

// replay loads every complete record and returns the offset just past the
// last one. A torn record at the tail is overwritten by the next write.
func (fs *FileStore) replay(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	var offset int64
	for {
		key, value, n, err := readRecord(br)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return offset, nil
		}
		if err != nil {
			return offset, fmt.Errorf("stablestore: replay: %w", err)
		}
		fs.index.Put(key, value)
		offset += n
	}
}

func readRecord(br *bufio.Reader) (string, []byte, int64, error) {
	var l [4]byte
	if _, err := io.ReadFull(br, l[:]); err != nil {
		return "", nil, 0, err
	}
	key := make([]byte, binary.LittleEndian.Uint32(l[:]))
	if _, err := io.ReadFull(br, key); err != nil {
		return "", nil, 0, io.ErrUnexpectedEOF
	}
	if _, err := io.ReadFull(br, l[:]); err != nil {
		return "", nil, 0, io.ErrUnexpectedEOF
	}
	value := make([]byte, binary.LittleEndian.Uint32(l[:]))
	if _, err := io.ReadFull(br, value); err != nil {
		return "", nil, 0, io.ErrUnexpectedEOF
	}
	return string(key), value, int64(8 + len(key) + len(value)), nil
}

func encodeRecord(key string, value []byte) []byte {
	b := make([]byte, 8+len(key)+len(value))
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(key)))
	copy(b[4:], key)
	binary.LittleEndian.PutUint32(b[4+len(key):8+len(key)], uint32(len(value)))
	copy(b[8+len(key):], value)
	return b
}

func (fs *FileStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return nil, false, ErrClosed
	}
	v, found := fs.index.Get(key)
	if !found {
		return nil, false, nil
	}
	return copyBytes(v.([]byte)), true, nil
}

// Write returns only once the record is on stable storage (when durable).
func (fs *FileStore) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := encodeRecord(key, value)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return ErrClosed
	}
	if _, err := fs.stableStore.WriteAt(rec, fs.offset); err != nil {
		return fmt.Errorf("stablestore: write %q: %w", key, err)
	}
	if err := fs.fsync(); err != nil {
		return fmt.Errorf("stablestore: sync %q: %w", key, err)
	}
	fs.offset += int64(len(rec))
	fs.index.Put(key, copyBytes(value))
	return nil
}

func (fs *FileStore) fsync() error {
	if !fs.durable {
		return nil
	}
	if fs.emulatedSS {
		t := time.NewTimer(fs.emulatedWriteTime)
		<-t.C
		return nil
	}
	return fs.stableStore.Sync()
}

func (fs *FileStore) ListKeys(ctx context.Context, limit int, after string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return nil, ErrClosed
	}
	return listKeys(fs.index, limit, after), nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	if fs.durable {
		_ = fs.file.Sync()
	}
	return fs.file.Close()
}
