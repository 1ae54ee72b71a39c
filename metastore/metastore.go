// Package metastore keeps one replicated register per metadata key. Each
// key has its own proposer and acceptor, created on first use, and every
// key's acceptor is parented by the replica set configuration.
package metastore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"metapaxos/acceptor"
	"metapaxos/configmanager"
	"metapaxos/dlog"
	"metapaxos/metaproto"
	"metapaxos/proposer"
	"metapaxos/stablestore"
	"metapaxos/stats"
)

var (
	ErrReservedKey = errors.New("metastore: key is reserved for the replica set configuration")
	ErrClosed      = errors.New("metastore: closed")
)

type Options struct {
	Store      stablestore.Store
	Config     *configmanager.Manager
	ProposerID uint32
	Stats      *stats.TimeseriesStats
}

type Manager struct {
	store      stablestore.Store
	config     *configmanager.Manager
	proposerID uint32
	stats      *stats.TimeseriesStats

	mu        sync.Mutex
	closed    bool
	proposers map[string]*proposer.Proposer[[]byte]
	acceptors map[string]*acceptor.Acceptor[[]byte]
}

func New(opts Options) *Manager {
	return &Manager{
		store:      opts.Store,
		config:     opts.Config,
		proposerID: opts.ProposerID,
		stats:      opts.Stats,
		proposers:  make(map[string]*proposer.Proposer[[]byte]),
		acceptors:  make(map[string]*acceptor.Acceptor[[]byte]),
	}
}

// Close drops every register. The store belongs to the caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.proposers = nil
	m.acceptors = nil
	return nil
}

func (m *Manager) Config() *configmanager.Manager {
	return m.config
}

func (m *Manager) refreshConfig(ctx context.Context, newer metaproto.Ballot) error {
	dlog.Printf("metastore: configuration %v is newer than ours, refreshing", newer)
	_, err := m.config.Refresh(ctx)
	return err
}

func (m *Manager) proposerFor(key string) (*proposer.Proposer[[]byte], error) {
	if key == configmanager.Key {
		return nil, ErrReservedKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.proposers[key]
	if !ok {
		p = proposer.New(proposer.Options[[]byte]{
			Key:              key,
			ProposerID:       m.proposerID,
			Codec:            metaproto.RawCodec{},
			Configuration:    m.config.Expanded,
			OnConfigConflict: m.refreshConfig,
			Stats:            m.stats,
		})
		m.proposers[key] = p
	}
	return p, nil
}

func (m *Manager) acceptorFor(key string) (*acceptor.Acceptor[[]byte], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	a, ok := m.acceptors[key]
	if !ok {
		a = acceptor.New(acceptor.Options[[]byte]{
			Key:          key,
			Store:        m.store,
			Codec:        metaproto.RawCodec{},
			ParentBallot: m.config.ParentBallot,
		})
		m.acceptors[key] = a
	}
	return a, nil
}

// TryGetRaw reads key through a quorum. A key nobody wrote reads as nil.
func (m *Manager) TryGetRaw(ctx context.Context, key string) (metaproto.ReplicationStatus, []byte, error) {
	p, err := m.proposerFor(key)
	if err != nil {
		return metaproto.Failed, nil, err
	}
	return p.TryUpdate(ctx, nil, proposer.Identity[[]byte])
}

func (m *Manager) TryUpdateRaw(ctx context.Context, key string, input []byte, change proposer.ChangeFunc[[]byte]) (metaproto.ReplicationStatus, []byte, error) {
	p, err := m.proposerFor(key)
	if err != nil {
		return metaproto.Failed, nil, err
	}
	return p.TryUpdate(ctx, input, change)
}

// Prepare serves a remote proposer acting on this node's acceptor.
func (m *Manager) Prepare(ctx context.Context, key string, parent, ballot metaproto.Ballot) (metaproto.PrepareResponse[[]byte], error) {
	if key == configmanager.Key {
		return m.config.Prepare(ctx, parent, ballot)
	}
	a, err := m.acceptorFor(key)
	if err != nil {
		return nil, err
	}
	return a.Prepare(ctx, parent, ballot)
}

func (m *Manager) Accept(ctx context.Context, key string, parent, ballot metaproto.Ballot, value []byte) (metaproto.AcceptResponse, error) {
	if key == configmanager.Key {
		return m.config.Accept(ctx, parent, ballot, value)
	}
	a, err := m.acceptorFor(key)
	if err != nil {
		return nil, err
	}
	return a.Accept(ctx, parent, ballot, value)
}

const keyPage = 1000

// GetKeys lists the metadata keys this node holds a register for.
func (m *Manager) GetKeys(ctx context.Context) ([]string, error) {
	var keys []string
	after := ""
	for {
		page, err := m.store.ListKeys(ctx, keyPage, after)
		if err != nil {
			return nil, fmt.Errorf("metastore: list keys: %w", err)
		}
		for _, k := range page {
			if k != configmanager.Key {
				keys = append(keys, k)
			}
		}
		if len(page) < keyPage {
			return keys, nil
		}
		after = page[len(page)-1]
	}
}
