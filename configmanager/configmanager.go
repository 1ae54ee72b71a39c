// Package configmanager replicates the replica set configuration itself. The
// configuration register is the root of the cluster: its acceptor has no
// parent, and the stamp of the configuration it holds is the parent ballot
// of every other key.
package configmanager

import (
	"context"
	"fmt"
	"sync"

	"metapaxos/acceptor"
	"metapaxos/dlog"
	"metapaxos/metaproto"
	"metapaxos/proposer"
	"metapaxos/replicaset"
	"metapaxos/stablestore"
	"metapaxos/stats"
)

// Key is the register the configuration lives in.
const Key = "cluster-config"

type Options struct {
	Store      stablestore.Store
	Resolver   replicaset.Resolver
	ProposerID uint32
	Stats      *stats.TimeseriesStats
}

type Manager struct {
	writeLock chan struct{}
	resolver  replicaset.Resolver
	codec     metaproto.JSONCodec[replicaset.Configuration]
	proposer  *proposer.Proposer[replicaset.Configuration]
	acceptor  *acceptor.Acceptor[replicaset.Configuration]
	stats     *stats.TimeseriesStats

	mu          sync.RWMutex
	accepted    replicaset.Configuration
	expanded    replicaset.Expanded
	subscribers []func(replicaset.Configuration)
}

// New loads the last configuration this node accepted, if any.
func New(ctx context.Context, opts Options) (*Manager, error) {
	m := &Manager{
		writeLock: make(chan struct{}, 1),
		resolver:  opts.Resolver,
		stats:     opts.Stats,
	}
	m.acceptor = acceptor.New(acceptor.Options[replicaset.Configuration]{
		Key:   Key,
		Store: opts.Store,
		Codec: m.codec,
		OnUpdate: func(_ string, st metaproto.RegisterState[replicaset.Configuration]) {
			m.observe(st.Value, false)
		},
	})
	m.proposer = proposer.New(proposer.Options[replicaset.Configuration]{
		Key:           Key,
		ProposerID:    opts.ProposerID,
		Codec:         m.codec,
		Configuration: m.Expanded,
		ParentBallot: func(replicaset.Configuration) metaproto.Ballot {
			return metaproto.Zero
		},
		Stats: opts.Stats,
	})

	st, err := m.acceptor.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("configmanager: load: %w", err)
	}
	m.observe(st.Value, false)
	return m, nil
}

// AcceptedConfiguration is the newest configuration this node knows about.
func (m *Manager) AcceptedConfiguration() replicaset.Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accepted
}

func (m *Manager) Expanded() replicaset.Expanded {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expanded
}

// ParentBallot is the stamp every other key's acceptor compares against.
func (m *Manager) ParentBallot() metaproto.Ballot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accepted.Stamp
}

// Subscribe registers fn to be called with every configuration this node
// moves to. fn runs synchronously and must not call back into the manager.
func (m *Manager) Subscribe(fn func(replicaset.Configuration)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

func newer(a, b replicaset.Configuration) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.Stamp.GreaterThan(b.Stamp)
}

// observe moves the cache forward. force replaces it unconditionally.
func (m *Manager) observe(cfg replicaset.Configuration, force bool) {
	if cfg.IsEmpty() {
		return
	}
	m.mu.Lock()
	if !force && !newer(cfg, m.accepted) {
		m.mu.Unlock()
		return
	}
	m.accepted = cfg.Clone()
	m.expanded = replicaset.Expand(m.accepted, m.resolver)
	subscribers := append([]func(replicaset.Configuration){}, m.subscribers...)
	m.mu.Unlock()

	dlog.Printf("configmanager: now at %v", cfg)
	for _, fn := range subscribers {
		fn(cfg)
	}
}

// ForceLocalConfiguration seeds this node's configuration register. It is
// only for bootstrapping a cluster nobody has written to yet.
func (m *Manager) ForceLocalConfiguration(ctx context.Context, cfg replicaset.Configuration) error {
	if err := m.acceptor.ForceState(ctx, cfg); err != nil {
		return err
	}
	m.observe(cfg, true)
	return nil
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.writeLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.writeLock
}

// keepMonotonic only lets a configuration replace its direct predecessor.
func keepMonotonic(current, input replicaset.Configuration) replicaset.Configuration {
	if input.Version == current.Version+1 {
		return input
	}
	return current
}

// Refresh reads the configuration register through the cluster, completing
// any configuration change that was left partially accepted.
func (m *Manager) Refresh(ctx context.Context) (replicaset.Configuration, error) {
	status, cfg, err := m.proposer.TryUpdate(ctx, replicaset.Configuration{}, proposer.Identity[replicaset.Configuration])
	if err != nil {
		return m.AcceptedConfiguration(), err
	}
	if status != metaproto.Success {
		return m.AcceptedConfiguration(), fmt.Errorf("configmanager: refresh: %v", status)
	}
	m.observe(cfg, false)
	return m.AcceptedConfiguration(), nil
}

// TryUpdate changes the configuration in two rounds: a read that settles
// the current configuration, then a round proposing its successor. change
// returns false when there is nothing to do. Successive configurations
// differ by at most one member.
func (m *Manager) TryUpdate(ctx context.Context, change func(replicaset.Configuration) (replicaset.Update, bool)) (metaproto.ReplicationStatus, replicaset.Configuration, error) {
	if err := m.acquire(ctx); err != nil {
		return metaproto.Failed, m.AcceptedConfiguration(), err
	}
	defer m.release()

	status, current, err := m.proposer.TryUpdate(ctx, replicaset.Configuration{}, proposer.Identity[replicaset.Configuration])
	if status != metaproto.Success {
		return status, m.AcceptedConfiguration(), err
	}
	m.observe(current, false)

	update, ok := change(current)
	if !ok {
		return metaproto.Success, current, nil
	}
	next, err := update.Apply(current, m.proposer.Ballot().Successor())
	if err != nil {
		return metaproto.Failed, current, err
	}

	status, committed, err := m.proposer.TryUpdate(ctx, next, keepMonotonic)
	if status != metaproto.Success {
		return status, m.AcceptedConfiguration(), err
	}
	m.observe(committed, false)
	if !committed.Stamp.Equal(next.Stamp) {
		// someone else's configuration won the register, possibly at the
		// same version
		return metaproto.Failed, committed, nil
	}
	m.stats.Update(stats.Reconfigurations, 1)
	dlog.Printf("configmanager: committed %v", committed)
	return metaproto.Success, committed, nil
}

func (m *Manager) TryAddServer(ctx context.Context, node replicaset.NodeAddress) (metaproto.ReplicationStatus, replicaset.Configuration, error) {
	return m.TryUpdate(ctx, func(c replicaset.Configuration) (replicaset.Update, bool) {
		return replicaset.AddMember(c, node)
	})
}

func (m *Manager) TryRemoveServer(ctx context.Context, node replicaset.NodeAddress) (metaproto.ReplicationStatus, replicaset.Configuration, error) {
	return m.TryUpdate(ctx, func(c replicaset.Configuration) (replicaset.Update, bool) {
		return replicaset.RemoveMember(c, node)
	})
}

// Prepare serves a remote proposer's prepare for the configuration register.
func (m *Manager) Prepare(ctx context.Context, parent, ballot metaproto.Ballot) (metaproto.PrepareResponse[[]byte], error) {
	resp, err := m.acceptor.Prepare(ctx, parent, ballot)
	if err != nil {
		return nil, err
	}
	switch resp := resp.(type) {
	case metaproto.PrepareSuccess[replicaset.Configuration]:
		var b []byte
		if !resp.Value.IsEmpty() {
			if b, err = m.codec.Encode(resp.Value); err != nil {
				return nil, err
			}
		}
		return metaproto.PrepareSuccess[[]byte]{Accepted: resp.Accepted, Value: b}, nil
	case metaproto.Conflict:
		return resp, nil
	case metaproto.ConfigConflict:
		return resp, nil
	}
	return nil, fmt.Errorf("configmanager: unexpected prepare response %T", resp)
}

// Accept serves a remote proposer's accept for the configuration register.
func (m *Manager) Accept(ctx context.Context, parent, ballot metaproto.Ballot, value []byte) (metaproto.AcceptResponse, error) {
	cfg, err := m.codec.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("configmanager: decode: %w", err)
	}
	return m.acceptor.Accept(ctx, parent, ballot, cfg)
}
