package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"metapaxos/metaproto"
	"metapaxos/replicaset"
)

// Loopback resolves addresses to replicas in the same process.
type Loopback struct {
	mu       sync.RWMutex
	replicas map[replicaset.NodeAddress]*Replica
	down     map[replicaset.NodeAddress]bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		replicas: make(map[replicaset.NodeAddress]*Replica),
		down:     make(map[replicaset.NodeAddress]bool),
	}
}

func (l *Loopback) Add(r *Replica) {
	l.mu.Lock()
	l.replicas[r.Address()] = r
	l.mu.Unlock()
}

// SetDown makes node unresolvable, as if it crashed, until set back.
func (l *Loopback) SetDown(node replicaset.NodeAddress, down bool) {
	l.mu.Lock()
	l.down[node] = down
	l.mu.Unlock()
}

func (l *Loopback) Resolve(node replicaset.NodeAddress) []metaproto.RemoteStore {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.replicas[node]
	if !ok {
		return nil
	}
	return []metaproto.RemoteStore{&loopbackStore{l: l, r: r}}
}

type loopbackStore struct {
	l *Loopback
	r *Replica
}

var errUnreachable = errors.New("replica: unreachable")

func (s *loopbackStore) reachable() error {
	s.l.mu.RLock()
	defer s.l.mu.RUnlock()
	if s.l.down[s.r.Address()] {
		return fmt.Errorf("%w: %s", errUnreachable, s.r.Address())
	}
	return nil
}

func (s *loopbackStore) Prepare(ctx context.Context, key string, parent, ballot metaproto.Ballot) (metaproto.PrepareResponse[[]byte], error) {
	if err := s.reachable(); err != nil {
		return nil, err
	}
	return s.r.Prepare(ctx, key, parent, ballot)
}

func (s *loopbackStore) Accept(ctx context.Context, key string, parent, ballot metaproto.Ballot, value []byte) (metaproto.AcceptResponse, error) {
	if err := s.reachable(); err != nil {
		return nil, err
	}
	return s.r.Accept(ctx, key, parent, ballot, value)
}

func (s *loopbackStore) GetKeys(ctx context.Context) ([]string, error) {
	if err := s.reachable(); err != nil {
		return nil, err
	}
	return s.r.GetKeys(ctx)
}
