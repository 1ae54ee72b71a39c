package configmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"metapaxos/acceptor"
	"metapaxos/metaproto"
	"metapaxos/replicaset"
	"metapaxos/stablestore"
)

// remote serves only the configuration register of a manager.
type remote struct {
	m *Manager
}

func (r remote) Prepare(ctx context.Context, key string, parent, ballot metaproto.Ballot) (metaproto.PrepareResponse[[]byte], error) {
	if key != Key {
		return nil, fmt.Errorf("unexpected key %q", key)
	}
	return r.m.Prepare(ctx, parent, ballot)
}

func (r remote) Accept(ctx context.Context, key string, parent, ballot metaproto.Ballot, value []byte) (metaproto.AcceptResponse, error) {
	if key != Key {
		return nil, fmt.Errorf("unexpected key %q", key)
	}
	return r.m.Accept(ctx, parent, ballot, value)
}

func (r remote) GetKeys(context.Context) ([]string, error) {
	return []string{Key}, nil
}

type testCluster struct {
	mu       sync.Mutex
	managers map[replicaset.NodeAddress]*Manager
}

func (c *testCluster) Resolve(node replicaset.NodeAddress) []metaproto.RemoteStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.managers[node]
	if !ok {
		return nil
	}
	return []metaproto.RemoteStore{remote{m}}
}

func newTestCluster(t *testing.T, size int) (*testCluster, []*Manager) {
	t.Helper()
	c := &testCluster{managers: make(map[replicaset.NodeAddress]*Manager)}
	out := make([]*Manager, size)
	for i := 0; i < size; i++ {
		m, err := New(context.Background(), Options{
			Store:      stablestore.NewMemStore(),
			Resolver:   c,
			ProposerID: uint32(i + 1),
		})
		if err != nil {
			t.Fatalf("new manager: %v", err)
		}
		c.managers[addr(i)] = m
		out[i] = m
	}
	return c, out
}

// eventually waits for accepts that were still in flight when a round
// reached its quorum.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func addr(i int) replicaset.NodeAddress {
	return replicaset.NodeAddress(fmt.Sprintf("n%d", i))
}

func TestGrowOneAtATime(t *testing.T) {
	ctx := context.Background()
	_, ms := newTestCluster(t, 4)
	seed := ms[0]
	if err := seed.ForceLocalConfiguration(ctx, replicaset.Bootstrap(addr(0))); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	var seen []int
	seed.Subscribe(func(c replicaset.Configuration) { seen = append(seen, len(c.Members)) })

	prev := seed.ParentBallot()
	for i := 1; i < 4; i++ {
		status, cfg, err := seed.TryAddServer(ctx, addr(i))
		if err != nil || status != metaproto.Success {
			t.Fatalf("add %s: %v %v", addr(i), status, err)
		}
		if len(cfg.Members) != i+1 || cfg.Version != int64(i+1) {
			t.Fatalf("add %s produced %v", addr(i), cfg)
		}
		want := (i+1)/2 + 1
		if cfg.AcceptQuorum != want || cfg.PrepareQuorum != want {
			t.Fatalf("quorums for %d members: %d/%d", i+1, cfg.PrepareQuorum, cfg.AcceptQuorum)
		}
		if !cfg.Stamp.GreaterThan(prev) {
			t.Fatalf("stamp %v does not exceed %v", cfg.Stamp, prev)
		}
		prev = cfg.Stamp
	}
	if fmt.Sprint(seen) != "[2 3 4]" {
		t.Fatalf("subscriber saw sizes %v", seen)
	}

	// the last member only hears about the configuration once someone reads it
	if !ms[3].AcceptedConfiguration().IsEmpty() {
		t.Fatalf("n3 should not know the configuration yet")
	}
	if _, err := seed.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	eventually(t, func() bool { return ms[3].AcceptedConfiguration().Version == 4 })
}

func TestAddExistingIsNoop(t *testing.T) {
	ctx := context.Background()
	_, ms := newTestCluster(t, 1)
	ms[0].ForceLocalConfiguration(ctx, replicaset.Bootstrap(addr(0)))

	status, cfg, err := ms[0].TryAddServer(ctx, addr(0))
	if err != nil || status != metaproto.Success || cfg.Version != 1 {
		t.Fatalf("no-op add: %v %v %v", status, cfg, err)
	}
	status, cfg, err = ms[0].TryRemoveServer(ctx, addr(7))
	if err != nil || status != metaproto.Success || cfg.Version != 1 {
		t.Fatalf("no-op remove: %v %v %v", status, cfg, err)
	}
}

func TestRemoveServer(t *testing.T) {
	ctx := context.Background()
	_, ms := newTestCluster(t, 3)
	ms[0].ForceLocalConfiguration(ctx, replicaset.Bootstrap(addr(0)))
	for i := 1; i < 3; i++ {
		if status, _, err := ms[0].TryAddServer(ctx, addr(i)); status != metaproto.Success {
			t.Fatalf("add: %v %v", status, err)
		}
	}

	// any member can drive a change once it has caught up
	if _, err := ms[1].Refresh(ctx); err != nil {
		t.Fatalf("refresh n1: %v", err)
	}
	status, cfg, err := ms[1].TryRemoveServer(ctx, addr(0))
	if err != nil || status != metaproto.Success {
		t.Fatalf("remove: %v %v", status, err)
	}
	if cfg.Contains(addr(0)) || len(cfg.Members) != 2 || cfg.AcceptQuorum != 2 {
		t.Fatalf("after remove: %v", cfg)
	}
	// n0 was a member of the old configuration, so it hears about its removal
	eventually(t, func() bool { return ms[0].AcceptedConfiguration().Version == cfg.Version })
}

func TestRejectsMultiMemberChange(t *testing.T) {
	ctx := context.Background()
	_, ms := newTestCluster(t, 1)
	ms[0].ForceLocalConfiguration(ctx, replicaset.Bootstrap(addr(0)))

	status, cfg, err := ms[0].TryUpdate(ctx, func(c replicaset.Configuration) (replicaset.Update, bool) {
		u := replicaset.UpdateFrom(c)
		u.Members = append(u.Members, addr(1), addr(2))
		return u, true
	})
	if status != metaproto.Failed || !errors.Is(err, replicaset.ErrTooManyChanges) || cfg.Version != 1 {
		t.Fatalf("double add: %v %v %v", status, cfg, err)
	}
}

func TestStaleParentGetsConfigConflict(t *testing.T) {
	ctx := context.Background()
	_, ms := newTestCluster(t, 2)
	seed := ms[0]
	seed.ForceLocalConfiguration(ctx, replicaset.Bootstrap(addr(0)))
	old := seed.ParentBallot()

	if status, _, err := seed.TryAddServer(ctx, addr(1)); status != metaproto.Success {
		t.Fatalf("add: %v %v", status, err)
	}
	stamp := seed.ParentBallot()

	reg := acceptor.New(acceptor.Options[[]byte]{
		Key:          "some-key",
		Store:        stablestore.NewMemStore(),
		Codec:        metaproto.RawCodec{},
		ParentBallot: seed.ParentBallot,
	})
	resp, err := reg.Prepare(ctx, old, metaproto.Ballot{Number: 1, PropID: 1})
	if c, ok := resp.(metaproto.ConfigConflict); !ok || c.Ballot != stamp || err != nil {
		t.Fatalf("prepare with stale parent: %#v %v", resp, err)
	}
	aresp, err := reg.Accept(ctx, old, metaproto.Ballot{Number: 1, PropID: 1}, []byte("x"))
	if c, ok := aresp.(metaproto.ConfigConflict); !ok || c.Ballot != stamp || err != nil {
		t.Fatalf("accept with stale parent: %#v %v", aresp, err)
	}
}

func TestReloadsAcceptedConfiguration(t *testing.T) {
	ctx := context.Background()
	store := stablestore.NewMemStore()
	m, err := New(ctx, Options{Store: store, ProposerID: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	m.ForceLocalConfiguration(ctx, replicaset.Bootstrap(addr(0)))

	again, err := New(ctx, Options{Store: store, ProposerID: 1})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := again.AcceptedConfiguration(); got.Version != 1 || !got.Contains(addr(0)) {
		t.Fatalf("reloaded %v", got)
	}
}

// hookedStore runs beforeAccept ahead of every accept it forwards.
type hookedStore struct {
	metaproto.RemoteStore
	beforeAccept func(value []byte)
}

func (h hookedStore) Accept(ctx context.Context, key string, parent, ballot metaproto.Ballot, value []byte) (metaproto.AcceptResponse, error) {
	h.beforeAccept(value)
	return h.RemoteStore.Accept(ctx, key, parent, ballot, value)
}

func TestLosingReconfigurationFails(t *testing.T) {
	ctx := context.Background()
	c := &testCluster{managers: make(map[replicaset.NodeAddress]*Manager)}
	ms := make([]*Manager, 5)

	// n1 adds n4 while n0's accepts proposing n3 are on the wire, so both
	// try to commit version 4
	var once sync.Once
	var rival replicaset.Configuration
	var rivalStatus metaproto.ReplicationStatus
	var rivalErr error
	hook := func(value []byte) {
		cfg, err := metaproto.JSONCodec[replicaset.Configuration]{}.Decode(value)
		if err != nil || !cfg.Contains(addr(3)) {
			return
		}
		once.Do(func() {
			rivalStatus, rival, rivalErr = ms[1].TryAddServer(ctx, addr(4))
		})
	}
	hooked := replicaset.ResolverFunc(func(node replicaset.NodeAddress) []metaproto.RemoteStore {
		stores := c.Resolve(node)
		out := make([]metaproto.RemoteStore, len(stores))
		for i, s := range stores {
			out[i] = hookedStore{RemoteStore: s, beforeAccept: hook}
		}
		return out
	})
	for i := range ms {
		var r replicaset.Resolver = c
		if i == 0 {
			r = hooked
		}
		m, err := New(ctx, Options{Store: stablestore.NewMemStore(), Resolver: r, ProposerID: uint32(i + 1)})
		if err != nil {
			t.Fatalf("new manager: %v", err)
		}
		c.managers[addr(i)] = m
		ms[i] = m
	}

	if err := ms[0].ForceLocalConfiguration(ctx, replicaset.Bootstrap(addr(0))); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for i := 1; i < 3; i++ {
		if status, _, err := ms[0].TryAddServer(ctx, addr(i)); status != metaproto.Success || err != nil {
			t.Fatalf("add %s: %v %v", addr(i), status, err)
		}
	}
	eventually(t, func() bool { return ms[1].AcceptedConfiguration().Version == 3 })

	status, cfg, err := ms[0].TryAddServer(ctx, addr(3))
	if rivalStatus != metaproto.Success || rivalErr != nil || !rival.Contains(addr(4)) {
		t.Fatalf("competing add: %v %v %v", rivalStatus, rival, rivalErr)
	}
	if err != nil || status != metaproto.Failed {
		t.Fatalf("add %s should lose to %v, got %v %v %v", addr(3), rival, status, cfg, err)
	}
	if cfg.Contains(addr(3)) || !cfg.Stamp.Equal(rival.Stamp) {
		t.Fatalf("expected the competing configuration, got %v", cfg)
	}

	status, cfg, err = ms[0].TryAddServer(ctx, addr(3))
	if err != nil || status != metaproto.Success || cfg.Version != 5 || !cfg.Contains(addr(3)) || !cfg.Contains(addr(4)) {
		t.Fatalf("retried add %s: %v %v %v", addr(3), status, cfg, err)
	}
}
