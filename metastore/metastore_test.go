package metastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"metapaxos/configmanager"
	"metapaxos/metaproto"
	"metapaxos/replicaset"
	"metapaxos/stablestore"
)

type record struct {
	Value   string
	Version int64
}

func (r record) GetVersion() int64 {
	return r.Version
}

type loopback struct {
	mu    sync.Mutex
	nodes map[replicaset.NodeAddress]*Manager
}

func (l *loopback) Resolve(node replicaset.NodeAddress) []metaproto.RemoteStore {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.nodes[node]; ok {
		return []metaproto.RemoteStore{m}
	}
	return nil
}

func addr(i int) replicaset.NodeAddress {
	return replicaset.NodeAddress(fmt.Sprintf("n%d", i))
}

// newNodes builds size nodes and bootstraps the first one alone.
func newNodes(t *testing.T, size int) []*Manager {
	t.Helper()
	ctx := context.Background()
	l := &loopback{nodes: make(map[replicaset.NodeAddress]*Manager)}
	out := make([]*Manager, size)
	for i := range out {
		store := stablestore.NewMemStore()
		cfg, err := configmanager.New(ctx, configmanager.Options{Store: store, Resolver: l, ProposerID: uint32(i + 1)})
		if err != nil {
			t.Fatalf("config manager: %v", err)
		}
		out[i] = New(Options{Store: store, Config: cfg, ProposerID: uint32(i + 1)})
		l.mu.Lock()
		l.nodes[addr(i)] = out[i]
		l.mu.Unlock()
	}
	if err := out[0].Config().ForceLocalConfiguration(ctx, replicaset.Bootstrap(addr(0))); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return out
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	m := newNodes(t, 1)[0]

	status, v, err := TryUpdate(ctx, m, "k", record{Value: "a", Version: 1})
	if status != metaproto.Success || v != (record{"a", 1}) {
		t.Fatalf("first update: %v %+v %v", status, v, err)
	}
	status, v, err = TryGet[record](ctx, m, "k")
	if status != metaproto.Success || v != (record{"a", 1}) {
		t.Fatalf("get: %v %+v %v", status, v, err)
	}
	status, v, err = TryUpdate(ctx, m, "k", record{Value: "b", Version: 2})
	if status != metaproto.Success || v != (record{"b", 2}) {
		t.Fatalf("second update: %v %+v %v", status, v, err)
	}
	status, v, err = TryUpdate(ctx, m, "k", record{Value: "c", Version: 5})
	if status != metaproto.Failed || v != (record{"b", 2}) || err != nil {
		t.Fatalf("skipped version should be rejected: %v %+v %v", status, v, err)
	}
	status, v, _ = TryGet[record](ctx, m, "k")
	if status != metaproto.Success || v != (record{"b", 2}) {
		t.Fatalf("get after rejection: %v %+v", status, v)
	}
}

func TestMissingKeyReadsZero(t *testing.T) {
	ctx := context.Background()
	m := newNodes(t, 1)[0]
	status, v, err := TryGet[record](ctx, m, "nothing")
	if status != metaproto.Success || v != (record{}) || err != nil {
		t.Fatalf("missing key: %v %+v %v", status, v, err)
	}
	status, _, _ = TryUpdate(ctx, m, "nothing", record{Value: "x", Version: 3})
	if status != metaproto.Failed {
		t.Fatalf("version 3 on an empty key: %v", status)
	}
}

func TestEntries(t *testing.T) {
	ctx := context.Background()
	m := newNodes(t, 1)[0]
	status, e, err := TryUpdate(ctx, m, "blob", Entry{Version: 1, Value: []byte{0, 1, 2}})
	if status != metaproto.Success || e.Version != 1 || len(e.Value) != 3 {
		t.Fatalf("entry update: %v %+v %v", status, e, err)
	}
}

func TestReservedKey(t *testing.T) {
	ctx := context.Background()
	m := newNodes(t, 1)[0]
	if _, _, err := TryGet[record](ctx, m, configmanager.Key); !errors.Is(err, ErrReservedKey) {
		t.Fatalf("get of the configuration key: %v", err)
	}
	if _, _, err := TryUpdate(ctx, m, configmanager.Key, record{Version: 1}); !errors.Is(err, ErrReservedKey) {
		t.Fatalf("update of the configuration key: %v", err)
	}

	TryUpdate(ctx, m, "a", record{Version: 1})
	keys, err := m.GetKeys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("keys should not include the configuration: %v %v", keys, err)
	}
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	m := newNodes(t, 1)[0]
	m.Close()
	if _, _, err := TryGet[record](ctx, m, "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("get after close: %v", err)
	}
	if _, err := m.Prepare(ctx, "k", metaproto.Zero, metaproto.Ballot{Number: 1, PropID: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("prepare after close: %v", err)
	}
}

func TestStaleParentAfterReconfiguration(t *testing.T) {
	ctx := context.Background()
	ms := newNodes(t, 2)
	if status, _, _ := TryUpdate(ctx, ms[0], "k", record{"a", 1}); status != metaproto.Success {
		t.Fatalf("update: %v", status)
	}
	old := ms[0].Config().ParentBallot()

	status, cfg, err := ms[0].Config().TryAddServer(ctx, addr(1))
	if status != metaproto.Success {
		t.Fatalf("add: %v %v", status, err)
	}

	for _, key := range []string{"k", "other"} {
		resp, err := ms[0].Prepare(ctx, key, old, metaproto.Ballot{Number: 100, PropID: 9})
		if c, ok := resp.(metaproto.ConfigConflict); !ok || c.Ballot != cfg.Stamp || err != nil {
			t.Fatalf("%s: prepare with stale parent: %#v %v", key, resp, err)
		}
	}

	// proposers on this node already present the new stamp
	status, v, err := TryUpdate(ctx, ms[0], "k", record{"b", 2})
	if status != metaproto.Success || v.Version != 2 {
		t.Fatalf("update after reconfiguration: %v %+v %v", status, v, err)
	}
}

func TestCatchUp(t *testing.T) {
	ctx := context.Background()
	ms := newNodes(t, 2)
	for _, k := range []string{"a", "b", "c"} {
		if status, _, err := TryUpdate(ctx, ms[0], k, record{k, 1}); status != metaproto.Success {
			t.Fatalf("update %s: %v %v", k, status, err)
		}
	}
	if status, _, err := ms[0].Config().TryAddServer(ctx, addr(1)); status != metaproto.Success {
		t.Fatalf("add: %v %v", status, err)
	}

	n, err := ms[0].CatchUp(ctx)
	if err != nil || n != 3 {
		t.Fatalf("catch-up: %d %v", n, err)
	}

	// with two members every accept needs both, so n1 has everything now
	keys, _ := ms[1].GetKeys(ctx)
	if fmt.Sprint(keys) != "[a b c]" {
		t.Fatalf("n1 keys after catch-up: %v", keys)
	}
	if got := ms[1].Config().AcceptedConfiguration(); len(got.Members) != 2 {
		t.Fatalf("n1 configuration after catch-up: %v", got)
	}
	status, v, err := TryGet[record](ctx, ms[1], "b")
	if status != metaproto.Success || v != (record{"b", 1}) {
		t.Fatalf("read from n1: %v %+v %v", status, v, err)
	}
}

func TestConcurrentKeys(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ms := newNodes(t, 3)
	for i := 1; i < 3; i++ {
		if status, _, err := ms[0].Config().TryAddServer(ctx, addr(i)); status != metaproto.Success {
			t.Fatalf("add: %v %v", status, err)
		}
	}

	var wg sync.WaitGroup
	for k := 0; k < 8; k++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for v := int64(1); v <= 20; v++ {
				status, got, err := TryUpdate(ctx, ms[0], key, record{key, v})
				if status != metaproto.Success || got.Version != v {
					t.Errorf("%s v%d: %v %+v %v", key, v, status, got, err)
					return
				}
			}
		}(fmt.Sprintf("key-%d", k))
	}
	wg.Wait()
}
