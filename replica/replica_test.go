package replica

import (
	"context"
	"fmt"
	"testing"

	"metapaxos/metaproto"
	"metapaxos/metastore"
	"metapaxos/replicaset"
)

func newCluster(t *testing.T, size int, catchUp bool) (*Loopback, []*Replica) {
	t.Helper()
	ctx := context.Background()
	l := NewLoopback()
	rs := make([]*Replica, size)
	for i := range rs {
		r, err := New(ctx, Config{
			Address:      replicaset.NodeAddress(fmt.Sprintf("node-%d", i)),
			CatchUpOnAdd: catchUp,
		}, l)
		if err != nil {
			t.Fatalf("new replica: %v", err)
		}
		t.Cleanup(func() { r.Close() })
		l.Add(r)
		rs[i] = r
	}
	if err := rs[0].Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, r := range rs[1:] {
		status, _, err := rs[0].AddServer(ctx, r.Address())
		if status != metaproto.Success {
			t.Fatalf("add %s: %v %v", r.Address(), status, err)
		}
	}
	return l, rs
}

func entry(v int64, s string) metastore.Entry {
	return metastore.Entry{Version: v, Value: []byte(s)}
}

func TestSingleNode(t *testing.T) {
	ctx := context.Background()
	_, rs := newCluster(t, 1, false)
	r := rs[0]

	if status, e, err := r.Update(ctx, "k", entry(1, "a")); status != metaproto.Success || string(e.Value) != "a" {
		t.Fatalf("update v1: %v %+v %v", status, e, err)
	}
	if status, e, _ := r.Get(ctx, "k"); status != metaproto.Success || e.Version != 1 || string(e.Value) != "a" {
		t.Fatalf("get: %v %+v", status, e)
	}
	if status, _, _ := r.Update(ctx, "k", entry(2, "b")); status != metaproto.Success {
		t.Fatalf("update v2: %v", status)
	}
	status, e, _ := r.Update(ctx, "k", entry(5, "c"))
	if status != metaproto.Failed || e.Version != 2 || string(e.Value) != "b" {
		t.Fatalf("update v5 should be rejected with the current value: %v %+v", status, e)
	}

	// bootstrapping again is a no-op
	if err := r.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if cfg, _ := r.Configuration(ctx, false); cfg.Version != 1 {
		t.Fatalf("configuration after second bootstrap: %v", cfg)
	}
}

func TestMinorityFailure(t *testing.T) {
	ctx := context.Background()
	l, rs := newCluster(t, 3, false)
	if status, _, err := rs[0].Update(ctx, "k", entry(1, "a")); status != metaproto.Success {
		t.Fatalf("update: %v %v", status, err)
	}

	l.SetDown(rs[2].Address(), true)
	if status, _, err := rs[1].Update(ctx, "k", entry(2, "b")); status != metaproto.Success {
		t.Fatalf("update with one node down: %v %v", status, err)
	}

	l.SetDown(rs[1].Address(), true)
	if status, _, _ := rs[0].Update(ctx, "k", entry(3, "c")); status == metaproto.Success {
		t.Fatalf("update without a quorum succeeded")
	}

	l.SetDown(rs[1].Address(), false)
	l.SetDown(rs[2].Address(), false)
	status, e, err := rs[0].Get(ctx, "k")
	if status != metaproto.Success || e.Version < 2 {
		t.Fatalf("read after recovery: %v %+v %v", status, e, err)
	}
}

func TestAddServerCatchesUp(t *testing.T) {
	ctx := context.Background()
	l, rs := newCluster(t, 1, true)
	for i := 0; i < 5; i++ {
		if status, _, err := rs[0].Update(ctx, fmt.Sprintf("k%d", i), entry(1, "x")); status != metaproto.Success {
			t.Fatalf("update: %v %v", status, err)
		}
	}

	joiner, err := New(ctx, Config{Address: "joiner", CatchUpOnAdd: true}, l)
	if err != nil {
		t.Fatalf("joiner: %v", err)
	}
	defer joiner.Close()
	l.Add(joiner)

	status, cfg, err := rs[0].AddServer(ctx, "joiner")
	if status != metaproto.Success || len(cfg.Members) != 2 {
		t.Fatalf("add joiner: %v %v %v", status, cfg, err)
	}
	keys, err := joiner.GetKeys(ctx)
	if err != nil || len(keys) != 5 {
		t.Fatalf("joiner keys after catch-up: %v %v", keys, err)
	}
	if got, _ := joiner.Configuration(ctx, false); got.Version != cfg.Version {
		t.Fatalf("joiner configuration: %v", got)
	}
	status, e, err := joiner.Get(ctx, "k3")
	if status != metaproto.Success || string(e.Value) != "x" {
		t.Fatalf("read through the joiner: %v %+v %v", status, e, err)
	}
}

func TestDurableRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	open := func() *Replica {
		l := NewLoopback()
		r, err := New(ctx, Config{Address: "solo", Dir: dir, Durable: true}, l)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		l.Add(r)
		return r
	}

	r := open()
	if err := r.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if status, _, err := r.Update(ctx, "k", entry(1, "a")); status != metaproto.Success {
		t.Fatalf("update: %v %v", status, err)
	}
	r.Close()

	r = open()
	defer r.Close()
	if cfg, _ := r.Configuration(ctx, false); cfg.Version != 1 || !cfg.Contains("solo") {
		t.Fatalf("configuration after restart: %v", cfg)
	}
	status, e, err := r.Get(ctx, "k")
	if status != metaproto.Success || e.Version != 1 || string(e.Value) != "a" {
		t.Fatalf("read after restart: %v %+v %v", status, e, err)
	}
	if status, _, _ := r.Update(ctx, "k", entry(2, "b")); status != metaproto.Success {
		t.Fatalf("update after restart: %v", status)
	}
}
