package proposer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"metapaxos/dlog"
	"metapaxos/metaproto"
	"metapaxos/replicaset"
	"metapaxos/stats"
)

// ChangeFunc derives the value to propose from the value learned in the
// prepare phase. It must be pure: it may run more than once per TryUpdate.
type ChangeFunc[V any] func(current V, input V) V

// Identity reads the register. Running it still completes any value a
// previous proposer left partially accepted.
func Identity[V any](current V, _ V) V {
	return current
}

var (
	ErrNoConfiguration = errors.New("proposer: no replica set configuration")
	errNoInstance      = errors.New("proposer: member has no store instance")
)

type Options[V any] struct {
	Key        string
	ProposerID uint32
	Codec      metaproto.Codec[V]
	// Configuration is snapshotted once per attempt.
	Configuration func() replicaset.Expanded
	// ParentBallot is the parent presented with every call. It defaults to
	// the stamp of the snapshotted configuration.
	ParentBallot func(cfg replicaset.Configuration) metaproto.Ballot
	// OnConfigConflict is called before retrying an attempt that an acceptor
	// rejected because our configuration was stale.
	OnConfigConflict func(ctx context.Context, newer metaproto.Ballot) error
	Stats            *stats.TimeseriesStats
}

// Proposer drives rounds for one key. Only one round is in flight at a time;
// concurrent callers queue.
type Proposer[V any] struct {
	lock             chan struct{}
	key              string
	codec            metaproto.Codec[V]
	configuration    func() replicaset.Expanded
	parentBallot     func(cfg replicaset.Configuration) metaproto.Ballot
	onConfigConflict func(ctx context.Context, newer metaproto.Ballot) error
	stats            *stats.TimeseriesStats

	mu          sync.Mutex
	ballot      metaproto.Ballot
	cachedValue V
	skipPrepare bool
	skipVersion int64
	next        uint64
}

func New[V any](opts Options[V]) *Proposer[V] {
	parent := opts.ParentBallot
	if parent == nil {
		parent = func(cfg replicaset.Configuration) metaproto.Ballot { return cfg.Stamp }
	}
	return &Proposer[V]{
		lock:             make(chan struct{}, 1),
		key:              opts.Key,
		codec:            opts.Codec,
		configuration:    opts.Configuration,
		parentBallot:     parent,
		onConfigConflict: opts.OnConfigConflict,
		stats:            opts.Stats,
		ballot:           metaproto.Ballot{Number: 0, PropID: opts.ProposerID},
	}
}

func (p *Proposer[V]) Key() string {
	return p.key
}

// Ballot is the last ballot this proposer used or advanced to.
func (p *Proposer[V]) Ballot() metaproto.Ballot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ballot
}

func (p *Proposer[V]) SkipPrepare() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipPrepare
}

func (p *Proposer[V]) CachedValue() V {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cachedValue
}

func (p *Proposer[V]) acquire(ctx context.Context) error {
	select {
	case p.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proposer[V]) release() {
	<-p.lock
}

// TryUpdate runs change against the current value of the key and tries to
// get the result accepted by a quorum. Failed means nothing was accepted;
// Uncertain means the value may have been accepted by some acceptors and the
// key should be read before the same change is tried again. On Success the
// returned value is the committed one.
func (p *Proposer[V]) TryUpdate(ctx context.Context, input V, change ChangeFunc[V]) (metaproto.ReplicationStatus, V, error) {
	if err := p.acquire(ctx); err != nil {
		var zero V
		return metaproto.Failed, zero, err
	}
	defer p.release()

	start := time.Now()
	status, v, err := p.tryUpdate(ctx, input, change, 1, false)
	p.stats.RecordLatency(time.Since(start))
	switch status {
	case metaproto.Success:
		p.stats.Update(stats.RoundsSucceeded, 1)
	case metaproto.Failed:
		p.stats.Update(stats.RoundsFailed, 1)
	case metaproto.Uncertain:
		p.stats.Update(stats.RoundsUncertain, 1)
	}
	return status, v, err
}

func (p *Proposer[V]) tryUpdate(ctx context.Context, input V, change ChangeFunc[V], retries int, accepted bool) (metaproto.ReplicationStatus, V, error) {
	var zero V
	failed := metaproto.Failed
	if accepted {
		failed = metaproto.Uncertain
	}
	if err := ctx.Err(); err != nil {
		return failed, zero, err
	}

	cfg := p.configuration()
	if len(cfg.Members) == 0 {
		return failed, zero, ErrNoConfiguration
	}
	parent := p.parentBallot(cfg.Configuration)

	p.mu.Lock()
	ballot := p.ballot.Successor()
	p.ballot = ballot
	// a prepare is only skipped within the configuration it was won in
	skip := p.skipPrepare && p.skipVersion == cfg.Version
	current := p.cachedValue
	instance := p.next
	p.next++
	p.mu.Unlock()

	if skip {
		p.stats.Update(stats.SkippedPrepares, 1)
	} else {
		res, err := p.prepare(ctx, cfg, instance, parent, ballot)
		if err != nil {
			return failed, zero, err
		}
		p.afterConflicts(ctx, res.conflict, res.configConflict)
		if !res.ok {
			dlog.Printf("proposer %q: prepare %v failed (conflict %v, config %v)", p.key, ballot, res.conflict, res.configConflict)
			if retries > 0 {
				return p.tryUpdate(ctx, input, change, retries-1, accepted)
			}
			return failed, zero, nil
		}
		current = res.value
	}

	next := change(current, input)
	encoded, err := p.codec.Encode(next)
	if err != nil {
		return failed, zero, fmt.Errorf("proposer %q: encode: %w", p.key, err)
	}
	res, err := p.accept(ctx, cfg, instance, parent, ballot, encoded)
	if err != nil {
		p.clearSkipPrepare()
		return metaproto.Uncertain, zero, err
	}
	p.afterConflicts(ctx, res.conflict, res.configConflict)
	if res.ok {
		p.mu.Lock()
		p.skipPrepare = true
		p.skipVersion = cfg.Version
		p.cachedValue = next
		p.mu.Unlock()
		return metaproto.Success, next, nil
	}

	dlog.Printf("proposer %q: accept %v failed (conflict %v, config %v)", p.key, ballot, res.conflict, res.configConflict)
	p.clearSkipPrepare()
	if retries > 0 {
		return p.tryUpdate(ctx, input, change, retries-1, true)
	}
	return metaproto.Uncertain, next, nil
}

func (p *Proposer[V]) clearSkipPrepare() {
	p.mu.Lock()
	p.skipPrepare = false
	p.mu.Unlock()
}

// afterConflicts moves our ballot past anything we were told about, so the
// next attempt has a chance of winning, and refreshes a stale configuration.
func (p *Proposer[V]) afterConflicts(ctx context.Context, conflict metaproto.Ballot, configConflict metaproto.Ballot) {
	if !conflict.IsZero() {
		p.mu.Lock()
		p.ballot = p.ballot.AdvanceTo(conflict)
		p.skipPrepare = false
		p.mu.Unlock()
	}
	if !configConflict.IsZero() {
		p.clearSkipPrepare()
		p.stats.Update(stats.ConfigConflicts, 1)
		if p.onConfigConflict != nil {
			if err := p.onConfigConflict(ctx, configConflict); err != nil {
				dlog.Printf("proposer %q: refreshing configuration after %v: %v", p.key, configConflict, err)
			}
		}
	}
}

// pick chooses one instance of member i, rotating between attempts.
func pick(cfg replicaset.Expanded, i int, instance uint64) metaproto.RemoteStore {
	if i >= len(cfg.Stores) || len(cfg.Stores[i]) == 0 {
		return nil
	}
	stores := cfg.Stores[i]
	return stores[instance%uint64(len(stores))]
}
