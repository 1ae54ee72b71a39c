package acceptor

import (
	"context"
	"fmt"
	"sync"

	"metapaxos/dlog"
	"metapaxos/metaproto"
	"metapaxos/stablestore"
)

// Acceptor is the replicated register for one key on one node. Prepare and
// Accept are serialized per key, and every state change is on stable storage
// before memory is updated or a response is returned.
type Acceptor[V any] struct {
	sync.Mutex
	key          string
	store        stablestore.Store
	codec        metaproto.Codec[V]
	parentBallot func() metaproto.Ballot
	onUpdate     func(key string, st metaproto.RegisterState[V])
	loaded       bool
	state        metaproto.RegisterState[V]
}

type Options[V any] struct {
	Key   string
	Store stablestore.Store
	Codec metaproto.Codec[V]
	// ParentBallot is the stamp of the configuration this node has accepted.
	// Nil means the register has no parent configuration.
	ParentBallot func() metaproto.Ballot
	// OnUpdate runs under the register lock after every successful Accept
	// and ForceState.
	OnUpdate func(key string, st metaproto.RegisterState[V])
}

func New[V any](opts Options[V]) *Acceptor[V] {
	parent := opts.ParentBallot
	if parent == nil {
		parent = func() metaproto.Ballot { return metaproto.Zero }
	}
	return &Acceptor[V]{
		key:          opts.Key,
		store:        opts.Store,
		codec:        opts.Codec,
		parentBallot: parent,
		onUpdate:     opts.OnUpdate,
	}
}

func (a *Acceptor[V]) Key() string {
	return a.key
}

// load reads the register the first time it is used. A key that was never
// written starts as {Zero, Zero, zero value}.
func (a *Acceptor[V]) load(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	b, found, err := a.store.Read(ctx, a.key)
	if err != nil {
		return fmt.Errorf("acceptor %q: load: %w", a.key, err)
	}
	if found {
		raw, err := metaproto.DecodeRegister(b)
		if err != nil {
			return fmt.Errorf("acceptor %q: decode: %w", a.key, err)
		}
		v, err := a.codec.Decode(raw.Value)
		if err != nil {
			return fmt.Errorf("acceptor %q: decode value: %w", a.key, err)
		}
		a.state = metaproto.RegisterState[V]{Promised: raw.Promised, Accepted: raw.Accepted, Value: v}
	}
	a.loaded = true
	return nil
}

func (a *Acceptor[V]) persist(ctx context.Context, st metaproto.RegisterState[V]) error {
	b, err := a.codec.Encode(st.Value)
	if err != nil {
		return fmt.Errorf("acceptor %q: encode value: %w", a.key, err)
	}
	rec := metaproto.EncodeRegister(metaproto.RegisterState[[]byte]{Promised: st.Promised, Accepted: st.Accepted, Value: b})
	if err := a.store.Write(ctx, a.key, rec); err != nil {
		return fmt.Errorf("acceptor %q: persist: %w", a.key, err)
	}
	return nil
}

// conflict returns the response for a request that cannot be served, or nil.
// A stale configuration is reported before a ballot conflict.
func (a *Acceptor[V]) conflict(parent metaproto.Ballot, ballot metaproto.Ballot) interface{} {
	if cur := a.parentBallot(); cur.GreaterThan(parent) {
		return metaproto.ConfigConflict{Ballot: cur}
	}
	if a.state.Promised.GreaterThan(ballot) || a.state.Accepted.GreaterThan(ballot) {
		return metaproto.Conflict{Ballot: metaproto.MaxBallot(a.state.Promised, a.state.Accepted)}
	}
	return nil
}

func (a *Acceptor[V]) Prepare(ctx context.Context, parent metaproto.Ballot, ballot metaproto.Ballot) (metaproto.PrepareResponse[V], error) {
	a.Lock()
	defer a.Unlock()
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	switch c := a.conflict(parent, ballot).(type) {
	case metaproto.ConfigConflict:
		dlog.Printf("acceptor %q: prepare %v with parent %v: config conflict %v", a.key, ballot, parent, c.Ballot)
		return c, nil
	case metaproto.Conflict:
		dlog.Printf("acceptor %q: prepare %v: conflict %v", a.key, ballot, c.Ballot)
		return c, nil
	}

	next := a.state
	next.Promised = ballot
	if err := a.persist(ctx, next); err != nil {
		return nil, err
	}
	a.state = next
	return metaproto.PrepareSuccess[V]{Accepted: a.state.Accepted, Value: a.state.Value}, nil
}

// Accept stores value at ballot. The register also promises ballot's
// successor, so the proposer that just won can accept its next value without
// a prepare and no other proposer can slip a ballot in between.
func (a *Acceptor[V]) Accept(ctx context.Context, parent metaproto.Ballot, ballot metaproto.Ballot, value V) (metaproto.AcceptResponse, error) {
	a.Lock()
	defer a.Unlock()
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	switch c := a.conflict(parent, ballot).(type) {
	case metaproto.ConfigConflict:
		dlog.Printf("acceptor %q: accept %v with parent %v: config conflict %v", a.key, ballot, parent, c.Ballot)
		return c, nil
	case metaproto.Conflict:
		dlog.Printf("acceptor %q: accept %v: conflict %v", a.key, ballot, c.Ballot)
		return c, nil
	}

	next := metaproto.RegisterState[V]{
		Promised: ballot.Successor(),
		Accepted: ballot,
		Value:    value,
	}
	if err := a.persist(ctx, next); err != nil {
		return nil, err
	}
	a.state = next
	if a.onUpdate != nil {
		a.onUpdate(a.key, next)
	}
	return metaproto.AcceptSuccess{}, nil
}

// ForceState overwrites the register without any ballot checks. It is only
// for seeding an uncontested register at bootstrap and must never be
// reachable by remote callers.
func (a *Acceptor[V]) ForceState(ctx context.Context, value V) error {
	a.Lock()
	defer a.Unlock()
	next := metaproto.RegisterState[V]{Promised: metaproto.Zero, Accepted: metaproto.Zero, Value: value}
	if err := a.persist(ctx, next); err != nil {
		return err
	}
	a.state = next
	a.loaded = true
	if a.onUpdate != nil {
		a.onUpdate(a.key, next)
	}
	return nil
}

// State returns a copy of the register as last persisted.
func (a *Acceptor[V]) State(ctx context.Context) (metaproto.RegisterState[V], error) {
	a.Lock()
	defer a.Unlock()
	if err := a.load(ctx); err != nil {
		return metaproto.RegisterState[V]{}, err
	}
	return a.state, nil
}
