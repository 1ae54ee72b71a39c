// Package replica assembles one metadata node: its local store, the
// configuration manager and the per-key registers, and the operations a
// transport exposes to peers and clients.
package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"metapaxos/configmanager"
	"metapaxos/dlog"
	"metapaxos/metaproto"
	"metapaxos/metastore"
	"metapaxos/replicaset"
	"metapaxos/stablestore"
	"metapaxos/stats"
)

type Config struct {
	Address replicaset.NodeAddress
	// ProposerID breaks ties between ballots. Zero picks a random one.
	ProposerID uint32
	// Dir holds the register log. Empty keeps everything in memory.
	Dir               string
	Durable           bool
	EmulatedWriteTime time.Duration
	// CatchUpOnAdd re-replicates every key after a member is added.
	CatchUpOnAdd bool
	StatsFile    string
	StatsTick    time.Duration
}

type Replica struct {
	cfg    Config
	store  stablestore.Store
	config *configmanager.Manager
	meta   *metastore.Manager
	stats  *stats.TimeseriesStats
}

// NewProposerID returns a random non-zero proposer id.
func NewProposerID() uint32 {
	for {
		if id := uuid.New().ID(); id != 0 {
			return id
		}
	}
}

func New(ctx context.Context, cfg Config, resolver replicaset.Resolver) (*Replica, error) {
	if cfg.Address == "" {
		return nil, errors.New("replica: no address")
	}
	if cfg.ProposerID == 0 {
		cfg.ProposerID = NewProposerID()
	}

	var store stablestore.Store
	if cfg.Dir == "" {
		store = stablestore.NewMemStore()
	} else {
		fs, err := stablestore.OpenFileStore(cfg.Dir, stablestore.FileStoreOptions{
			Durable:           cfg.Durable,
			EmulatedWriteTime: cfg.EmulatedWriteTime,
		})
		if err != nil {
			return nil, err
		}
		store = fs
	}

	st, err := stats.TimeseriesStatsNew(stats.DefaultTSMetrics{}.Get(), cfg.StatsFile, cfg.StatsTick)
	if err != nil {
		store.Close()
		return nil, err
	}

	config, err := configmanager.New(ctx, configmanager.Options{
		Store:      store,
		Resolver:   resolver,
		ProposerID: cfg.ProposerID,
		Stats:      st,
	})
	if err != nil {
		st.Close()
		store.Close()
		return nil, err
	}
	r := &Replica{
		cfg:    cfg,
		store:  store,
		config: config,
		stats:  st,
		meta: metastore.New(metastore.Options{
			Store:      store,
			Config:     config,
			ProposerID: cfg.ProposerID,
			Stats:      st,
		}),
	}
	dlog.NodePrintf(string(cfg.Address), "proposer id %d, configuration %v", cfg.ProposerID, config.AcceptedConfiguration())
	return r, nil
}

func (r *Replica) Address() replicaset.NodeAddress {
	return r.cfg.Address
}

func (r *Replica) ProposerID() uint32 {
	return r.cfg.ProposerID
}

func (r *Replica) ConfigManager() *configmanager.Manager {
	return r.config
}

func (r *Replica) MetaStore() *metastore.Manager {
	return r.meta
}

func (r *Replica) Stats() *stats.TimeseriesStats {
	return r.stats
}

// Bootstrap makes this node the single member of a new cluster. A node that
// already has a configuration is left alone.
func (r *Replica) Bootstrap(ctx context.Context) error {
	if cur := r.config.AcceptedConfiguration(); !cur.IsEmpty() {
		dlog.NodePrintf(string(r.cfg.Address), "already configured: %v", cur)
		return nil
	}
	return r.config.ForceLocalConfiguration(ctx, replicaset.Bootstrap(r.cfg.Address))
}

func (r *Replica) Close() error {
	r.stats.Close()
	r.meta.Close()
	return r.store.Close()
}

func (r *Replica) Prepare(ctx context.Context, key string, parent, ballot metaproto.Ballot) (metaproto.PrepareResponse[[]byte], error) {
	return r.meta.Prepare(ctx, key, parent, ballot)
}

func (r *Replica) Accept(ctx context.Context, key string, parent, ballot metaproto.Ballot, value []byte) (metaproto.AcceptResponse, error) {
	return r.meta.Accept(ctx, key, parent, ballot, value)
}

func (r *Replica) GetKeys(ctx context.Context) ([]string, error) {
	return r.meta.GetKeys(ctx)
}

func (r *Replica) Get(ctx context.Context, key string) (metaproto.ReplicationStatus, metastore.Entry, error) {
	return metastore.TryGet[metastore.Entry](ctx, r.meta, key)
}

func (r *Replica) Update(ctx context.Context, key string, e metastore.Entry) (metaproto.ReplicationStatus, metastore.Entry, error) {
	return metastore.TryUpdate(ctx, r.meta, key, e)
}

func (r *Replica) AddServer(ctx context.Context, node replicaset.NodeAddress) (metaproto.ReplicationStatus, replicaset.Configuration, error) {
	before := r.config.AcceptedConfiguration().Version
	status, cfg, err := r.config.TryAddServer(ctx, node)
	if status != metaproto.Success || !r.cfg.CatchUpOnAdd || cfg.Version == before {
		return status, cfg, err
	}
	n, err := r.meta.CatchUp(ctx)
	if err != nil {
		// the member is in; the keys it missed settle on their next write
		dlog.NodePrintf(string(r.cfg.Address), "catch-up after adding %s: %v", node, err)
	} else {
		dlog.NodePrintf(string(r.cfg.Address), "caught up %d keys after adding %s", n, node)
	}
	return status, cfg, nil
}

func (r *Replica) RemoveServer(ctx context.Context, node replicaset.NodeAddress) (metaproto.ReplicationStatus, replicaset.Configuration, error) {
	return r.config.TryRemoveServer(ctx, node)
}

// Configuration refreshes the configuration through the cluster when
// fresh is set, and otherwise returns what this node last accepted.
func (r *Replica) Configuration(ctx context.Context, fresh bool) (replicaset.Configuration, error) {
	if !fresh {
		return r.config.AcceptedConfiguration(), nil
	}
	cfg, err := r.config.Refresh(ctx)
	if err != nil {
		return cfg, fmt.Errorf("replica: %w", err)
	}
	return cfg, nil
}
