package rpcstore

import (
	"sync"

	"metapaxos/metaproto"
	"metapaxos/replicaset"
)

// Resolver hands out clients for member addresses, creating them on first
// use. Addresses registered with SetLocal resolve to an in-process store.
// Each member resolves to one client per instance, one connection each; the
// instance count must match the servers'.
type Resolver struct {
	instances int

	mu      sync.Mutex
	clients map[replicaset.NodeAddress][]*Client
	local   map[replicaset.NodeAddress]metaproto.RemoteStore
}

func NewResolver(instances int) *Resolver {
	if instances < 1 {
		instances = 1
	}
	return &Resolver{
		instances: instances,
		clients:   make(map[replicaset.NodeAddress][]*Client),
		local:     make(map[replicaset.NodeAddress]metaproto.RemoteStore),
	}
}

func (r *Resolver) SetLocal(node replicaset.NodeAddress, store metaproto.RemoteStore) {
	r.mu.Lock()
	r.local[node] = store
	r.mu.Unlock()
}

func (r *Resolver) clientsFor(node replicaset.NodeAddress) []*Client {
	cs, ok := r.clients[node]
	if !ok {
		cs = make([]*Client, r.instances)
		for i := range cs {
			cs[i] = NewClient(string(node), i)
		}
		r.clients[node] = cs
	}
	return cs
}

func (r *Resolver) Resolve(node replicaset.NodeAddress) []metaproto.RemoteStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.local[node]; ok {
		return []metaproto.RemoteStore{s}
	}
	cs := r.clientsFor(node)
	out := make([]metaproto.RemoteStore, len(cs))
	for i, c := range cs {
		out[i] = c
	}
	return out
}

// Client is the first instance client for node, for administrative calls.
func (r *Resolver) Client(node replicaset.NodeAddress) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientsFor(node)[0]
}

func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cs := range r.clients {
		for _, c := range cs {
			c.Close()
		}
	}
	r.clients = make(map[replicaset.NodeAddress][]*Client)
}
