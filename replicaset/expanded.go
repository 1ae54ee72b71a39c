package replicaset

import "metapaxos/metaproto"

// Resolver finds the store instances a member serves. A physical node may
// host several logical instances to spread load.
type Resolver interface {
	Resolve(node NodeAddress) []metaproto.RemoteStore
}

type ResolverFunc func(node NodeAddress) []metaproto.RemoteStore

func (f ResolverFunc) Resolve(node NodeAddress) []metaproto.RemoteStore {
	return f(node)
}

// Expanded is a Configuration with the resolved instances of each member,
// indexed like Members. It is derived and never persisted.
type Expanded struct {
	Configuration
	Stores [][]metaproto.RemoteStore
}

func Expand(c Configuration, r Resolver) Expanded {
	ex := Expanded{Configuration: c, Stores: make([][]metaproto.RemoteStore, len(c.Members))}
	for i, m := range c.Members {
		if r != nil {
			ex.Stores[i] = r.Resolve(m)
		}
	}
	return ex
}
