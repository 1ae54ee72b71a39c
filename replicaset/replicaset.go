package replicaset

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"metapaxos/metaproto"
	"metapaxos/quorum"
)

type NodeAddress string

// KeyRange is carried through reconfigurations untouched; placement policy
// is left to the host application.
type KeyRange struct {
	Low  string
	High string
}

// Configuration is the replicated description of the replica set. A value is
// never changed after construction; every change produces a successor with a
// higher Version.
type Configuration struct {
	Stamp         metaproto.Ballot
	Version       int64
	Members       []NodeAddress
	AcceptQuorum  int
	PrepareQuorum int
	Ranges        []KeyRange        `json:",omitempty"`
	Values        map[string]string `json:",omitempty"`
}

var (
	ErrTooManyChanges = errors.New("replicaset: configurations may differ by at most one member")
	ErrNoMembers      = errors.New("replicaset: configuration must have at least one member")
)

// Bootstrap is the single-member configuration a new cluster is seeded with.
func Bootstrap(node NodeAddress) Configuration {
	return Configuration{
		Version:       1,
		Members:       []NodeAddress{node},
		AcceptQuorum:  1,
		PrepareQuorum: 1,
	}
}

func (c Configuration) GetVersion() int64 {
	return c.Version
}

func (c Configuration) IsEmpty() bool {
	return len(c.Members) == 0
}

func (c Configuration) Contains(node NodeAddress) bool {
	for _, m := range c.Members {
		if m == node {
			return true
		}
	}
	return false
}

func (c Configuration) Clone() Configuration {
	out := c
	out.Members = append([]NodeAddress(nil), c.Members...)
	out.Ranges = append([]KeyRange(nil), c.Ranges...)
	if c.Values != nil {
		out.Values = make(map[string]string, len(c.Values))
		for k, v := range c.Values {
			out.Values[k] = v
		}
	}
	return out
}

func (c Configuration) String() string {
	members := make([]string, len(c.Members))
	for i, m := range c.Members {
		members[i] = string(m)
	}
	s := fmt.Sprintf("v%d stamp=%v members=[%s] q=%d/%d", c.Version, c.Stamp, strings.Join(members, ","), c.PrepareQuorum, c.AcceptQuorum)
	if len(c.Ranges) > 0 {
		s += fmt.Sprintf(" ranges=%v", c.Ranges)
	}
	if len(c.Values) > 0 {
		s += fmt.Sprintf(" values=%v", c.Values)
	}
	return s
}

// Update holds the parts of a configuration a caller may change.
type Update struct {
	Members []NodeAddress
	Ranges  []KeyRange
	Values  map[string]string
}

func UpdateFrom(c Configuration) Update {
	cl := c.Clone()
	return Update{Members: cl.Members, Ranges: cl.Ranges, Values: cl.Values}
}

// AddMember returns an update adding node, or false when it is already a member.
func AddMember(c Configuration, node NodeAddress) (Update, bool) {
	if c.Contains(node) {
		return Update{}, false
	}
	u := UpdateFrom(c)
	u.Members = append(u.Members, node)
	return u, true
}

// RemoveMember returns an update removing node, or false when it is not a member.
func RemoveMember(c Configuration, node NodeAddress) (Update, bool) {
	if !c.Contains(node) {
		return Update{}, false
	}
	u := UpdateFrom(c)
	members := u.Members[:0]
	for _, m := range u.Members {
		if m != node {
			members = append(members, m)
		}
	}
	u.Members = members
	return u, true
}

// Apply builds the successor of prev. Quorums are recomputed as majorities of
// the new member list.
func (u Update) Apply(prev Configuration, stamp metaproto.Ballot) (Configuration, error) {
	if len(u.Members) == 0 {
		return Configuration{}, ErrNoMembers
	}
	if MembershipDelta(prev.Members, u.Members) > 1 {
		return Configuration{}, ErrTooManyChanges
	}
	next := Configuration{
		Stamp:   stamp,
		Version: prev.Version + 1,
		Members: append([]NodeAddress(nil), u.Members...),
		Ranges:  append([]KeyRange(nil), u.Ranges...),
	}
	if u.Values != nil {
		next.Values = make(map[string]string, len(u.Values))
		for k, v := range u.Values {
			next.Values[k] = v
		}
	}
	next.AcceptQuorum = quorum.MajoritySize(len(next.Members))
	next.PrepareQuorum = quorum.MajoritySize(len(next.Members))
	return next, nil
}

// MembershipDelta is the size of the symmetric difference of two member lists.
func MembershipDelta(a, b []NodeAddress) int {
	in := make(map[NodeAddress]int)
	for _, m := range a {
		in[m] |= 1
	}
	for _, m := range b {
		in[m] |= 2
	}
	delta := 0
	for _, side := range in {
		if side != 3 {
			delta++
		}
	}
	return delta
}

func SortedMembers(c Configuration) []NodeAddress {
	out := append([]NodeAddress(nil), c.Members...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
