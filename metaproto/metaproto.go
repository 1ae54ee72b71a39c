package metaproto

import (
	"context"
	"fmt"
)

// Ballot orders proposals. Number is compared first and PropID breaks ties.
type Ballot struct {
	Number int64
	PropID uint32
}

// Zero is below every ballot a live proposer issues.
var Zero = Ballot{}

func (bal Ballot) Compare(cmp Ballot) int {
	switch {
	case bal.Number < cmp.Number:
		return -1
	case bal.Number > cmp.Number:
		return 1
	case bal.PropID < cmp.PropID:
		return -1
	case bal.PropID > cmp.PropID:
		return 1
	}
	return 0
}

func (bal Ballot) GreaterThan(cmp Ballot) bool {
	return bal.Number > cmp.Number || (bal.Number == cmp.Number && bal.PropID > cmp.PropID)
}

func (bal Ballot) LessThan(cmp Ballot) bool {
	return cmp.GreaterThan(bal)
}

func (bal Ballot) Equal(cmp Ballot) bool {
	return bal.Number == cmp.Number && bal.PropID == cmp.PropID
}

func (bal Ballot) IsZero() bool {
	return bal.Equal(Zero)
}

// Successor is the next ballot owned by the same proposer.
func (bal Ballot) Successor() Ballot {
	return Ballot{Number: bal.Number + 1, PropID: bal.PropID}
}

// AdvanceTo keeps the proposer id and moves the counter up to other's.
func (bal Ballot) AdvanceTo(other Ballot) Ballot {
	if other.Number > bal.Number {
		return Ballot{Number: other.Number, PropID: bal.PropID}
	}
	return bal
}

func (bal Ballot) String() string {
	return fmt.Sprintf("(%d.%d)", bal.Number, bal.PropID)
}

func MaxBallot(a, b Ballot) Ballot {
	if b.GreaterThan(a) {
		return b
	}
	return a
}

// RegisterState is the persisted state of one replicated key on one node.
type RegisterState[V any] struct {
	Promised Ballot
	Accepted Ballot
	Value    V
}

// PrepareResponse is one of PrepareSuccess, Conflict or ConfigConflict.
type PrepareResponse[V any] interface {
	isPrepareResponse()
}

// AcceptResponse is one of AcceptSuccess, Conflict or ConfigConflict.
type AcceptResponse interface {
	isAcceptResponse()
}

type PrepareSuccess[V any] struct {
	Accepted Ballot
	Value    V
}

type AcceptSuccess struct{}

// Conflict reports the highest ballot the acceptor has seen for the key.
type Conflict struct {
	Ballot Ballot
}

// ConfigConflict reports the stamp of a configuration newer than the caller's.
type ConfigConflict struct {
	Ballot Ballot
}

func (PrepareSuccess[V]) isPrepareResponse() {}
func (Conflict) isPrepareResponse()          {}
func (ConfigConflict) isPrepareResponse()    {}

func (AcceptSuccess) isAcceptResponse()  {}
func (Conflict) isAcceptResponse()       {}
func (ConfigConflict) isAcceptResponse() {}

type ReplicationStatus uint8

const (
	Success ReplicationStatus = iota
	// Failed rounds had no effect and are safe to retry.
	Failed
	// Uncertain rounds may have been accepted by a minority or a majority;
	// read the key before trying the same change again.
	Uncertain
)

func (s ReplicationStatus) String() string {
	switch s {
	case Success:
		return "Success"
	case Failed:
		return "Failed"
	case Uncertain:
		return "Uncertain"
	}
	return fmt.Sprintf("ReplicationStatus(%d)", uint8(s))
}

// RemoteStore is the peer interface every node exposes and consumes. Values
// cross it encoded.
type RemoteStore interface {
	Prepare(ctx context.Context, key string, parent Ballot, ballot Ballot) (PrepareResponse[[]byte], error)
	Accept(ctx context.Context, key string, parent Ballot, ballot Ballot, value []byte) (AcceptResponse, error)
	GetKeys(ctx context.Context) ([]string, error)
}
