package rpcstore

import (
	"fmt"

	"metapaxos/metaproto"
	"metapaxos/replicaset"
)

// ResponseKind flattens the response unions for gob.
type ResponseKind uint8

const (
	KindSuccess ResponseKind = iota
	KindConflict
	KindConfigConflict
)

type PrepareArgs struct {
	Instance int
	Key      string
	Parent   metaproto.Ballot
	Ballot   metaproto.Ballot
}

type PrepareReply struct {
	Kind     ResponseKind
	Ballot   metaproto.Ballot
	Accepted metaproto.Ballot
	Value    []byte
}

type AcceptArgs struct {
	Instance int
	Key      string
	Parent   metaproto.Ballot
	Ballot   metaproto.Ballot
	Value    []byte
}

type AcceptReply struct {
	Kind   ResponseKind
	Ballot metaproto.Ballot
}

type GetKeysArgs struct {
	Instance int
}

type GetKeysReply struct {
	Keys []string
}

type GetArgs struct {
	Key string
}

// EntryReply carries a client operation's outcome and the entry it saw.
type EntryReply struct {
	Status  metaproto.ReplicationStatus
	Version int64
	Value   []byte
}

type UpdateArgs struct {
	Key     string
	Version int64
	Value   []byte
}

type ServerArgs struct {
	Node string
}

type ConfigArgs struct {
	// Fresh reads the configuration through the cluster.
	Fresh bool
}

type ConfigReply struct {
	Status        metaproto.ReplicationStatus
	Version       int64
	Stamp         metaproto.Ballot
	Members       []string
	AcceptQuorum  int
	PrepareQuorum int
	Ranges        []replicaset.KeyRange
	Values        map[string]string
}

func encodePrepare(resp metaproto.PrepareResponse[[]byte], reply *PrepareReply) error {
	switch resp := resp.(type) {
	case metaproto.PrepareSuccess[[]byte]:
		reply.Kind = KindSuccess
		reply.Accepted = resp.Accepted
		reply.Value = resp.Value
	case metaproto.Conflict:
		reply.Kind = KindConflict
		reply.Ballot = resp.Ballot
	case metaproto.ConfigConflict:
		reply.Kind = KindConfigConflict
		reply.Ballot = resp.Ballot
	default:
		return fmt.Errorf("rpcstore: unknown prepare response %T", resp)
	}
	return nil
}

func (reply *PrepareReply) decode() (metaproto.PrepareResponse[[]byte], error) {
	switch reply.Kind {
	case KindSuccess:
		return metaproto.PrepareSuccess[[]byte]{Accepted: reply.Accepted, Value: reply.Value}, nil
	case KindConflict:
		return metaproto.Conflict{Ballot: reply.Ballot}, nil
	case KindConfigConflict:
		return metaproto.ConfigConflict{Ballot: reply.Ballot}, nil
	}
	return nil, fmt.Errorf("rpcstore: unknown response kind %d", reply.Kind)
}

func encodeAccept(resp metaproto.AcceptResponse, reply *AcceptReply) error {
	switch resp := resp.(type) {
	case metaproto.AcceptSuccess:
		reply.Kind = KindSuccess
	case metaproto.Conflict:
		reply.Kind = KindConflict
		reply.Ballot = resp.Ballot
	case metaproto.ConfigConflict:
		reply.Kind = KindConfigConflict
		reply.Ballot = resp.Ballot
	default:
		return fmt.Errorf("rpcstore: unknown accept response %T", resp)
	}
	return nil
}

func (reply *AcceptReply) decode() (metaproto.AcceptResponse, error) {
	switch reply.Kind {
	case KindSuccess:
		return metaproto.AcceptSuccess{}, nil
	case KindConflict:
		return metaproto.Conflict{Ballot: reply.Ballot}, nil
	case KindConfigConflict:
		return metaproto.ConfigConflict{Ballot: reply.Ballot}, nil
	}
	return nil, fmt.Errorf("rpcstore: unknown response kind %d", reply.Kind)
}
