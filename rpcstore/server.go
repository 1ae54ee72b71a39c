package rpcstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"sync"

	reuseport "github.com/libp2p/go-reuseport"

	"metapaxos/dlog"
	"metapaxos/metaproto"
	"metapaxos/metastore"
	"metapaxos/replicaset"
)

const serviceName = "MetaStore"

var ErrNoInstance = errors.New("rpcstore: no such store instance")

// Handler is what a node serves: the peer register protocol plus the
// client operations.
type Handler interface {
	metaproto.RemoteStore
	Get(ctx context.Context, key string) (metaproto.ReplicationStatus, metastore.Entry, error)
	Update(ctx context.Context, key string, e metastore.Entry) (metaproto.ReplicationStatus, metastore.Entry, error)
	AddServer(ctx context.Context, node replicaset.NodeAddress) (metaproto.ReplicationStatus, replicaset.Configuration, error)
	RemoveServer(ctx context.Context, node replicaset.NodeAddress) (metaproto.ReplicationStatus, replicaset.Configuration, error)
	Configuration(ctx context.Context, fresh bool) (replicaset.Configuration, error)
}

type Server struct {
	handler   Handler
	instances int
	rpc       *rpc.Server
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer serves handler as instances logical stores on one endpoint. The
// instances share handler and its registers; they only let a peer spread
// calls over several connections. Requests for an instance outside
// [0, instances) are rejected, so every node must run with the same count.
func NewServer(handler Handler, instances int) (*Server, error) {
	if instances < 1 {
		instances = 1
	}
	s := &Server{handler: handler, instances: instances, rpc: rpc.NewServer()}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.rpc.RegisterName(serviceName, &service{s}); err != nil {
		return nil, err
	}
	return s, nil
}

// Listen binds addr with SO_REUSEPORT, so a restarted node can take its
// port back while old connections drain.
func Listen(addr string) (net.Listener, error) {
	return reuseport.Listen("tcp", addr)
}

// Serve answers calls on l until Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	err := http.Serve(l, s.rpc)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

type service struct {
	s *Server
}

func (svc *service) checkInstance(i int) error {
	if i < 0 || i >= svc.s.instances {
		dlog.Printf("rpcstore: request for instance %d of %d", i, svc.s.instances)
		return fmt.Errorf("%w: %d of %d", ErrNoInstance, i, svc.s.instances)
	}
	return nil
}

func (svc *service) Prepare(args *PrepareArgs, reply *PrepareReply) error {
	if err := svc.checkInstance(args.Instance); err != nil {
		return err
	}
	resp, err := svc.s.handler.Prepare(svc.s.ctx, args.Key, args.Parent, args.Ballot)
	if err != nil {
		return err
	}
	return encodePrepare(resp, reply)
}

func (svc *service) Accept(args *AcceptArgs, reply *AcceptReply) error {
	if err := svc.checkInstance(args.Instance); err != nil {
		return err
	}
	resp, err := svc.s.handler.Accept(svc.s.ctx, args.Key, args.Parent, args.Ballot, args.Value)
	if err != nil {
		return err
	}
	return encodeAccept(resp, reply)
}

func (svc *service) GetKeys(args *GetKeysArgs, reply *GetKeysReply) error {
	if err := svc.checkInstance(args.Instance); err != nil {
		return err
	}
	keys, err := svc.s.handler.GetKeys(svc.s.ctx)
	reply.Keys = keys
	return err
}

func (svc *service) Get(args *GetArgs, reply *EntryReply) error {
	status, e, err := svc.s.handler.Get(svc.s.ctx, args.Key)
	reply.Status, reply.Version, reply.Value = status, e.Version, e.Value
	return err
}

func (svc *service) Update(args *UpdateArgs, reply *EntryReply) error {
	status, e, err := svc.s.handler.Update(svc.s.ctx, args.Key, metastore.Entry{Version: args.Version, Value: args.Value})
	reply.Status, reply.Version, reply.Value = status, e.Version, e.Value
	return err
}

func configReply(status metaproto.ReplicationStatus, cfg replicaset.Configuration, reply *ConfigReply) {
	reply.Status = status
	reply.Version = cfg.Version
	reply.Stamp = cfg.Stamp
	reply.AcceptQuorum = cfg.AcceptQuorum
	reply.PrepareQuorum = cfg.PrepareQuorum
	reply.Ranges = cfg.Ranges
	reply.Values = cfg.Values
	reply.Members = make([]string, len(cfg.Members))
	for i, m := range cfg.Members {
		reply.Members[i] = string(m)
	}
}

func (svc *service) AddServer(args *ServerArgs, reply *ConfigReply) error {
	status, cfg, err := svc.s.handler.AddServer(svc.s.ctx, replicaset.NodeAddress(args.Node))
	configReply(status, cfg, reply)
	return err
}

func (svc *service) RemoveServer(args *ServerArgs, reply *ConfigReply) error {
	status, cfg, err := svc.s.handler.RemoveServer(svc.s.ctx, replicaset.NodeAddress(args.Node))
	configReply(status, cfg, reply)
	return err
}

func (svc *service) Config(args *ConfigArgs, reply *ConfigReply) error {
	cfg, err := svc.s.handler.Configuration(svc.s.ctx, args.Fresh)
	configReply(metaproto.Success, cfg, reply)
	return err
}
