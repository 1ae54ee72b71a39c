package rpcstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/rpc"
	"sync"

	"github.com/google/uuid"

	"metapaxos/dlog"
	"metapaxos/metaproto"
	"metapaxos/metastore"
	"metapaxos/replicaset"
)

// Client talks to one logical store instance of a remote node. It dials on
// first use and redials after the connection breaks.
type Client struct {
	addr     string
	instance int

	mu     sync.Mutex
	client *rpc.Client
}

func NewClient(addr string, instance int) *Client {
	return &Client{addr: addr, instance: instance}
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) dial(ctx context.Context) (*rpc.Client, error) {
	c.mu.Lock()
	if cl := c.client; cl != nil {
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()

	type dialed struct {
		cl  *rpc.Client
		err error
	}
	ch := make(chan dialed, 1)
	go func() {
		cl, err := rpc.DialHTTP("tcp", c.addr)
		ch <- dialed{cl, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if d := <-ch; d.cl != nil {
				d.cl.Close()
			}
		}()
		return nil, ctx.Err()
	case d := <-ch:
		if d.err != nil {
			return nil, fmt.Errorf("rpcstore: dial %s: %w", c.addr, d.err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.client != nil {
			d.cl.Close()
			return c.client, nil
		}
		c.client = d.cl
		return d.cl, nil
	}
}

func (c *Client) reset(cl *rpc.Client) {
	c.mu.Lock()
	if c.client == cl {
		c.client = nil
	}
	c.mu.Unlock()
	cl.Close()
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	id := uuid.New().ID()
	dlog.Printf("rpcstore: call %08x %s to %s", id, method, c.addr)
	call := cl.Go(serviceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		dlog.Printf("rpcstore: call %08x abandoned: %v", id, ctx.Err())
		return ctx.Err()
	case done := <-call.Done:
		if done.Error == nil {
			return nil
		}
		if errors.Is(done.Error, rpc.ErrShutdown) || errors.Is(done.Error, io.EOF) || errors.Is(done.Error, io.ErrUnexpectedEOF) {
			c.reset(cl)
		}
		return fmt.Errorf("rpcstore: %s on %s: %w", method, c.addr, done.Error)
	}
}

func (c *Client) Prepare(ctx context.Context, key string, parent, ballot metaproto.Ballot) (metaproto.PrepareResponse[[]byte], error) {
	var reply PrepareReply
	args := &PrepareArgs{Instance: c.instance, Key: key, Parent: parent, Ballot: ballot}
	if err := c.call(ctx, "Prepare", args, &reply); err != nil {
		return nil, err
	}
	return reply.decode()
}

func (c *Client) Accept(ctx context.Context, key string, parent, ballot metaproto.Ballot, value []byte) (metaproto.AcceptResponse, error) {
	var reply AcceptReply
	args := &AcceptArgs{Instance: c.instance, Key: key, Parent: parent, Ballot: ballot, Value: value}
	if err := c.call(ctx, "Accept", args, &reply); err != nil {
		return nil, err
	}
	return reply.decode()
}

func (c *Client) GetKeys(ctx context.Context) ([]string, error) {
	var reply GetKeysReply
	if err := c.call(ctx, "GetKeys", &GetKeysArgs{Instance: c.instance}, &reply); err != nil {
		return nil, err
	}
	return reply.Keys, nil
}

func (c *Client) Get(ctx context.Context, key string) (metaproto.ReplicationStatus, metastore.Entry, error) {
	var reply EntryReply
	if err := c.call(ctx, "Get", &GetArgs{Key: key}, &reply); err != nil {
		return metaproto.Failed, metastore.Entry{}, err
	}
	return reply.Status, metastore.Entry{Version: reply.Version, Value: reply.Value}, nil
}

func (c *Client) Update(ctx context.Context, key string, e metastore.Entry) (metaproto.ReplicationStatus, metastore.Entry, error) {
	var reply EntryReply
	if err := c.call(ctx, "Update", &UpdateArgs{Key: key, Version: e.Version, Value: e.Value}, &reply); err != nil {
		return metaproto.Failed, metastore.Entry{}, err
	}
	return reply.Status, metastore.Entry{Version: reply.Version, Value: reply.Value}, nil
}

func (reply *ConfigReply) configuration() replicaset.Configuration {
	cfg := replicaset.Configuration{
		Stamp:         reply.Stamp,
		Version:       reply.Version,
		AcceptQuorum:  reply.AcceptQuorum,
		PrepareQuorum: reply.PrepareQuorum,
		Ranges:        reply.Ranges,
		Values:        reply.Values,
	}
	for _, m := range reply.Members {
		cfg.Members = append(cfg.Members, replicaset.NodeAddress(m))
	}
	return cfg
}

func (c *Client) AddServer(ctx context.Context, node replicaset.NodeAddress) (metaproto.ReplicationStatus, replicaset.Configuration, error) {
	var reply ConfigReply
	if err := c.call(ctx, "AddServer", &ServerArgs{Node: string(node)}, &reply); err != nil {
		return metaproto.Failed, replicaset.Configuration{}, err
	}
	return reply.Status, reply.configuration(), nil
}

func (c *Client) RemoveServer(ctx context.Context, node replicaset.NodeAddress) (metaproto.ReplicationStatus, replicaset.Configuration, error) {
	var reply ConfigReply
	if err := c.call(ctx, "RemoveServer", &ServerArgs{Node: string(node)}, &reply); err != nil {
		return metaproto.Failed, replicaset.Configuration{}, err
	}
	return reply.Status, reply.configuration(), nil
}

func (c *Client) Configuration(ctx context.Context, fresh bool) (replicaset.Configuration, error) {
	var reply ConfigReply
	if err := c.call(ctx, "Config", &ConfigArgs{Fresh: fresh}, &reply); err != nil {
		return replicaset.Configuration{}, err
	}
	return reply.configuration(), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
