package proposer

import (
	"context"

	"metapaxos/metaproto"
	"metapaxos/quorum"
	"metapaxos/replicaset"
	"metapaxos/stats"
)

// phaseResult is what a phase learned from the replies it consumed before
// the tally was decided.
type phaseResult[V any] struct {
	ok             bool
	accepted       metaproto.Ballot
	value          V
	conflict       metaproto.Ballot
	configConflict metaproto.Ballot
}

func (r *phaseResult[V]) nack(qrm quorum.Tally, member int, resp any) {
	qrm.Nack(member)
	switch resp := resp.(type) {
	case metaproto.Conflict:
		r.conflict = metaproto.MaxBallot(r.conflict, resp.Ballot)
	case metaproto.ConfigConflict:
		r.configConflict = metaproto.MaxBallot(r.configConflict, resp.Ballot)
	}
}

type reply[R any] struct {
	member int
	resp   R
	err    error
}

// fanOut calls send for every member concurrently. Calls that are still in
// flight when the caller stops reading finish in the background.
func fanOut[R any](ctx context.Context, cfg replicaset.Expanded, instance uint64, send func(context.Context, metaproto.RemoteStore) (R, error)) <-chan reply[R] {
	replies := make(chan reply[R], len(cfg.Members))
	for i := range cfg.Members {
		store := pick(cfg, i, instance)
		if store == nil {
			replies <- reply[R]{member: i, err: errNoInstance}
			continue
		}
		go func(i int, store metaproto.RemoteStore) {
			resp, err := send(ctx, store)
			replies <- reply[R]{member: i, resp: resp, err: err}
		}(i, store)
	}
	return replies
}

func (p *Proposer[V]) prepare(ctx context.Context, cfg replicaset.Expanded, instance uint64, parent, ballot metaproto.Ballot) (phaseResult[V], error) {
	var res phaseResult[V]
	n := len(cfg.Members)
	qrm := quorum.NewCountingQuorumTally(cfg.PrepareQuorum, n)
	p.stats.Update(stats.PreparesSent, int64(n))
	replies := fanOut(ctx, cfg, instance, func(ctx context.Context, s metaproto.RemoteStore) (metaproto.PrepareResponse[[]byte], error) {
		return s.Prepare(ctx, p.key, parent, ballot)
	})

	haveValue := false
	for received := 0; received < n && !qrm.Done(); received++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case r := <-replies:
			if r.err != nil {
				p.stats.Update(stats.RemoteErrors, 1)
				qrm.Nack(r.member)
				continue
			}
			switch resp := r.resp.(type) {
			case metaproto.PrepareSuccess[[]byte]:
				v, err := p.codec.Decode(resp.Value)
				if err != nil {
					p.stats.Update(stats.RemoteErrors, 1)
					qrm.Nack(r.member)
					continue
				}
				qrm.Ack(r.member)
				if !haveValue || resp.Accepted.GreaterThan(res.accepted) {
					res.accepted = resp.Accepted
					res.value = v
					haveValue = true
				}
			case metaproto.Conflict:
				p.stats.Update(stats.PrepareConflicts, 1)
				res.nack(qrm, r.member, resp)
			default:
				res.nack(qrm, r.member, resp)
			}
		}
	}
	res.ok = qrm.Reached()
	return res, nil
}

func (p *Proposer[V]) accept(ctx context.Context, cfg replicaset.Expanded, instance uint64, parent, ballot metaproto.Ballot, value []byte) (phaseResult[V], error) {
	var res phaseResult[V]
	n := len(cfg.Members)
	qrm := quorum.NewCountingQuorumTally(cfg.AcceptQuorum, n)
	p.stats.Update(stats.AcceptsSent, int64(n))
	replies := fanOut(ctx, cfg, instance, func(ctx context.Context, s metaproto.RemoteStore) (metaproto.AcceptResponse, error) {
		return s.Accept(ctx, p.key, parent, ballot, value)
	})

	for received := 0; received < n && !qrm.Done(); received++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case r := <-replies:
			if r.err != nil {
				p.stats.Update(stats.RemoteErrors, 1)
				qrm.Nack(r.member)
				continue
			}
			switch resp := r.resp.(type) {
			case metaproto.AcceptSuccess:
				qrm.Ack(r.member)
			case metaproto.Conflict:
				p.stats.Update(stats.AcceptConflicts, 1)
				res.nack(qrm, r.member, resp)
			default:
				res.nack(qrm, r.member, resp)
			}
		}
	}
	res.ok = qrm.Reached()
	return res, nil
}
