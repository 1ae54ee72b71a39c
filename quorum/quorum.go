package quorum

// Tally is the quorum check for the bounded-failure race: it is done as soon
// as Threshold members acked, or once too many members nacked for the
// remaining ones to make up a quorum.
type Tally interface {
	Ack(id int)
	Nack(id int)
	Reached() bool
	Failed() bool
	Done() bool
	Acknowledged(id int) bool
}

// MajoritySize is floor(n/2)+1.
func MajoritySize(n int) int {
	return n/2 + 1
}

type CountingQuorumTally struct {
	ResponseHolder
	Threshold int
	Total     int
}

func NewCountingQuorumTally(threshold, total int) *CountingQuorumTally {
	qrm := &CountingQuorumTally{Threshold: threshold, Total: total}
	qrm.clear()
	return qrm
}

func (qrm *CountingQuorumTally) Ack(aid int) {
	qrm.ResponseHolder.addAck(aid)
}

func (qrm *CountingQuorumTally) Nack(aid int) {
	qrm.ResponseHolder.addNack(aid)
}

func (qrm *CountingQuorumTally) Reached() bool {
	return len(qrm.Acks) >= qrm.Threshold
}

// Failed is true once more than Total-Threshold members nacked.
func (qrm *CountingQuorumTally) Failed() bool {
	return len(qrm.Nacks) > qrm.Total-qrm.Threshold
}

func (qrm *CountingQuorumTally) Done() bool {
	return qrm.Reached() || qrm.Failed()
}

func (qrm *CountingQuorumTally) Acknowledged(aid int) bool {
	_, exists := qrm.Acks[aid]
	return exists
}
