package quorum

// ResponseHolder records which members answered positively or negatively.
// A member's first answer wins.
type ResponseHolder struct {
	Nacks map[int]struct{}
	Acks  map[int]struct{}
}

func (qrm *ResponseHolder) clear() {
	qrm.Nacks = make(map[int]struct{})
	qrm.Acks = make(map[int]struct{})
}

func (qrm *ResponseHolder) answered(id int) bool {
	_, acked := qrm.Acks[id]
	_, nacked := qrm.Nacks[id]
	return acked || nacked
}

func (qrm *ResponseHolder) addAck(id int) {
	if qrm.answered(id) {
		return
	}
	qrm.Acks[id] = struct{}{}
}

func (qrm *ResponseHolder) addNack(id int) {
	if qrm.answered(id) {
		return
	}
	qrm.Nacks[id] = struct{}{}
}
