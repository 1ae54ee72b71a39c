package metaproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const BallotSize = 12

var ErrShortRecord = errors.New("metaproto: short register record")

func (t *Ballot) Marshal(wire io.Writer) error {
	var b [BallotSize]byte
	bs := b[:BallotSize]
	binary.LittleEndian.PutUint64(bs[0:8], uint64(t.Number))
	binary.LittleEndian.PutUint32(bs[8:12], t.PropID)
	_, err := wire.Write(bs)
	return err
}

func (t *Ballot) Unmarshal(wire io.Reader) error {
	var b [BallotSize]byte
	bs := b[:BallotSize]
	if _, err := io.ReadAtLeast(wire, bs, BallotSize); err != nil {
		return err
	}
	t.Number = int64(binary.LittleEndian.Uint64(bs[0:8]))
	t.PropID = binary.LittleEndian.Uint32(bs[8:12])
	return nil
}

// EncodeRegister lays a register out as promised, accepted, value length and
// the encoded value.
func EncodeRegister(st RegisterState[[]byte]) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 2*BallotSize+4+len(st.Value)))
	_ = st.Promised.Marshal(buf)
	_ = st.Accepted.Marshal(buf)
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(st.Value)))
	buf.Write(l[:])
	buf.Write(st.Value)
	return buf.Bytes()
}

func DecodeRegister(b []byte) (RegisterState[[]byte], error) {
	var st RegisterState[[]byte]
	if len(b) < 2*BallotSize+4 {
		return st, ErrShortRecord
	}
	r := bytes.NewReader(b)
	if err := st.Promised.Unmarshal(r); err != nil {
		return st, err
	}
	if err := st.Accepted.Unmarshal(r); err != nil {
		return st, err
	}
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return st, err
	}
	n := int(binary.LittleEndian.Uint32(l[:]))
	if r.Len() < n {
		return st, ErrShortRecord
	}
	st.Value = make([]byte, n)
	_, _ = io.ReadFull(r, st.Value)
	return st, nil
}
