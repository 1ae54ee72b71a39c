package metaproto

import "encoding/json"

type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(b []byte) (V, error)
}

// JSONCodec decodes an empty slice to the zero value, which is how a register
// that was never written reads back.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	if len(b) == 0 {
		return v, nil
	}
	err := json.Unmarshal(b, &v)
	return v, err
}

type RawCodec struct{}

func (RawCodec) Encode(v []byte) ([]byte, error) {
	return v, nil
}

func (RawCodec) Decode(b []byte) ([]byte, error) {
	return b, nil
}
