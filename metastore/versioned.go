package metastore

import (
	"context"
	"fmt"

	"metapaxos/metaproto"
)

// Versioned values carry a version that goes up by exactly one per update.
// V should be a value type: the zero V stands for a key nobody wrote.
type Versioned interface {
	GetVersion() int64
}

// Entry is a versioned blob, for callers that keep their own encoding.
type Entry struct {
	Version int64
	Value   []byte
}

func (e Entry) GetVersion() int64 {
	return e.Version
}

func TryGet[V Versioned](ctx context.Context, m *Manager, key string) (metaproto.ReplicationStatus, V, error) {
	var zero V
	status, raw, err := m.TryGetRaw(ctx, key)
	if status != metaproto.Success {
		return status, zero, err
	}
	v, err := metaproto.JSONCodec[V]{}.Decode(raw)
	if err != nil {
		return metaproto.Failed, zero, fmt.Errorf("metastore: decode %q: %w", key, err)
	}
	return metaproto.Success, v, nil
}

// TryUpdate stores value if it is the direct successor of the current value
// of key. Otherwise it leaves the key alone and reports Failed with the
// current value.
func TryUpdate[V Versioned](ctx context.Context, m *Manager, key string, value V) (metaproto.ReplicationStatus, V, error) {
	var zero V
	codec := metaproto.JSONCodec[V]{}
	input, err := codec.Encode(value)
	if err != nil {
		return metaproto.Failed, zero, fmt.Errorf("metastore: encode %q: %w", key, err)
	}

	var rejected bool
	var decodeErr error
	change := func(current []byte, input []byte) []byte {
		cur, err := codec.Decode(current)
		if err != nil {
			decodeErr = err
			return current
		}
		rejected = value.GetVersion() != cur.GetVersion()+1
		if rejected {
			return current
		}
		return input
	}

	status, raw, err := m.TryUpdateRaw(ctx, key, input, change)
	if decodeErr != nil {
		return metaproto.Failed, zero, fmt.Errorf("metastore: decode %q: %w", key, decodeErr)
	}
	if err != nil {
		return status, zero, err
	}
	out, err := codec.Decode(raw)
	if err != nil {
		return metaproto.Failed, zero, fmt.Errorf("metastore: decode %q: %w", key, err)
	}
	if status == metaproto.Success && rejected {
		return metaproto.Failed, out, nil
	}
	return status, out, nil
}
