package metastore

import (
	"context"
	"fmt"

	"github.com/emirpasic/gods/sets/treeset"

	"metapaxos/dlog"
	"metapaxos/metaproto"
)

// CatchUp brings every member of the current configuration up to date. It
// collects the keys known to any member and reads each one through a
// quorum, which re-accepts its value on the members that answer. Run it
// after adding a member.
func (m *Manager) CatchUp(ctx context.Context) (int, error) {
	if _, err := m.config.Refresh(ctx); err != nil {
		return 0, fmt.Errorf("metastore: catch-up: %w", err)
	}

	keys := treeset.NewWithStringComparator()
	local, err := m.GetKeys(ctx)
	if err != nil {
		return 0, err
	}
	for _, k := range local {
		keys.Add(k)
	}
	cfg := m.config.Expanded()
	for i, member := range cfg.Members {
		if len(cfg.Stores[i]) == 0 {
			continue
		}
		remote, err := cfg.Stores[i][0].GetKeys(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			dlog.Printf("metastore: catch-up: keys from %s: %v", member, err)
			continue
		}
		for _, k := range remote {
			keys.Add(k)
		}
	}

	caught, failed := 0, 0
	for _, k := range keys.Values() {
		key := k.(string)
		status, _, err := m.TryGetRaw(ctx, key)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return caught, ctxErr
		}
		if status != metaproto.Success {
			dlog.Printf("metastore: catch-up of %q: %v %v", key, status, err)
			failed++
			continue
		}
		caught++
	}
	if failed > 0 {
		return caught, fmt.Errorf("metastore: catch-up: %d of %d keys not settled", failed, keys.Size())
	}
	return caught, nil
}
