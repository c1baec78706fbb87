package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/ticket"
)

// DeleteExpiredTickets removes every invalid ticket with its subtree and
// returns how many were removed. It is the entry point for an external
// scheduler.
//
// The sweep decides from one store snapshot: a ticket is swept when its
// policy says so or when its parent is missing or swept. Only the tops
// of swept subtrees are cascaded; descendants go with them. Running it
// again with no intervening writes removes nothing. Concurrent reads and
// writes are safe: a ticket added under a swept parent after the
// snapshot already fails the ancestor check and is reaped next time.
//
// Corrupt records, and tickets whose ancestry exceeds MaxDepth, are left
// in place, logged, and reported in the returned error after the sweep
// completes.
func (r *Registry) DeleteExpiredTickets(ctx context.Context) (int, error) {
	ctx = withOp(ctx, "sweep")
	start := time.Now()
	now := r.now()
	policies := r.policies.Load()

	tickets := make(map[string]*ticket.Ticket)
	refs := make(map[string]storage.Ref)
	byParent := make(map[string][]storage.Ref)
	corrupt := make(map[string]bool)
	var corruptErrs []error

	for e, err := range r.store.Scan(ctx, r.mapper.Tables()...) {
		if err != nil {
			if errors.Is(err, ticket.ErrCorrupt) {
				corruptErrs = append(corruptErrs, err)
				continue
			}
			return 0, err
		}
		ref := storage.Ref{Table: e.Table, Key: e.Key}
		if e.Parent != "" {
			byParent[e.Parent] = append(byParent[e.Parent], ref)
		}
		t, _, err := r.decode(ctx, e)
		if err != nil {
			corrupt[e.Key] = true
			corruptErrs = append(corruptErrs, err)
			continue
		}
		tickets[t.ID] = t
		refs[t.ID] = ref
	}

	// expired walks the snapshot the way validChain walks the store, so
	// a read and a sweep agree on every ticket.
	reported := make(map[string]bool)
	expired := func(id string) bool {
		t, ok := tickets[id]
		if !ok {
			// A corrupt ancestor is not evidence of expiry.
			return !corrupt[id]
		}
		cur := t
		for depth := 0; ; depth++ {
			if policies.IsExpired(cur, now) {
				return true
			}
			if cur.ParentID == "" {
				return false
			}
			if depth >= r.cfg.MaxDepth {
				if !reported[id] {
					reported[id] = true
					err := r.tooDeep(t)
					r.corrupt(ctx, id, err)
					corruptErrs = append(corruptErrs, err)
				}
				return false
			}
			parent, ok := tickets[cur.ParentID]
			if !ok {
				return !corrupt[cur.ParentID]
			}
			cur = parent
		}
	}

	var roots []string
	for id, t := range tickets {
		if !expired(id) {
			continue
		}
		if t.ParentID != "" {
			if _, present := tickets[t.ParentID]; present && expired(t.ParentID) {
				continue
			}
		}
		roots = append(roots, id)
	}
	slices.Sort(roots)

	var list childLister
	if idx, ok := r.store.(storage.ParentIndex); ok {
		list = idx.Children
	} else {
		list = func(_ context.Context, parentKey string) ([]storage.Ref, error) {
			return byParent[parentKey], nil
		}
	}

	removed := 0
	for _, id := range roots {
		n, err := r.cascade(ctx, list, refs[id])
		removed += n
		if err != nil {
			r.observe("sweep_duration_seconds", time.Since(start).Seconds(), map[string]string{"result": "error"})
			return removed, fmt.Errorf("sweep: %w", err)
		}
	}

	r.recordMetric("sweeps", nil)
	r.observe("sweep_duration_seconds", time.Since(start).Seconds(), map[string]string{"result": "ok"})
	r.cfg.Logger.InfoContext(ctx, "expired tickets swept",
		"scanned", len(tickets),
		"roots", len(roots),
		"removed", removed,
		"corrupt", len(corruptErrs),
		"duration", time.Since(start),
	)
	if len(corruptErrs) > 0 {
		return removed, fmt.Errorf("sweep skipped %d corrupt records: %w", len(corruptErrs), errors.Join(corruptErrs...))
	}
	return removed, nil
}
