package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/Ajtak/cas/internal/logctx"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/ticket"
)

// childLister returns the direct children of a parent key.
type childLister func(ctx context.Context, parentKey string) ([]storage.Ref, error)

// children returns a lister backed by the store's parent index, or by a
// single scan when the store has none.
func (r *Registry) children(ctx context.Context) (childLister, error) {
	if idx, ok := r.store.(storage.ParentIndex); ok {
		return idx.Children, nil
	}
	byParent := make(map[string][]storage.Ref)
	for e, err := range r.store.Scan(ctx, r.mapper.Tables()...) {
		if err != nil {
			return nil, err
		}
		if e.Parent != "" {
			byParent[e.Parent] = append(byParent[e.Parent], storage.Ref{Table: e.Table, Key: e.Key})
		}
	}
	return func(_ context.Context, parentKey string) ([]storage.Ref, error) {
		return byParent[parentKey], nil
	}, nil
}

// descendants lists every ticket below root, parents before children.
func descendants(ctx context.Context, list childLister, root string) ([]storage.Ref, error) {
	var out []storage.Ref
	seen := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		refs, err := list(ctx, parent)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if seen[ref.Key] {
				continue
			}
			seen[ref.Key] = true
			out = append(out, ref)
			queue = append(queue, ref.Key)
		}
	}
	return out, nil
}

// DeleteTicket removes id and every ticket descending from it and
// returns how many were removed. Descendants are collected first; the
// root goes first so that, if the cascade is interrupted, every ticket
// left behind already fails the ancestor check. Unknown ids remove
// nothing and are not an error.
//
// A failure after the root is removed yields *ticket.PartialCascadeError
// alongside the count actually removed.
func (r *Registry) DeleteTicket(ctx context.Context, id string) (int, error) {
	ctx = withOp(ctx, "delete")
	typ, err := r.catalog.TypeOfID(id)
	if err != nil {
		return 0, nil
	}
	ctx = logctx.WithTicket(ctx, &logctx.TicketData{ID: id, Type: string(typ)})
	list, err := r.children(ctx)
	if err != nil {
		return 0, err
	}
	return r.cascade(ctx, list, storage.Ref{Table: r.mapper.Table(typ), Key: id})
}

func (r *Registry) cascade(ctx context.Context, list childLister, root storage.Ref) (int, error) {
	start := time.Now()
	subtree, err := descendants(ctx, list, root.Key)
	if err != nil {
		return 0, err
	}

	removed := 0
	ok, err := r.store.Delete(ctx, root.Table, root.Key)
	if err != nil {
		return 0, errDeleteRoot(root.Key, err)
	}
	if ok {
		removed++
	}
	for i, ref := range subtree {
		ok, err := r.store.Delete(ctx, ref.Table, ref.Key)
		if err != nil {
			remaining := make([]string, 0, len(subtree)-i)
			for _, left := range subtree[i:] {
				remaining = append(remaining, left.Key)
			}
			r.recordMetric("cascade_partial", nil)
			r.cfg.Logger.WarnContext(ctx, "cascade interrupted",
				"removed", removed,
				"remaining", len(remaining),
				"error", err,
			)
			return removed, &ticket.PartialCascadeError{Root: root.Key, Removed: removed, Remaining: remaining, Err: err}
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		r.recordMetric("cascades", nil)
		r.observe("cascade_size", float64(removed), nil)
		r.cfg.Logger.InfoContext(ctx, "ticket deleted",
			"removed", removed,
			"descendants", len(subtree),
			"duration", time.Since(start),
		)
	}
	return removed, nil
}

// errDeleteRoot wraps a failure to delete the root of a cascade.
func errDeleteRoot(id string, err error) error {
	return fmt.Errorf("delete %s: %w", id, err)
}
