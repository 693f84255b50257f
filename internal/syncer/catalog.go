package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/reconcile"
)

// CatalogSync imports sections, then products, then variants.
type CatalogSync struct {
	feed   CatalogFeed
	store  CatalogStore
	logger *slog.Logger
	now    func() time.Time
}

func NewCatalogSync(feed CatalogFeed, store CatalogStore, logger *slog.Logger) *CatalogSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogSync{feed: feed, store: store, logger: logger, now: time.Now}
}

func (c *CatalogSync) Sync(ctx context.Context, run *runner, p Params) error {
	src, err := c.feed.OpenCatalog(ctx, p)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	if src.Unchanged {
		run.res.Unchanged = true
		run.note(phase{step: "catalog unchanged", lo: 99, hi: 99}, "catalog documents unchanged since last run, skipped")
		return nil
	}

	sections := c.newPass(erp.KindSection, run.res)
	exhausted, err := run.drain(ctx, src.Sections, phase{step: "sections", lo: 0, hi: 15}, sections.handle)
	if err != nil {
		return err
	}
	sections.flushDeferred()

	products := c.newPass(erp.KindProduct, run.res)
	span := 75
	if n := len(src.Products); n > 0 {
		span = 75 / n
	}
	for i, s := range src.Products {
		if !exhausted {
			break
		}
		ph := phase{step: s.Name(), lo: 15 + i*span, hi: 15 + (i+1)*span}
		ok, err := run.drain(ctx, s, ph, products.handle)
		if err != nil {
			return err
		}
		exhausted = ok
	}
	products.flushDeferred()

	if p.Full() && exhausted && !run.res.Capped {
		run.note(phase{step: "deactivating", lo: 90, hi: 99}, "deactivating rows absent from the source")
		for _, pass := range []*catalogPass{sections, products} {
			n, err := c.store.DeactivateCatalogNotIn(ctx, pass.kind, pass.seen.IDs())
			if err != nil {
				return fmt.Errorf("deactivate %s: %w", pass.kind, err)
			}
			run.res.Deactivated += n
		}
	} else if p.Full() {
		c.logger.Info("catalog deactivation skipped",
			slog.Bool("exhausted", exhausted),
			slog.Bool("capped", run.res.Capped))
	}

	if src.Commit != nil {
		if err := src.Commit(ctx); err != nil {
			c.logger.Warn("catalog commit hook failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *CatalogSync) newPass(kind erp.Kind, res *Result) *catalogPass {
	return &catalogPass{
		c:     c,
		kind:  kind,
		res:   res,
		seen:  reconcile.NewSeen(),
		queue: reconcile.NewVariantQueue(),
		idx:   reconcile.NewMapIndex(),
	}
}

// catalogPass carries the state one entity kind keeps across batches.
type catalogPass struct {
	c     *CatalogSync
	kind  erp.Kind
	res   *Result
	seen  *reconcile.Seen
	queue *reconcile.VariantQueue
	// idx is the index of the last applied batch; it knows every parent
	// committed by that batch.
	idx *reconcile.MapIndex
}

func (p *catalogPass) handle(ctx context.Context, records []erp.Record) error {
	records = erp.ParentsFirst(erp.DedupeLast(records))
	for _, r := range records {
		p.seen.Add(r.ExternalID)
	}
	if err := p.apply(ctx, records); err != nil {
		return err
	}
	// Deferred records whose parent just landed go through as a batch of
	// their own; each round releases at least one record.
	for p.queue.Len() > 0 {
		ready := p.queue.Ready(p.idx)
		if len(ready) == 0 {
			break
		}
		if err := p.apply(ctx, ready); err != nil {
			return err
		}
	}
	return nil
}

func (p *catalogPass) apply(ctx context.Context, records []erp.Record) error {
	idx, err := p.c.store.CatalogIndex(ctx, p.kind, records)
	if err != nil {
		return fmt.Errorf("load %s index: %w", p.kind, err)
	}

	actions := make([]reconcile.Action, 0, len(records))
	for _, rec := range records {
		act, err := reconcile.Reconcile(rec, idx)
		if err != nil {
			p.res.fail(fmt.Errorf("%s %q: %w", p.kind, rec.Name, err))
			continue
		}
		switch act.Kind {
		case reconcile.Defer:
			p.queue.Push(rec)
			continue
		case reconcile.Skip:
			p.queue.Drop(rec.ExternalID)
			idx.Apply(act)
			p.res.Skipped++
			continue
		}
		p.queue.Drop(rec.ExternalID)
		idx.Apply(act)
		actions = append(actions, act)
	}
	p.idx = idx
	if len(actions) == 0 {
		return nil
	}

	results, err := p.c.store.ApplyCatalog(ctx, p.kind, actions, p.c.now())
	if err != nil {
		return fmt.Errorf("persist %s batch: %w", p.kind, err)
	}
	if len(results) != len(actions) {
		return fmt.Errorf("persist %s batch: %d results for %d actions", p.kind, len(results), len(actions))
	}
	for i, r := range results {
		if r.Err != nil {
			p.res.fail(fmt.Errorf("%s %s: %w", p.kind, actions[i].Record.ExternalID, r.Err))
			continue
		}
		p.res.count(r.Outcome)
	}
	return nil
}

// flushDeferred turns records still waiting for a parent into failed items.
func (p *catalogPass) flushDeferred() {
	for _, rec := range p.queue.Remaining() {
		p.res.fail(fmt.Errorf("%s %s: parent %s never appeared", p.kind, rec.ExternalID, rec.ParentExternalID))
		p.queue.Drop(rec.ExternalID)
	}
}
