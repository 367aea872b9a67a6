// Package discovery обходит постраничную выдачу розыгрышей.
package discovery

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/metrics"
)

// Collector собирает новые розыгрыши аккаунта.
type Collector struct {
	account string
	lister  domain.GiveawayLister
	ledger  domain.LedgerRepo
	log     zerolog.Logger
}

// New создаёт сборщик.
func New(account string, lister domain.GiveawayLister, ledger domain.LedgerRepo, log zerolog.Logger) *Collector {
	return &Collector{
		account: account,
		lister:  lister,
		ledger:  ledger,
		log:     log.With().Str("component", "discovery").Str("account", account).Logger(),
	}
}

// Run — один проход по выдаче. Последовательность ленивая и одноразовая.
type Run struct {
	c        *Collector
	ctx      context.Context
	criteria domain.ListCriteria
	started  atomic.Bool
	accepted int
	err      error
}

// Collect готовит проход; запросы начинаются при итерации по All.
func (c *Collector) Collect(ctx context.Context, criteria domain.ListCriteria) *Run {
	return &Run{c: c, ctx: ctx, criteria: criteria}
}

// Err возвращает ошибку, прервавшую проход. Уже выданные розыгрыши остаются валидными.
func (r *Run) Err() error { return r.err }

// Accepted — сколько розыгрышей выдано.
func (r *Run) Accepted() int { return r.accepted }

// All выдаёт розыгрыши, которых нет в журнале обработанных. Проход останавливается
// на повторе id внутри прохода, на лимите MaxPerRun (в том числе посреди страницы),
// на пустой странице или пустом курсоре и на первой ошибке.
func (r *Run) All() iter.Seq[domain.Giveaway] {
	return func(yield func(domain.Giveaway) bool) {
		if !r.started.CompareAndSwap(false, true) {
			return
		}
		r.iterate(yield)
		r.c.log.Debug().Int("accepted", r.accepted).Err(r.err).Msg("discovery: проход завершён")
	}
}

func (r *Run) iterate(yield func(domain.Giveaway) bool) {
	seen := make(map[string]struct{})
	cursor := r.criteria.Cursor
	for page := 1; ; page++ {
		if err := r.ctx.Err(); err != nil {
			r.err = err
			return
		}
		resp, err := r.c.lister.ListGiveaways(r.ctx, r.criteria.Type, r.criteria.PageSize, cursor)
		if err != nil {
			r.err = fmt.Errorf("list giveaways page %d: %w", page, err)
			r.c.log.Warn().Err(err).Int("page", page).Int("accepted", r.accepted).Msg("discovery: выдача прервана, берём накопленное")
			return
		}
		if len(resp.Items) == 0 {
			return
		}
		for _, g := range resp.Items {
			processed, err := r.c.ledger.IsProcessed(r.ctx, r.c.account, g.ID)
			if err != nil {
				r.err = fmt.Errorf("check processed %s: %w", g.ID, err)
				return
			}
			if processed {
				continue
			}
			if _, dup := seen[g.ID]; dup {
				r.c.log.Debug().Str("giveaway_id", g.ID).Msg("discovery: выдача пошла по кругу")
				return
			}
			seen[g.ID] = struct{}{}
			r.accepted++
			metrics.GiveawaysDiscovered.WithLabelValues(r.c.account).Inc()
			if !yield(g) {
				return
			}
			if r.criteria.MaxPerRun > 0 && r.accepted >= r.criteria.MaxPerRun {
				return
			}
		}
		if resp.NextCursor == "" || resp.NextCursor == cursor {
			return
		}
		cursor = resp.NextCursor
	}
}
