// Package reaper выводит аккаунт из каналов, где участие подтверждено,
// но активности давно не было.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
	"tg-giveaway-farmer/internal/infra/metrics"
)

// ActionPerformer выполняет действие с каналом под ограничителем частоты.
type ActionPerformer interface {
	Perform(ctx context.Context, action domain.ActionType, fn func(ctx context.Context) (bool, error)) (bool, error)
}

// Config задаёт порог неактивности и минимальный интервал между проходами.
type Config struct {
	InactivityThreshold time.Duration
	Interval            time.Duration
}

// Reaper чистит подписки одного аккаунта.
type Reaper struct {
	account   string
	store     domain.MembershipRepo
	transport domain.Transport
	actions   ActionPerformer
	clock     clock.Clock
	cfg       Config
	log       zerolog.Logger

	lastSweep time.Time
}

// New создаёт чистильщика.
func New(account string, store domain.MembershipRepo, transport domain.Transport, actions ActionPerformer, clk clock.Clock, cfg Config, log zerolog.Logger) *Reaper {
	return &Reaper{
		account:   account,
		store:     store,
		transport: transport,
		actions:   actions,
		clock:     clk,
		cfg:       cfg,
		log:       log.With().Str("component", "reaper").Str("account", account).Logger(),
	}
}

// Sweep покидает неактивные каналы и возвращает их число. Вызов раньше Interval
// с прошлого прохода ничего не делает. Время прохода фиксируется всегда,
// в том числе при ошибке.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	if !r.lastSweep.IsZero() && now.Sub(r.lastSweep) < r.cfg.Interval {
		return 0, nil
	}
	r.lastSweep = now

	stale, err := r.store.ListInactiveMemberships(ctx, r.account, now.Add(-r.cfg.InactivityThreshold))
	if err != nil {
		return 0, fmt.Errorf("list inactive memberships: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	r.log.Info().Int("channels", len(stale)).Msg("reaper: найдены неактивные каналы")

	left := 0
	for _, m := range stale {
		ok, err := r.actions.Perform(ctx, domain.ActionUnsubscribe, func(ctx context.Context) (bool, error) {
			return r.transport.LeaveChannel(ctx, m.Channel)
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrUnauthorized) {
				return left, err
			}
			r.log.Warn().Err(err).Str("channel", m.Channel).Msg("reaper: не удалось покинуть канал, повторим позже")
			continue
		}
		if !ok {
			r.log.Warn().Str("channel", m.Channel).Msg("reaper: выход из канала не подтверждён")
			continue
		}
		if err := r.store.DeleteMembership(ctx, r.account, m.Channel); err != nil {
			r.log.Warn().Err(err).Str("channel", m.Channel).Msg("reaper: не удалось удалить запись о подписке")
			continue
		}
		left++
		metrics.ChannelsReaped.WithLabelValues(r.account).Inc()
		r.log.Info().Str("channel", m.Channel).Time("last_activity", m.LastActivityAt).Msg("reaper: покинули канал")
	}
	return left, nil
}
