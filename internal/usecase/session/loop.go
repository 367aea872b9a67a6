// Package session ведёт бесконечный цикл одного аккаунта и управляет набором
// таких циклов.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
	"tg-giveaway-farmer/internal/infra/metrics"
	"tg-giveaway-farmer/internal/usecase/discovery"
	"tg-giveaway-farmer/internal/usecase/eligibility"
)

// Authenticator получает токен сервиса.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// GiveawayFulfiller доводит розыгрыш до конца.
type GiveawayFulfiller interface {
	Fulfill(ctx context.Context, g domain.Giveaway) (domain.Outcome, error)
}

// Sweeper покидает неактивные каналы.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// ActionPerformer выполняет действие с каналом под ограничителем частоты.
type ActionPerformer interface {
	Perform(ctx context.Context, action domain.ActionType, fn func(ctx context.Context) (bool, error)) (bool, error)
}

// Config — паузы цикла и параметры выдачи.
type Config struct {
	StartDelay      time.Duration
	CycleDelay      time.Duration
	CycleJitter     time.Duration
	ErrorCooldown   time.Duration
	LeaveStaleJoins bool
	Criteria        domain.ListCriteria
}

// Deps — компоненты, собранные для аккаунта.
type Deps struct {
	Store     domain.StateStore
	Remote    domain.RemoteService
	Auth      Authenticator
	Transport domain.Transport
	Actions   ActionPerformer
	Collector *discovery.Collector
	Filter    eligibility.Filter
	Fulfiller GiveawayFulfiller
	Reaper    Sweeper
	Notifier  domain.Notifier
	Clock     clock.Clock
}

// Loop — цикл аккаунта: поиск, фильтрация, выполнение условий, чистка каналов.
type Loop struct {
	account string
	deps    Deps
	cfg     Config
	log     zerolog.Logger
}

// NewLoop создаёт цикл аккаунта.
func NewLoop(account string, deps Deps, cfg Config, log zerolog.Logger) *Loop {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &Loop{
		account: account,
		deps:    deps,
		cfg:     cfg,
		log:     log.With().Str("component", "session").Str("account", account).Logger(),
	}
}

// Run работает до отмены контекста (возвращает nil) или до окончательной потери
// авторизации (возвращает ошибку, совместимую с domain.ErrUnauthorized).
// Прочие сбои цикла логируются и пережидаются.
func (l *Loop) Run(ctx context.Context) error {
	delay := clock.Uniform(time.Second, l.cfg.StartDelay)
	l.log.Info().Dur("delay", delay).Msg("session: старт с задержкой")
	if err := l.deps.Clock.Sleep(ctx, delay); err != nil {
		return nil
	}

	l.cleanupStaleJoins(ctx)

	if err := l.deps.Auth.Authenticate(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, domain.ErrUnauthorized) {
			err = fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
		}
		return l.stopUnauthorized(ctx, err)
	}

	for {
		err := l.cycle(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, domain.ErrUnauthorized):
			return l.stopUnauthorized(ctx, err)
		case err != nil:
			l.log.Error().Err(err).Dur("cooldown", l.cfg.ErrorCooldown).Msg("session: сбой цикла, пауза")
			if l.deps.Clock.Sleep(ctx, l.cfg.ErrorCooldown) != nil {
				return nil
			}
			continue
		}
		pause := l.cfg.CycleDelay + clock.Uniform(0, l.cfg.CycleJitter)
		l.log.Info().Dur("pause", pause).Msg("session: цикл завершён")
		if l.deps.Clock.Sleep(ctx, pause) != nil {
			return nil
		}
	}
}

func (l *Loop) cycle(ctx context.Context) error {
	log := l.log.With().Str("cycle_id", uuid.NewString()).Logger()

	if err := l.logAccountState(ctx, log); err != nil {
		return err
	}
	if err := l.discover(ctx, log); err != nil {
		return err
	}
	if err := l.fulfillPending(ctx, log); err != nil {
		return err
	}
	if n, err := l.deps.Reaper.Sweep(ctx); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) || ctx.Err() != nil {
			return err
		}
		log.Warn().Err(err).Msg("session: чистка каналов не удалась")
	} else if n > 0 {
		log.Info().Int("left", n).Msg("session: покинуты неактивные каналы")
	}
	return nil
}

// logAccountState читает профиль, баланс и подарки. Ошибки чтения, кроме потери
// авторизации, не прерывают цикл.
func (l *Loop) logAccountState(ctx context.Context, log zerolog.Logger) error {
	event := log.Info()
	profile, err := l.deps.Remote.GetProfile(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return err
		}
		log.Warn().Err(err).Msg("session: профиль недоступен")
	} else {
		event = event.Int64("user_id", profile.ID).Str("username", profile.Username)
	}
	balance, err := l.deps.Remote.GetBalance(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return err
		}
		log.Warn().Err(err).Msg("session: баланс недоступен")
	} else {
		event = event.Float64("balance_ton", balance.TON())
	}
	gifts, err := l.deps.Remote.GetGiftInventory(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return err
		}
		log.Warn().Err(err).Msg("session: подарки недоступны")
	} else {
		event = event.Int("gift_fields", len(gifts))
	}
	event.Msg("session: состояние аккаунта")
	return nil
}

// discover складывает прошедшие фильтр розыгрыши в очередь, отклонённые
// сразу попадают в журнал. Частичный результат выдачи используется как есть.
func (l *Loop) discover(ctx context.Context, log zerolog.Logger) error {
	run := l.deps.Collector.Collect(ctx, l.cfg.Criteria)
	queued, rejected := 0, 0
	for g := range run.All() {
		if reason := l.deps.Filter.Check(g); reason != eligibility.ReasonNone {
			metrics.GiveawaysFiltered.WithLabelValues(string(reason)).Inc()
			log.Debug().Str("giveaway_id", g.ID).Str("reason", string(reason)).Msg("session: розыгрыш отклонён фильтром")
			if err := l.deps.Store.DeletePending(ctx, l.account, g.ID); err != nil {
				return fmt.Errorf("drop filtered %s: %w", g.ID, err)
			}
			if err := l.deps.Store.MarkProcessed(ctx, l.account, g.ID, l.deps.Clock.Now()); err != nil {
				return fmt.Errorf("mark filtered %s: %w", g.ID, err)
			}
			rejected++
			continue
		}
		if err := l.deps.Store.SavePending(ctx, l.account, g); err != nil {
			return fmt.Errorf("save pending %s: %w", g.ID, err)
		}
		queued++
	}
	if err := run.Err(); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) || ctx.Err() != nil {
			return err
		}
		log.Warn().Err(err).Msg("session: выдача прочитана не полностью")
	}
	log.Info().Int("queued", queued).Int("rejected", rejected).Msg("session: поиск завершён")
	return nil
}

func (l *Loop) fulfillPending(ctx context.Context, log zerolog.Logger) error {
	pending, err := l.deps.Store.ListPending(ctx, l.account)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	succeeded := 0
	for _, g := range pending {
		outcome, err := l.deps.Fulfiller.Fulfill(ctx, g)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) || ctx.Err() != nil {
				return err
			}
			log.Warn().Err(err).Str("giveaway_id", g.ID).Dur("cooldown", l.cfg.ErrorCooldown).Msg("session: розыгрыш остаётся в очереди, пауза")
			if err := l.deps.Clock.Sleep(ctx, l.cfg.ErrorCooldown); err != nil {
				return err
			}
			continue
		}
		if outcome.Success {
			succeeded++
			l.notify(ctx, fmt.Sprintf("%s: участие в розыгрыше %s подтверждено", l.account, g.DisplayName()))
		}
	}
	log.Info().Int("pending", len(pending)).Int("succeeded", succeeded).Msg("session: очередь обработана")
	return nil
}

// cleanupStaleJoins убирает неподтверждённые вступления, оставшиеся с прошлого запуска.
func (l *Loop) cleanupStaleJoins(ctx context.Context) {
	if l.cfg.LeaveStaleJoins {
		stale, err := l.deps.Store.ListSpeculativeMemberships(ctx, l.account)
		if err != nil {
			l.log.Warn().Err(err).Msg("session: не удалось получить неподтверждённые вступления")
		}
		for _, m := range stale {
			_, err := l.deps.Actions.Perform(ctx, domain.ActionUnsubscribe, func(ctx context.Context) (bool, error) {
				return l.deps.Transport.LeaveChannel(ctx, m.Channel)
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.log.Warn().Err(err).Str("channel", m.Channel).Msg("session: не удалось покинуть канал")
			}
		}
	}
	n, err := l.deps.Store.PurgeSpeculativeMemberships(ctx, l.account)
	if err != nil {
		l.log.Warn().Err(err).Msg("session: не удалось удалить неподтверждённые вступления")
		return
	}
	if n > 0 {
		l.log.Info().Int64("purged", n).Msg("session: неподтверждённые вступления удалены")
	}
}

func (l *Loop) stopUnauthorized(ctx context.Context, err error) error {
	metrics.SessionsUnauthorized.Inc()
	l.log.Error().Err(err).Msg("session: авторизация потеряна, сессия остановлена")
	l.notify(ctx, fmt.Sprintf("%s: сессия остановлена, требуется повторная авторизация", l.account))
	return err
}

func (l *Loop) notify(ctx context.Context, text string) {
	if err := l.deps.Notifier.Notify(ctx, text); err != nil {
		l.log.Warn().Err(err).Msg("session: уведомление не отправлено")
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string) error { return nil }
