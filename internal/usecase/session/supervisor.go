package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
	"tg-giveaway-farmer/internal/infra/metrics"
)

// RunFunc — полностью собранный цикл одного аккаунта.
type RunFunc func(ctx context.Context) error

// Factory собирает цикл для аккаунта.
type Factory func(ctx context.Context, account domain.Account) (RunFunc, error)

// RetentionStore — то, что чистит фоновая задача хранения.
type RetentionStore interface {
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
	PurgeChannelCooldowns(ctx context.Context, before time.Time) (int64, error)
}

// SupervisorConfig задаёт чёрный список и расписание чистки.
type SupervisorConfig struct {
	Blacklisted        func(name string) bool
	ProcessedRetention time.Duration
	RetentionInterval  time.Duration
}

// Supervisor запускает независимые циклы аккаунтов. Падение или остановка
// одного цикла не затрагивает остальные.
type Supervisor struct {
	factory Factory
	store   RetentionStore
	clock   clock.Clock
	cfg     SupervisorConfig
	log     zerolog.Logger
}

// NewSupervisor создаёт супервизор.
func NewSupervisor(factory Factory, store RetentionStore, clk clock.Clock, cfg SupervisorConfig, log zerolog.Logger) *Supervisor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Supervisor{
		factory: factory,
		store:   store,
		clock:   clk,
		cfg:     cfg,
		log:     log.With().Str("component", "supervisor").Logger(),
	}
}

// Run запускает циклы всех аккаунтов и ждёт их завершения.
func (s *Supervisor) Run(ctx context.Context, accounts []domain.Account) error {
	var wg sync.WaitGroup
	started := 0
	for _, account := range accounts {
		if s.cfg.Blacklisted != nil && s.cfg.Blacklisted(account.Name) {
			s.log.Info().Str("account", account.Name).Msg("supervisor: сессия в чёрном списке, пропускаем")
			continue
		}
		run, err := s.factory(ctx, account)
		if err != nil {
			s.log.Error().Err(err).Str("account", account.Name).Msg("supervisor: не удалось собрать цикл аккаунта")
			continue
		}
		started++
		wg.Add(1)
		go func(name string, run RunFunc) {
			defer wg.Done()
			s.runAccount(ctx, name, run)
		}(account.Name, run)
	}
	if started == 0 {
		return errors.New("no sessions started")
	}
	s.log.Info().Int("sessions", started).Msg("supervisor: сессии запущены")

	retentionCtx, stopRetention := context.WithCancel(ctx)
	retentionDone := make(chan struct{})
	go func() {
		defer close(retentionDone)
		s.retentionLoop(retentionCtx)
	}()

	wg.Wait()
	stopRetention()
	<-retentionDone
	s.log.Info().Msg("supervisor: все сессии завершены")
	return nil
}

func (s *Supervisor) runAccount(ctx context.Context, name string, run RunFunc) {
	log := s.log.With().Str("account", name).Logger()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("supervisor: паника в цикле аккаунта")
		}
	}()

	err := run(ctx)
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		log.Info().Msg("supervisor: сессия завершена")
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrSessionNotAuthorized):
		log.Error().Err(err).Msg("supervisor: сессия остановлена без авторизации")
	default:
		log.Error().Err(err).Msg("supervisor: сессия завершилась с ошибкой")
	}
}

func (s *Supervisor) retentionLoop(ctx context.Context) {
	if s.store == nil || s.cfg.RetentionInterval <= 0 {
		return
	}
	for {
		s.PurgeOnce(ctx)
		if s.clock.Sleep(ctx, s.cfg.RetentionInterval) != nil {
			return
		}
	}
}

// PurgeOnce удаляет устаревшие записи журнала и истёкшие таймауты каналов.
func (s *Supervisor) PurgeOnce(ctx context.Context) {
	now := s.clock.Now()
	if s.cfg.ProcessedRetention > 0 {
		n, err := s.store.PurgeProcessed(ctx, now.Add(-s.cfg.ProcessedRetention))
		if err != nil {
			s.log.Warn().Err(err).Msg("supervisor: не удалось очистить журнал")
		} else if n > 0 {
			s.log.Info().Int64("removed", n).Msg("supervisor: журнал очищен")
		}
	}
	n, err := s.store.PurgeChannelCooldowns(ctx, now)
	if err != nil {
		s.log.Warn().Err(err).Msg("supervisor: не удалось очистить таймауты каналов")
	} else if n > 0 {
		s.log.Info().Int64("removed", n).Msg("supervisor: таймауты каналов очищены")
	}
}
