// Package governor ограничивает частоту вступлений в каналы и выходов из них.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
	"tg-giveaway-farmer/internal/infra/metrics"
)

const window = time.Minute

// Options настраивает ограничитель.
type Options struct {
	// Limits — максимум действий каждого типа за окно. Ноль снимает ограничение.
	Limits map[domain.ActionType]int
	// MaxJitter — верхняя граница случайной добавки к ожиданию.
	MaxJitter time.Duration
	// FloodRetries — сколько раз Perform повторяет действие после FLOOD_WAIT.
	FloodRetries int
}

// Governor выдаёт слоты на действия одного аккаунта. Окно длиной в минуту
// сбрасывается лениво, при первом запросе после его истечения.
type Governor struct {
	account string
	opts    Options
	store   domain.WindowStore
	clock   clock.Clock
	log     zerolog.Logger

	mu    sync.Mutex
	local map[domain.ActionType]domain.RateWindow
}

// New создаёт ограничитель. Если store == nil, окна живут только в памяти.
func New(account string, opts Options, store domain.WindowStore, clk clock.Clock, log zerolog.Logger) *Governor {
	if store == nil {
		store = NewMemoryWindowStore()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Governor{
		account: account,
		opts:    opts,
		store:   store,
		clock:   clk,
		log:     log.With().Str("component", "governor").Str("account", account).Logger(),
		local:   make(map[domain.ActionType]domain.RateWindow),
	}
}

// AwaitSlot блокирует вызывающего, пока не освободится слот. Ошибка возвращается
// только при отмене контекста.
func (g *Governor) AwaitSlot(ctx context.Context, action domain.ActionType) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit := g.opts.Limits[action]
	for {
		now := g.clock.Now()
		w := g.load(ctx, action)
		if w.Start.IsZero() || now.Sub(w.Start) >= window {
			w = domain.RateWindow{Start: now}
		}
		if limit <= 0 || w.Count < limit {
			w.Count++
			g.save(ctx, action, w)
			return nil
		}

		resume := now.Truncate(window).Add(window)
		if windowEnd := w.Start.Add(window); windowEnd.After(resume) {
			resume = windowEnd
		}
		wait := resume.Sub(now) + clock.Uniform(0, g.opts.MaxJitter)
		g.log.Info().
			Str("action", string(action)).
			Int("limit", limit).
			Dur("wait", wait).
			Msg("governor: лимит действий за минуту исчерпан, ждём следующего окна")
		metrics.GovernorWaitSeconds.WithLabelValues(string(action)).Observe(wait.Seconds())
		if err := g.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Perform получает слот и выполняет действие. На FLOOD_WAIT выжидает указанное
// провайдером время и повторяет, не больше FloodRetries раз.
func (g *Governor) Perform(ctx context.Context, action domain.ActionType, fn func(ctx context.Context) (bool, error)) (bool, error) {
	for attempt := 0; ; attempt++ {
		if err := g.AwaitSlot(ctx, action); err != nil {
			return false, err
		}
		ok, err := fn(ctx)
		wait, isFlood := domain.AsFloodWait(err)
		if !isFlood {
			metrics.ObserveChannelAction(string(action), ok, err)
			return ok, err
		}
		if attempt >= g.opts.FloodRetries {
			g.log.Warn().Str("action", string(action)).Dur("wait", wait).Msg("governor: FLOOD_WAIT, попытки исчерпаны")
			metrics.ObserveChannelAction(string(action), false, err)
			return false, err
		}
		g.log.Warn().Str("action", string(action)).Dur("wait", wait).Int("attempt", attempt+1).Msg("governor: FLOOD_WAIT, ждём и повторяем")
		if err := g.clock.Sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

func (g *Governor) load(ctx context.Context, action domain.ActionType) domain.RateWindow {
	w, err := g.store.LoadWindow(ctx, g.account, action)
	if err != nil {
		g.log.Warn().Err(err).Str("action", string(action)).Msg("governor: окно недоступно, используем локальное")
		return g.local[action]
	}
	return w
}

func (g *Governor) save(ctx context.Context, action domain.ActionType, w domain.RateWindow) {
	g.local[action] = w
	if err := g.store.SaveWindow(ctx, g.account, action, w); err != nil {
		g.log.Warn().Err(err).Str("action", string(action)).Msg("governor: не удалось сохранить окно")
	}
}

// MemoryWindowStore хранит окна в памяти процесса; перезапуск их сбрасывает.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]domain.RateWindow
}

var _ domain.WindowStore = (*MemoryWindowStore)(nil)

// NewMemoryWindowStore создаёт пустое хранилище.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[string]domain.RateWindow)}
}

func (s *MemoryWindowStore) LoadWindow(_ context.Context, account string, action domain.ActionType) (domain.RateWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[account+"/"+string(action)], nil
}

func (s *MemoryWindowStore) SaveWindow(_ context.Context, account string, action domain.ActionType, w domain.RateWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[account+"/"+string(action)] = w
	return nil
}
