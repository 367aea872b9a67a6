package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
)

func newGovernor(clk *clock.Fake, limit int) *Governor {
	return New("acc", Options{
		Limits: map[domain.ActionType]int{
			domain.ActionSubscribe:   limit,
			domain.ActionUnsubscribe: limit,
		},
		MaxJitter:    2 * time.Second,
		FloodRetries: 2,
	}, nil, clk, zerolog.Nop())
}

func TestAwaitSlotWaitsForNextMinuteOn41stSubscribe(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	g := newGovernor(clk, 40)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		require.NoError(t, g.AwaitSlot(ctx, domain.ActionSubscribe))
		clk.Advance(500 * time.Millisecond)
	}
	assert.Empty(t, clk.Sleeps())

	before := clk.Now()
	toNextMinute := before.Truncate(time.Minute).Add(time.Minute).Sub(before)
	require.NoError(t, g.AwaitSlot(ctx, domain.ActionSubscribe))

	sleeps := clk.Sleeps()
	require.Len(t, sleeps, 1)
	assert.GreaterOrEqual(t, clk.Now().Sub(before), toNextMinute)
	assert.LessOrEqual(t, sleeps[0], toNextMinute+2*time.Second)
}

func TestAwaitSlotNeverExceedsLimitWithinWindow(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 45, 0, time.UTC)
	clk := clock.NewFake(start)
	g := newGovernor(clk, 3)
	ctx := context.Background()

	var granted []time.Time
	for i := 0; i < 10; i++ {
		require.NoError(t, g.AwaitSlot(ctx, domain.ActionSubscribe))
		granted = append(granted, clk.Now())
		clk.Advance(time.Second)
	}
	for i := range granted {
		inWindow := 0
		for j := range granted {
			d := granted[j].Sub(granted[i])
			if d >= 0 && d < time.Minute {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, 3, "окно от %s", granted[i])
	}
}

func TestActionTypesAreIndependent(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	g := newGovernor(clk, 1)
	ctx := context.Background()

	require.NoError(t, g.AwaitSlot(ctx, domain.ActionSubscribe))
	require.NoError(t, g.AwaitSlot(ctx, domain.ActionUnsubscribe))
	assert.Empty(t, clk.Sleeps())
}

func TestWindowResetsLazily(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	g := newGovernor(clk, 1)
	ctx := context.Background()

	require.NoError(t, g.AwaitSlot(ctx, domain.ActionSubscribe))
	clk.Advance(61 * time.Second)
	require.NoError(t, g.AwaitSlot(ctx, domain.ActionSubscribe))
	assert.Empty(t, clk.Sleeps())
}

func TestAwaitSlotHonoursCancellation(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	g := newGovernor(clk, 1)
	require.NoError(t, g.AwaitSlot(context.Background(), domain.ActionSubscribe))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.AwaitSlot(ctx, domain.ActionSubscribe), context.Canceled)
}

func TestPerformRetriesFloodWait(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	g := newGovernor(clk, 0)

	calls := 0
	ok, err := g.Perform(context.Background(), domain.ActionSubscribe, func(context.Context) (bool, error) {
		calls++
		if calls == 1 {
			return false, &domain.FloodWaitError{Wait: 17 * time.Second}
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{17 * time.Second}, clk.Sleeps())
}

func TestPerformGivesUpAfterFloodRetries(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	g := newGovernor(clk, 0)

	calls := 0
	ok, err := g.Perform(context.Background(), domain.ActionUnsubscribe, func(context.Context) (bool, error) {
		calls++
		return false, &domain.FloodWaitError{Wait: time.Second}
	})
	assert.False(t, ok)
	_, isFlood := domain.AsFloodWait(err)
	assert.True(t, isFlood)
	assert.Equal(t, 3, calls)
}

type brokenStore struct{}

func (brokenStore) LoadWindow(context.Context, string, domain.ActionType) (domain.RateWindow, error) {
	return domain.RateWindow{}, errors.New("redis down")
}

func (brokenStore) SaveWindow(context.Context, string, domain.ActionType, domain.RateWindow) error {
	return errors.New("redis down")
}

func TestGovernorFallsBackToLocalWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC))
	g := New("acc", Options{Limits: map[domain.ActionType]int{domain.ActionSubscribe: 1}}, brokenStore{}, clk, zerolog.Nop())

	require.NoError(t, g.AwaitSlot(context.Background(), domain.ActionSubscribe))
	require.NoError(t, g.AwaitSlot(context.Background(), domain.ActionSubscribe))
	require.Len(t, clk.Sleeps(), 1)
	assert.Equal(t, 60*time.Second, clk.Sleeps()[0])
}
