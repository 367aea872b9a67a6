package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-giveaway-farmer/internal/adapters/repo"
	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
	"tg-giveaway-farmer/internal/usecase/governor"
)

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type leaveStub struct {
	left []string
	fail map[string]error
}

func (l *leaveStub) AcquireCredential(context.Context, string) (string, error) { return "", nil }

func (l *leaveStub) JoinChannel(context.Context, string) (bool, error) { return true, nil }

func (l *leaveStub) LeaveChannel(_ context.Context, channel string) (bool, error) {
	l.left = append(l.left, channel)
	if err := l.fail[channel]; err != nil {
		return false, err
	}
	return true, nil
}

type failingMemberships struct {
	domain.MembershipRepo
}

func (failingMemberships) ListInactiveMemberships(context.Context, string, time.Time) ([]domain.ChannelMembership, error) {
	return nil, errors.New("db down")
}

func newReaper(store domain.MembershipRepo, tr *leaveStub, clk *clock.Fake) *Reaper {
	gov := governor.New("acc", governor.Options{Limits: map[domain.ActionType]int{domain.ActionUnsubscribe: 40}}, nil, clk, zerolog.Nop())
	return New("acc", store, tr, gov, clk, Config{InactivityThreshold: 72 * time.Hour, Interval: time.Hour}, zerolog.Nop())
}

func TestSweepLeavesOnlyConfirmedIdleChannels(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory(domain.LedgerGlobal)
	require.NoError(t, store.MarkParticipation(ctx, "acc", "old_chan", now.Add(-100*time.Hour)))
	require.NoError(t, store.MarkParticipation(ctx, "acc", "broken_chan", now.Add(-90*time.Hour)))
	require.NoError(t, store.MarkParticipation(ctx, "acc", "fresh_chan", now.Add(-time.Hour)))
	require.NoError(t, store.SaveMembership(ctx, "acc", "probe_chan", now.Add(-200*time.Hour)))

	tr := &leaveStub{fail: map[string]error{"broken_chan": errors.New("CHANNEL_INVALID")}}
	r := newReaper(store, tr, clock.NewFake(now))

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ElementsMatch(t, []string{"old_chan", "broken_chan"}, tr.left)

	_, err = store.GetMembership(ctx, "acc", "old_chan")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.GetMembership(ctx, "acc", "broken_chan")
	assert.NoError(t, err)
	_, err = store.GetMembership(ctx, "acc", "probe_chan")
	assert.NoError(t, err)
}

func TestSweepIsGatedByInterval(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory(domain.LedgerGlobal)
	clk := clock.NewFake(now)
	tr := &leaveStub{}
	r := newReaper(store, tr, clk)

	_, err := r.Sweep(ctx)
	require.NoError(t, err)

	require.NoError(t, store.MarkParticipation(ctx, "acc", "old_chan", now.Add(-100*time.Hour)))
	clk.Advance(30 * time.Minute)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, tr.left)

	clk.Advance(31 * time.Minute)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepRecordsTimestampOnError(t *testing.T) {
	clk := clock.NewFake(now)
	r := newReaper(failingMemberships{}, &leaveStub{}, clk)

	_, err := r.Sweep(context.Background())
	require.Error(t, err)

	clk.Advance(time.Minute)
	n, err := r.Sweep(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}
