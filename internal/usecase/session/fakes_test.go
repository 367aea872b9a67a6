package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/adapters/repo"
	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
	"tg-giveaway-farmer/internal/usecase/discovery"
	"tg-giveaway-farmer/internal/usecase/eligibility"
	"tg-giveaway-farmer/internal/usecase/governor"
)

var testNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type remoteStub struct {
	pages      map[string]domain.GiveawayPage
	listCalls  int
	profileErr error
}

func (r *remoteStub) ListGiveaways(_ context.Context, _ string, _ int, cursor string) (domain.GiveawayPage, error) {
	r.listCalls++
	return r.pages[cursor], nil
}

func (r *remoteStub) GetValidations(context.Context, string) (domain.Validations, error) {
	return domain.Validations{}, nil
}

func (r *remoteStub) StartValidation(context.Context, string, string, domain.ValidationKind) (string, error) {
	return "Success", nil
}

func (r *remoteStub) BuyTicket(context.Context, string) (map[string]any, error) { return nil, nil }

func (r *remoteStub) GetBalance(context.Context) (domain.Balance, error) {
	return domain.Balance{Hard: 2_500_000_000}, nil
}

func (r *remoteStub) GetGiftInventory(context.Context) (map[string]any, error) {
	return map[string]any{"total": 0}, nil
}

func (r *remoteStub) GetProfile(context.Context) (domain.Profile, error) {
	if r.profileErr != nil {
		return domain.Profile{}, r.profileErr
	}
	return domain.Profile{ID: 42, Username: "farmer"}, nil
}

type authStub struct {
	err   error
	calls int
}

func (a *authStub) Authenticate(context.Context) error {
	a.calls++
	return a.err
}

type fulfillerStub struct {
	store *repo.Memory
	seen  []string
	err   error
}

func (f *fulfillerStub) Fulfill(ctx context.Context, g domain.Giveaway) (domain.Outcome, error) {
	f.seen = append(f.seen, g.ID)
	if f.err != nil {
		return domain.Outcome{}, f.err
	}
	if err := f.store.DeletePending(ctx, "acc", g.ID); err != nil {
		return domain.Outcome{}, err
	}
	if err := f.store.MarkProcessed(ctx, "acc", g.ID, testNow); err != nil {
		return domain.Outcome{}, err
	}
	return domain.Outcome{Success: true}, nil
}

// sweeperStub отменяет контекст на stopAfter-м вызове, завершая цикл.
type sweeperStub struct {
	calls     int
	stopAfter int
	cancel    context.CancelFunc
}

func (s *sweeperStub) Sweep(context.Context) (int, error) {
	s.calls++
	if s.calls >= s.stopAfter {
		s.cancel()
	}
	return 0, nil
}

type leaveStub struct {
	left []string
}

func (l *leaveStub) AcquireCredential(context.Context, string) (string, error) { return "", nil }

func (l *leaveStub) JoinChannel(context.Context, string) (bool, error) { return true, nil }

func (l *leaveStub) LeaveChannel(_ context.Context, channel string) (bool, error) {
	l.left = append(l.left, channel)
	return true, nil
}

type notifierStub struct {
	mu       sync.Mutex
	messages []string
}

func (n *notifierStub) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return nil
}

// flakyStore отказывает в чтении очереди первые failures раз.
type flakyStore struct {
	*repo.Memory
	failures int
}

func (s *flakyStore) ListPending(ctx context.Context, account string) ([]domain.Giveaway, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection refused")
	}
	return s.Memory.ListPending(ctx, account)
}

type loopHarness struct {
	store     *repo.Memory
	remote    *remoteStub
	auth      *authStub
	fulfiller *fulfillerStub
	sweeper   *sweeperStub
	transport *leaveStub
	notifier  *notifierStub
	clock     *clock.Fake
	cfg       Config
}

func newLoopHarness(cancel context.CancelFunc) *loopHarness {
	store := repo.NewMemory(domain.LedgerGlobal)
	return &loopHarness{
		store:     store,
		remote:    &remoteStub{pages: map[string]domain.GiveawayPage{}},
		auth:      &authStub{},
		fulfiller: &fulfillerStub{store: store},
		sweeper:   &sweeperStub{stopAfter: 1, cancel: cancel},
		transport: &leaveStub{},
		notifier:  &notifierStub{},
		clock:     clock.NewFake(testNow),
		cfg: Config{
			StartDelay:    10 * time.Second,
			CycleDelay:    10 * time.Second,
			CycleJitter:   5 * time.Second,
			ErrorCooldown: time.Minute,
			Criteria:      domain.ListCriteria{Type: "Free", PageSize: 50, MaxPerRun: 100},
		},
	}
}

func (h *loopHarness) loop(store domain.StateStore) *Loop {
	gov := governor.New("acc", governor.Options{Limits: map[domain.ActionType]int{domain.ActionUnsubscribe: 40}}, nil, h.clock, zerolog.Nop())
	return NewLoop("acc", Deps{
		Store:     store,
		Remote:    h.remote,
		Auth:      h.auth,
		Transport: h.transport,
		Actions:   gov,
		Collector: discovery.New("acc", h.remote, store, zerolog.Nop()),
		Filter:    eligibility.New(eligibility.Config{MaxParticipants: 100}),
		Fulfiller: h.fulfiller,
		Reaper:    h.sweeper,
		Notifier:  h.notifier,
		Clock:     h.clock,
	}, h.cfg, zerolog.Nop())
}
