package fulfill

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/adapters/repo"
	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
	"tg-giveaway-farmer/internal/usecase/governor"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type remoteStub struct {
	mu              sync.Mutex
	validations     []domain.Validations
	validationErrs  []error
	validationCalls int
	startCalls      []string
	startErr        error
	buyCalls        []string
	buyErr          error
}

// GetValidations отдаёт ответы по очереди; последний повторяется.
func (r *remoteStub) GetValidations(_ context.Context, _ string) (domain.Validations, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.validationCalls
	r.validationCalls++
	if i < len(r.validationErrs) && r.validationErrs[i] != nil {
		return domain.Validations{}, r.validationErrs[i]
	}
	if len(r.validations) == 0 {
		return domain.Validations{}, nil
	}
	if i >= len(r.validations) {
		i = len(r.validations) - 1
	}
	return r.validations[i], nil
}

func (r *remoteStub) StartValidation(_ context.Context, giveawayID, channel string, _ domain.ValidationKind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startCalls = append(r.startCalls, giveawayID+"/"+channel)
	if r.startErr != nil {
		return "Failed", r.startErr
	}
	return "Success", nil
}

func (r *remoteStub) BuyTicket(_ context.Context, giveawayID string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buyCalls = append(r.buyCalls, giveawayID)
	if r.buyErr != nil {
		return nil, r.buyErr
	}
	return map[string]any{"ok": true}, nil
}

func (r *remoteStub) ListGiveaways(context.Context, string, int, string) (domain.GiveawayPage, error) {
	return domain.GiveawayPage{}, nil
}

func (r *remoteStub) GetBalance(context.Context) (domain.Balance, error) { return domain.Balance{}, nil }

func (r *remoteStub) GetGiftInventory(context.Context) (map[string]any, error) { return nil, nil }

func (r *remoteStub) GetProfile(context.Context) (domain.Profile, error) { return domain.Profile{}, nil }

type transportStub struct {
	joined  []string
	joinOK  bool
	joinErr error
}

func (t *transportStub) AcquireCredential(context.Context, string) (string, error) { return "cred", nil }

func (t *transportStub) JoinChannel(_ context.Context, channel string) (bool, error) {
	t.joined = append(t.joined, channel)
	return t.joinOK, t.joinErr
}

func (t *transportStub) LeaveChannel(context.Context, string) (bool, error) { return true, nil }

type harness struct {
	store     *repo.Memory
	remote    *remoteStub
	transport *transportStub
	clock     *clock.Fake
	validator *Validator
	fulfiller *Fulfiller
}

func newHarness(vcfg ValidatorConfig, fcfg Config) *harness {
	h := &harness{
		store:     repo.NewMemory(domain.LedgerGlobal),
		remote:    &remoteStub{},
		transport: &transportStub{joinOK: true},
		clock:     clock.NewFake(testNow),
	}
	gov := governor.New("acc", governor.Options{Limits: map[domain.ActionType]int{domain.ActionSubscribe: 40}}, nil, h.clock, zerolog.Nop())
	h.validator = NewValidator("acc", h.store, h.remote, h.transport, gov, h.clock, vcfg, zerolog.Nop())
	h.fulfiller = NewFulfiller("acc", h.store, h.remote, h.validator, h.clock, fcfg, zerolog.Nop())
	return h
}

func memberValidations(status domain.ValidationStatus, channels ...string) domain.Validations {
	v := domain.Validations{}
	for _, ch := range channels {
		v.ChannelValidations = append(v.ChannelValidations, domain.ChannelValidation{Channel: ch, IsMember: status, IsBoost: domain.ValidationUnknown})
	}
	return v
}
