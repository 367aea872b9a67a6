package fulfill

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-giveaway-farmer/internal/domain"
)

func assertFinalized(t *testing.T, h *harness, id string) {
	t.Helper()
	ctx := context.Background()
	processed, err := h.store.IsProcessed(ctx, "acc", id)
	require.NoError(t, err)
	assert.True(t, processed, "%s должен быть в журнале", id)
	pending, err := h.store.ListPending(ctx, "acc")
	require.NoError(t, err)
	for _, g := range pending {
		assert.NotEqual(t, id, g.ID, "%s не должен оставаться в очереди", id)
	}
}

func TestFulfillG1Scenario(t *testing.T) {
	h := newHarness(defaultValidatorConfig(), Config{})
	ctx := context.Background()
	g1 := domain.Giveaway{ID: "G1", Title: "Plush", ParticipantsCount: 50, RequiredChannels: []string{"@chan1"}}
	require.NoError(t, h.store.SavePending(ctx, "acc", g1))

	h.remote.validations = []domain.Validations{
		{},
		memberValidations(domain.ValidationPending, "chan1"),
		memberValidations(domain.ValidationValidated, "chan1"),
	}

	outcome, err := h.fulfiller.Fulfill(ctx, g1)
	require.NoError(t, err)
	assert.True(t, outcome.Success, outcome.Message)
	assert.Equal(t, []string{"@chan1"}, h.transport.joined)
	assert.Equal(t, []string{"G1"}, h.remote.buyCalls)
	assertFinalized(t, h, "G1")
}

func TestFulfillUnexpectedErrorKeepsPending(t *testing.T) {
	h := newHarness(defaultValidatorConfig(), Config{})
	ctx := context.Background()
	g := domain.Giveaway{ID: "g2"}
	require.NoError(t, h.store.SavePending(ctx, "acc", g))
	h.remote.validationErrs = []error{errors.New("connection reset")}

	_, err := h.fulfiller.Fulfill(ctx, g)
	require.Error(t, err)

	processed, _ := h.store.IsProcessed(ctx, "acc", "g2")
	assert.False(t, processed)
	pending, _ := h.store.ListPending(ctx, "acc")
	require.Len(t, pending, 1)
}

func TestFulfillPolicyRejectionsAreFinalized(t *testing.T) {
	cases := []struct {
		name   string
		cfg    Config
		v      domain.Validations
		remote func(r *remoteStub)
	}{
		{name: "premium", cfg: Config{RequirePremium: true}, v: domain.Validations{}},
		{name: "active trader", cfg: Config{RequireActiveTrader: true}, v: domain.Validations{IsPremium: true}},
		{
			name: "boost",
			cfg:  Config{RequireChannelBoost: true},
			v: domain.Validations{ChannelValidations: []domain.ChannelValidation{
				{Channel: "chan1", IsMember: domain.ValidationValidated, IsBoost: domain.ValidationPending},
			}},
		},
		{
			name: "validations 404",
			remote: func(r *remoteStub) {
				r.validationErrs = []error{&domain.RequestError{Status: http.StatusNotFound}}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(defaultValidatorConfig(), tc.cfg)
			h.remote.validations = []domain.Validations{tc.v}
			if tc.remote != nil {
				tc.remote(h.remote)
			}
			g := domain.Giveaway{ID: "g"}
			require.NoError(t, h.store.SavePending(context.Background(), "acc", g))

			outcome, err := h.fulfiller.Fulfill(context.Background(), g)
			require.NoError(t, err)
			assert.False(t, outcome.Success)
			assert.Empty(t, h.remote.buyCalls)
			assert.Empty(t, h.transport.joined)
			assertFinalized(t, h, "g")
		})
	}
}

func TestFulfillAbortsOnFirstChannelFailure(t *testing.T) {
	cfg := defaultValidatorConfig()
	cfg.SkipSubscribeRequired = true
	h := newHarness(cfg, Config{})
	h.remote.validations = []domain.Validations{{
		ChannelValidations: []domain.ChannelValidation{
			{Channel: "ok_chan", IsMember: domain.ValidationValidated},
			{Channel: "bad_chan", IsMember: domain.ValidationPending},
		},
	}}
	g := domain.Giveaway{ID: "g", RequiredChannels: []string{"third_chan"}}

	outcome, err := h.fulfiller.Fulfill(context.Background(), g)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Message, "bad_chan")
	assert.Empty(t, h.remote.buyCalls)
	assertFinalized(t, h, "g")
}

func TestFulfillPurchaseRejectedIsFinalized(t *testing.T) {
	h := newHarness(defaultValidatorConfig(), Config{})
	h.remote.buyErr = &domain.RequestError{Status: http.StatusConflict, Body: "already joined"}

	outcome, err := h.fulfiller.Fulfill(context.Background(), domain.Giveaway{ID: "g"})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assertFinalized(t, h, "g")
}

func TestFulfillPurchaseWithoutValidationIsCaveat(t *testing.T) {
	h := newHarness(defaultValidatorConfig(), Config{})
	h.remote.validations = []domain.Validations{
		{},
		{Status: domain.ValidationPending},
	}

	outcome, err := h.fulfiller.Fulfill(context.Background(), domain.Giveaway{ID: "g"})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, []string{"g"}, h.remote.buyCalls)
	assertFinalized(t, h, "g")
}

func TestFulfillUnauthorizedPropagates(t *testing.T) {
	h := newHarness(defaultValidatorConfig(), Config{})
	h.remote.buyErr = domain.ErrUnauthorized

	_, err := h.fulfiller.Fulfill(context.Background(), domain.Giveaway{ID: "g"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	processed, _ := h.store.IsProcessed(context.Background(), "acc", "g")
	assert.False(t, processed)
}

func TestChannelRequirementsUnion(t *testing.T) {
	v := domain.Validations{ChannelValidations: []domain.ChannelValidation{
		{Channel: "chan1", IsMember: domain.ValidationValidated},
		{Channel: "chan2"},
	}}
	g := domain.Giveaway{RequiredChannels: []string{"@Chan1", "chan3", "t.me/chan2"}}

	reqs := channelRequirements(v, g)
	require.Len(t, reqs, 3)
	assert.Equal(t, "chan1", reqs[0].Channel)
	assert.Equal(t, domain.ValidationValidated, reqs[0].IsMember)
	assert.Equal(t, "chan2", reqs[1].Channel)
	assert.Equal(t, domain.ValidationUnknown, reqs[1].IsMember)
	assert.Equal(t, "chan3", reqs[2].Channel)
}
