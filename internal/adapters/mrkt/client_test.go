package mrkt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
)

type credentialStub struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) bool
}

func (c *credentialStub) AcquireCredential(_ context.Context, refID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail != nil && c.fail(c.calls) {
		return "", errors.New("webview unavailable")
	}
	return "query_id=1&ref=" + refID, nil
}

// fakeAPI выдаёт токен token-N на N-й вызов /auth и пускает только с действующим токеном.
type fakeAPI struct {
	authCalls    atomic.Int32
	balanceCalls atomic.Int32
	validToken   atomic.Value
	onBalance    func(w http.ResponseWriter, r *http.Request) bool
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["data"] == "" || body["data"] == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := f.authCalls.Add(1)
		token := "token-" + string(rune('0'+n))
		f.validToken.Store(token)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": token})
	})
	mux.HandleFunc("/balance", func(w http.ResponseWriter, r *http.Request) {
		f.balanceCalls.Add(1)
		if f.onBalance != nil && f.onBalance(w, r) {
			return
		}
		if r.Header.Get("Authorization") != f.validToken.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"hard": 1500000000})
	})
	mux.HandleFunc("/giveaways", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") != "Free" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"id":                    "g1",
					"participantsCount":     50,
					"isChanelBoostRequired": true,
					"previewGift":           map[string]any{"title": "Plush Pepe", "collectionName": "pepe"},
					"channels":              []string{"@chan1", "chan2"},
					"requiredChannels":      []map[string]any{{"channel": "Chan1"}, {"username": "chan3"}},
				},
				{"participantsCount": 1},
			},
			"nextCursor": "c2",
		})
	})
	mux.HandleFunc("/giveaways/check-validations/g1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"isPremium": true,
			"channelValidations": []map[string]any{
				{"channel": "chan1", "isMember": "Validated", "isBoosted": "Pending"},
				{"channel": "chan2", "isMember": "Weird"},
			},
		})
	})
	mux.HandleFunc("/giveaways/buy-tickets/g1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Query().Get("count") != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"already joined"}`))
	})
	return mux
}

func newTestClient(t *testing.T, api *fakeAPI, creds *credentialStub, retries int) (*Client, *clock.Fake) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	c := NewClient(Options{
		BaseURL:  srv.URL,
		Origin:   "https://cdn.tgmrkt.io",
		RefID:    "ref42",
		Retries:  retries,
		DelayMin: time.Second,
		DelayMax: 3 * time.Second,
	}, creds, clk, zerolog.Nop())
	return c, clk
}

func TestRequestReauthenticatesOnUnauthorized(t *testing.T) {
	api := &fakeAPI{}
	creds := &credentialStub{}
	c, _ := newTestClient(t, api, creds, 1)
	require.NoError(t, c.Authenticate(context.Background()))

	// токен протух на стороне сервера
	api.validToken.Store("rotated")

	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1500000000), bal.Hard)
	assert.InDelta(t, 1.5, bal.TON(), 1e-9)
	assert.Equal(t, 2, creds.calls)
	assert.EqualValues(t, 2, api.balanceCalls.Load())
}

func TestRequestUnauthorizedWhenReauthFails(t *testing.T) {
	api := &fakeAPI{}
	creds := &credentialStub{fail: func(call int) bool { return call > 1 }}
	c, _ := newTestClient(t, api, creds, 1)
	require.NoError(t, c.Authenticate(context.Background()))
	api.validToken.Store("rotated")

	_, err := c.GetBalance(context.Background())
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.EqualValues(t, 1, api.balanceCalls.Load())
}

func TestRequestUnauthorizedWhenRejectedAfterReauth(t *testing.T) {
	api := &fakeAPI{onBalance: func(w http.ResponseWriter, _ *http.Request) bool {
		w.WriteHeader(http.StatusUnauthorized)
		return true
	}}
	creds := &credentialStub{}
	c, _ := newTestClient(t, api, creds, 2)

	_, err := c.GetBalance(context.Background())
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.EqualValues(t, 2, api.balanceCalls.Load())
	assert.Equal(t, 2, creds.calls)
}

func TestRequestReauthenticatesWithoutRetries(t *testing.T) {
	api := &fakeAPI{}
	creds := &credentialStub{}
	c, _ := newTestClient(t, api, creds, 0)
	require.NoError(t, c.Authenticate(context.Background()))
	api.validToken.Store("rotated")

	_, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, creds.calls)
	assert.EqualValues(t, 2, api.balanceCalls.Load())
}

func TestRequestReauthenticatesAfterNetworkError(t *testing.T) {
	api := &fakeAPI{}
	api.onBalance = func(_ http.ResponseWriter, _ *http.Request) bool {
		if api.balanceCalls.Load() == 1 {
			time.Sleep(300 * time.Millisecond)
			return true
		}
		return false
	}
	creds := &credentialStub{}
	c, _ := newTestClient(t, api, creds, 1)
	c.http.Timeout = 50 * time.Millisecond
	require.NoError(t, c.Authenticate(context.Background()))
	api.validToken.Store("rotated")

	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1500000000), bal.Hard)
	assert.Equal(t, 2, creds.calls)
	assert.EqualValues(t, 3, api.balanceCalls.Load())
}

func TestRequestNonAuthFailureCarriesStatus(t *testing.T) {
	api := &fakeAPI{onBalance: func(w http.ResponseWriter, _ *http.Request) bool {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
		return true
	}}
	c, _ := newTestClient(t, api, &credentialStub{}, 1)

	_, err := c.GetBalance(context.Background())
	var reqErr *domain.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadGateway, reqErr.Status)
	assert.Equal(t, "upstream down", reqErr.Body)
	assert.EqualValues(t, 1, api.balanceCalls.Load())
}

func TestRequestNetworkErrorsAreRetriedThenReturned(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	clk := clock.NewFake(time.Now())
	c := NewClient(Options{BaseURL: baseURL, Retries: 2, DelayMin: time.Second, DelayMax: 3 * time.Second}, &credentialStub{}, clk, zerolog.Nop())
	c.token = "preset"

	err := c.Request(context.Background(), http.MethodGet, "/balance", nil, nil, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrUnauthorized)
	assert.False(t, domain.IsRequestError(err))

	// пауза между повторами, но не после последней попытки
	sleeps := clk.Sleeps()
	require.Len(t, sleeps, 2)
	for _, d := range sleeps {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestRequestPausesAfterSuccess(t *testing.T) {
	api := &fakeAPI{}
	c, clk := newTestClient(t, api, &credentialStub{}, 1)

	_, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	sleeps := clk.Sleeps()
	require.Len(t, sleeps, 2)
	for _, d := range sleeps {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestListGiveawaysMapsItems(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api, &credentialStub{}, 1)

	page, err := c.ListGiveaways(context.Background(), "Free", 20, "")
	require.NoError(t, err)
	assert.Equal(t, "c2", page.NextCursor)
	require.Len(t, page.Items, 1)
	g := page.Items[0]
	assert.Equal(t, "g1", g.ID)
	assert.Equal(t, "Plush Pepe", g.Title)
	assert.Equal(t, "pepe", g.GiftCollectionName)
	assert.True(t, g.RequiresChannelBoost)
	assert.Equal(t, []string{"@chan1", "chan2", "chan3"}, g.RequiredChannels)
	assert.Equal(t, domain.ValidationUnknown, g.ValidationStatus)
}

func TestGetValidationsAndBuyTicket(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api, &credentialStub{}, 1)

	v, err := c.GetValidations(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, v.IsPremium)
	assert.Equal(t, domain.ValidationValidated, v.MemberStatus("@chan1"))
	assert.Equal(t, domain.ValidationStatus("Weird"), v.MemberStatus("chan2"))
	assert.Equal(t, domain.ValidationUnknown, v.MemberStatus("chan9"))

	_, err = c.BuyTicket(context.Background(), "g1")
	var reqErr *domain.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusConflict, reqErr.Status)
}
