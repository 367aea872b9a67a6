// Package mrkt — клиент API маркетплейса подарков: авторизация через
// мини-приложение, повтор запросов и методы розыгрышей.
package mrkt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/clock"
	"tg-giveaway-farmer/internal/infra/metrics"
)

const maxErrorBody = 2048

// CredentialSource выдаёт одноразовые данные для /auth.
type CredentialSource interface {
	AcquireCredential(ctx context.Context, refID string) (string, error)
}

// Options настраивает клиента.
type Options struct {
	BaseURL   string
	Origin    string
	UserAgent string
	RefID     string
	Timeout   time.Duration
	// Retries — число повторов после первой попытки.
	Retries  int
	DelayMin time.Duration
	DelayMax time.Duration
}

// Client выполняет авторизованные запросы одного аккаунта. Единственный путь
// к API: гарантирует не больше Retries+1 попыток на логический вызов.
type Client struct {
	http  *http.Client
	opts  Options
	creds CredentialSource
	clock clock.Clock
	log   zerolog.Logger

	mu    sync.Mutex
	token string
}

var _ domain.RemoteService = (*Client)(nil)

// NewClient создаёт клиента аккаунта.
func NewClient(opts Options, creds CredentialSource, clk clock.Clock, log zerolog.Logger) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Client{
		http:  &http.Client{Timeout: opts.Timeout},
		opts:  opts,
		creds: creds,
		clock: clk,
		log:   log.With().Str("component", "mrkt").Logger(),
	}
}

// Authenticate выполняет полный хендшейк и сохраняет новый токен.
func (c *Client) Authenticate(ctx context.Context) error {
	credential, err := c.creds.AcquireCredential(ctx, c.opts.RefID)
	if err != nil {
		return fmt.Errorf("acquire credential: %w", err)
	}
	payload := map[string]any{"data": credential, "photo": nil, "appId": nil}
	status, body, err := c.do(ctx, http.MethodPost, "/auth", nil, payload, "")
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	if status != http.StatusOK {
		return &domain.RequestError{Method: http.MethodPost, URL: "/auth", Status: status, Body: truncate(body)}
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if resp.Token == "" {
		return errors.New("auth response has no token")
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	c.log.Info().Msg("mrkt: авторизация успешна, токен получен")
	return c.pause(ctx)
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Request выполняет авторизованный вызов и декодирует JSON-ответ в out (если out != nil).
// Первый 401 всегда вызывает одну повторную авторизацию и повтор, не расходуя
// попытки; неудачная авторизация или повторный 401 дают domain.ErrUnauthorized.
// Прочие коды вне 2xx возвращаются как *domain.RequestError. Сетевые ошибки
// повторяются до Retries раз с паузой и затем возвращаются как есть.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	attempts := c.opts.Retries + 1
	reauthed := false
	attempt := 1
	for {
		token := c.currentToken()
		if token == "" {
			if err := c.Authenticate(ctx); err != nil {
				return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
			}
			token = c.currentToken()
		}

		status, data, err := c.do(ctx, method, path, query, body, token)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Int("attempts", attempts).Msg("mrkt: сетевая ошибка")
			if attempt >= attempts {
				return err
			}
			attempt++
			if err := c.pause(ctx); err != nil {
				return err
			}
			continue
		}

		switch {
		case status == http.StatusUnauthorized:
			if reauthed {
				c.log.Error().Str("path", path).Msg("mrkt: 401 после повторной авторизации")
				return fmt.Errorf("%w: %s %s", domain.ErrUnauthorized, method, path)
			}
			reauthed = true
			c.log.Warn().Str("path", path).Msg("mrkt: 401, повторная авторизация")
			if err := c.Authenticate(ctx); err != nil {
				c.log.Error().Err(err).Msg("mrkt: повторная авторизация не удалась")
				return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
			}
			continue
		case status < 200 || status >= 300:
			return &domain.RequestError{Method: method, URL: path, Status: status, Body: truncate(data)}
		}

		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
		}
		return c.pause(ctx)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, token string) (int, []byte, error) {
	endpoint := c.opts.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	c.applyHeaders(req, token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("mrkt", method, path, start, err)
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err == nil && resp.StatusCode >= 400 {
		metrics.ObserveNetworkRequest("mrkt", method, path, start, fmt.Errorf("status %d", resp.StatusCode))
	} else {
		metrics.ObserveNetworkRequest("mrkt", method, path, start, err)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) applyHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "ru,en-US;q=0.9,en;q=0.8")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Content-Type", "application/json")
	if c.opts.Origin != "" {
		req.Header.Set("Origin", c.opts.Origin)
		req.Header.Set("Referer", c.opts.Origin+"/")
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
}

// pause — случайная задержка после успешного вызова и между сетевыми повторами.
func (c *Client) pause(ctx context.Context) error {
	return c.clock.Sleep(ctx, clock.Uniform(c.opts.DelayMin, c.opts.DelayMax))
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
