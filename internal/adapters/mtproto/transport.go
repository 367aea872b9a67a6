// Package mtproto подключает аккаунты Telegram через gotd: хендшейк
// мини-приложения, вступление в каналы и выход из них.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/metrics"
)

// WebAppOptions задаёт мини-приложение, у которого запрашивается веб-вью.
type WebAppOptions struct {
	BotUsername string
	ShortName   string
	Platform    string
}

// Transport — MTProto-клиент одного аккаунта. Методы domain.Transport
// доступны только внутри Run, пока соединение открыто.
type Transport struct {
	account string
	client  *telegram.Client
	webApp  WebAppOptions
	log     zerolog.Logger

	mu       sync.Mutex
	api      *tg.Client
	channels map[string]*tg.InputChannel
}

var _ domain.Transport = (*Transport)(nil)

// NewTransport создаёт клиента аккаунта с сессией из storage.
func NewTransport(account domain.Account, storage telegram.SessionStorage, webApp WebAppOptions, log zerolog.Logger) *Transport {
	if webApp.Platform == "" {
		webApp.Platform = "android"
	}
	client := telegram.NewClient(account.APIID, account.APIHash, telegram.Options{SessionStorage: storage})
	return &Transport{
		account:  account.Name,
		client:   client,
		webApp:   webApp,
		log:      log.With().Str("component", "mtproto").Str("account", account.Name).Logger(),
		channels: make(map[string]*tg.InputChannel),
	}
}

// Run открывает соединение, проверяет авторизацию сессии и выполняет fn.
func (t *Transport) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.client.Run(ctx, func(ctx context.Context) error {
		status, err := t.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return fmt.Errorf("%s: %w", t.account, domain.ErrSessionNotAuthorized)
		}
		t.mu.Lock()
		t.api = t.client.API()
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			t.api = nil
			t.mu.Unlock()
		}()
		t.log.Info().Msg("mtproto: сессия подключена")
		return fn(ctx)
	})
}

func (t *Transport) rpc() (*tg.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api == nil {
		return nil, errors.New("mtproto: клиент не подключён")
	}
	return t.api, nil
}

// AcquireCredential запрашивает веб-вью мини-приложения со стартовым параметром refID
// и возвращает tgWebAppData для авторизации в API.
func (t *Transport) AcquireCredential(ctx context.Context, refID string) (string, error) {
	api, err := t.rpc()
	if err != nil {
		return "", err
	}
	start := time.Now()
	bot, err := t.resolveUser(ctx, api, t.webApp.BotUsername)
	if err != nil {
		metrics.ObserveNetworkRequest("mtproto", "request_app_webview", t.webApp.BotUsername, start, err)
		return "", err
	}
	res, err := api.MessagesRequestAppWebView(ctx, &tg.MessagesRequestAppWebViewRequest{
		WriteAllowed: true,
		Peer:         bot.AsInputPeer(),
		App: &tg.InputBotAppShortName{
			BotID:     bot.AsInput(),
			ShortName: t.webApp.ShortName,
		},
		StartParam: refID,
		Platform:   t.webApp.Platform,
	})
	metrics.ObserveNetworkRequest("mtproto", "request_app_webview", t.webApp.BotUsername, start, err)
	if err != nil {
		return "", fmt.Errorf("request app webview: %w", asFloodWait(err))
	}
	data, err := ExtractWebAppData(res.URL)
	if err != nil {
		return "", err
	}
	t.log.Debug().Int64("tg_user_id", data.UserID).Msg("mtproto: получены данные мини-приложения")
	return data.Credential, nil
}

// JoinChannel вступает в публичный канал. Уже состоящий участник считается успехом.
func (t *Transport) JoinChannel(ctx context.Context, channel string) (bool, error) {
	api, err := t.rpc()
	if err != nil {
		return false, err
	}
	start := time.Now()
	input, err := t.resolveChannel(ctx, api, channel)
	if err == nil {
		_, err = api.ChannelsJoinChannel(ctx, input)
	}
	metrics.ObserveNetworkRequest("mtproto", "join_channel", "channels", start, err)
	switch {
	case err == nil, tgerr.Is(err, "USER_ALREADY_PARTICIPANT"):
		return true, nil
	case tgerr.Is(err, "INVITE_REQUEST_SENT", "CHANNELS_TOO_MUCH", "CHANNEL_PRIVATE", "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID"):
		t.log.Warn().Err(err).Str("channel", channel).Msg("mtproto: вступление отклонено")
		return false, nil
	default:
		return false, asFloodWait(err)
	}
}

// LeaveChannel выходит из канала. Отсутствие членства считается успехом.
func (t *Transport) LeaveChannel(ctx context.Context, channel string) (bool, error) {
	api, err := t.rpc()
	if err != nil {
		return false, err
	}
	start := time.Now()
	input, err := t.resolveChannel(ctx, api, channel)
	if err == nil {
		_, err = api.ChannelsLeaveChannel(ctx, input)
	}
	metrics.ObserveNetworkRequest("mtproto", "leave_channel", "channels", start, err)
	switch {
	case err == nil, tgerr.Is(err, "USER_NOT_PARTICIPANT", "CHANNEL_PRIVATE"):
		return true, nil
	case tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID"):
		return false, nil
	default:
		return false, asFloodWait(err)
	}
}

func (t *Transport) resolveChannel(ctx context.Context, api *tg.Client, channel string) (*tg.InputChannel, error) {
	name := domain.NormalizeChannel(channel)
	t.mu.Lock()
	cached, ok := t.channels[name]
	t.mu.Unlock()
	if ok {
		return cached, nil
	}

	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: name})
	if err != nil {
		return nil, err
	}
	var found *tg.Channel
	for _, chat := range resolved.Chats {
		ch, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		if found == nil || strings.EqualFold(ch.Username, name) {
			found = ch
		}
	}
	if found == nil {
		return nil, fmt.Errorf("resolve %s: канал не найден", name)
	}
	input := found.AsInput()
	t.mu.Lock()
	t.channels[name] = input
	t.mu.Unlock()
	return input, nil
}

func (t *Transport) resolveUser(ctx context.Context, api *tg.Client, username string) (*tg.User, error) {
	name := strings.TrimPrefix(strings.TrimSpace(username), "@")
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: name})
	if err != nil {
		return nil, fmt.Errorf("resolve bot %s: %w", name, asFloodWait(err))
	}
	for _, u := range resolved.Users {
		if user, ok := u.(*tg.User); ok {
			return user, nil
		}
	}
	return nil, fmt.Errorf("resolve bot %s: пользователь не найден", name)
}

// asFloodWait переводит FLOOD_WAIT провайдера в domain.FloodWaitError.
func asFloodWait(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &domain.FloodWaitError{Wait: wait}
	}
	return err
}
