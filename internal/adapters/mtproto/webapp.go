package mtproto

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"

	initdata "github.com/telegram-mini-apps/init-data-golang"
)

var webAppDataRe = regexp.MustCompile(`tgWebAppData=([^&#]+)`)

// ErrNoWebAppData — в URL веб-приложения нет параметра tgWebAppData.
var ErrNoWebAppData = errors.New("webview url has no tgWebAppData")

// WebAppData — данные запуска мини-приложения.
type WebAppData struct {
	// Credential — строка для /auth: значение tgWebAppData, раскодированное дважды.
	Credential string
	UserID     int64
	Username   string
}

// ExtractWebAppData достаёт tgWebAppData из URL веб-вью и проверяет, что это корректные init data.
func ExtractWebAppData(webviewURL string) (WebAppData, error) {
	m := webAppDataRe.FindStringSubmatch(webviewURL)
	if len(m) != 2 {
		return WebAppData{}, ErrNoWebAppData
	}
	query, err := url.QueryUnescape(m[1])
	if err != nil {
		return WebAppData{}, fmt.Errorf("unescape tgWebAppData: %w", err)
	}
	parsed, err := initdata.Parse(query)
	if err != nil {
		return WebAppData{}, fmt.Errorf("parse init data: %w", err)
	}
	if parsed.Hash == "" {
		return WebAppData{}, errors.New("init data has no hash")
	}
	credential, err := url.QueryUnescape(query)
	if err != nil {
		return WebAppData{}, fmt.Errorf("unescape init data: %w", err)
	}
	return WebAppData{
		Credential: credential,
		UserID:     parsed.User.ID,
		Username:   parsed.User.Username,
	}, nil
}
