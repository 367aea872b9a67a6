package mtproto

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractWebAppData(t *testing.T) {
	initData := url.Values{}
	initData.Set("query_id", "AAF")
	initData.Set("user", `{"id":777,"first_name":"Ann","username":"ann_farm"}`)
	initData.Set("auth_date", "1716000000")
	initData.Set("hash", "abc123")
	webview := "https://cdn.tgmrkt.io/#tgWebAppData=" + url.QueryEscape(initData.Encode()) + "&tgWebAppVersion=8.0&tgWebAppPlatform=android"

	data, err := ExtractWebAppData(webview)
	require.NoError(t, err)
	assert.Equal(t, int64(777), data.UserID)
	assert.Equal(t, "ann_farm", data.Username)
	assert.Contains(t, data.Credential, `user={"id":777`)
	assert.Contains(t, data.Credential, "hash=abc123")
}

func TestExtractWebAppDataMissing(t *testing.T) {
	_, err := ExtractWebAppData("https://cdn.tgmrkt.io/#tgWebAppVersion=8.0")
	assert.ErrorIs(t, err, ErrNoWebAppData)
}
