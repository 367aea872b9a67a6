package mtproto

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
)

// ErrUnsupportedSessionFormat — данные сессии не распознаны ни одним декодером.
var ErrUnsupportedSessionFormat = errors.New("unsupported MTProto session format")

// SessionRepo хранит сырые сессии gotd по имени аккаунта.
type SessionRepo interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// SessionDB реализует telegram.SessionStorage поверх SessionRepo.
type SessionDB struct {
	repo SessionRepo
	name string
}

var _ telegram.SessionStorage = (*SessionDB)(nil)

// NewSessionDB создаёт хранилище сессии аккаунта name.
func NewSessionDB(repo SessionRepo, name string) *SessionDB {
	return &SessionDB{repo: repo, name: name}
}

func (s *SessionDB) LoadSession(ctx context.Context) ([]byte, error) {
	return s.repo.LoadMTProtoSession(ctx, s.name)
}

func (s *SessionDB) StoreSession(ctx context.Context, data []byte) error {
	return s.repo.StoreMTProtoSession(ctx, s.name, data)
}

// SessionSource — формат, из которого была получена сессия.
type SessionSource string

const (
	SourceGotd            SessionSource = "gotd"
	SourceTelethonAccount SessionSource = "telethon-account-json"
	SourceTelethonRows    SessionSource = "telethon-session-json"
	SourceTelethonString  SessionSource = "telethon-string"
)

type sessionDecoder struct {
	source SessionSource
	decode func([]byte) (*session.Data, error)
}

var sessionDecoders = []sessionDecoder{
	{SourceTelethonAccount, decodeAccountJSON},
	{SourceTelethonRows, decodeSessionRows},
	{SourceTelethonString, decodeTelethonString},
}

// NormalizeSession приводит сессию Telethon (строка, экспорт sqlite в JSON или JSON аккаунта
// с полем extra_params) к формату session.Storage из gotd. Сессии gotd возвращаются как есть.
func NormalizeSession(raw []byte) ([]byte, SessionSource, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, "", errors.New("MTProto session is empty")
	}

	var probe struct {
		Version int `json:"Version"`
	}
	if json.Unmarshal(trimmed, &probe) == nil && probe.Version != 0 {
		return append([]byte(nil), trimmed...), SourceGotd, nil
	}

	for _, d := range sessionDecoders {
		data, err := d.decode(trimmed)
		if err != nil {
			continue
		}
		out, err := encodeStorage(*data)
		if err != nil {
			return nil, "", err
		}
		return out, d.source, nil
	}
	return nil, "", ErrUnsupportedSessionFormat
}

func decodeAccountJSON(raw []byte) (*session.Data, error) {
	var account struct {
		ExtraParams string `json:"extra_params"`
		Session     string `json:"session"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, err
	}
	str := account.ExtraParams
	if str == "" {
		str = account.Session
	}
	if str == "" {
		return nil, errors.New("account JSON has no session string")
	}
	return decodeTelethonString([]byte(str))
}

func decodeSessionRows(raw []byte) (*session.Data, error) {
	var rows []struct {
		DCID          int    `json:"dc_id"`
		ServerAddress string `json:"server_address"`
		Port          int    `json:"port"`
		AuthKey       string `json:"auth_key"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.AuthKey == "" || row.ServerAddress == "" || row.Port == 0 {
			continue
		}
		return dataFromAuthKey(row.DCID, row.ServerAddress, row.Port, row.AuthKey)
	}
	return nil, errors.New("session JSON has no usable rows")
}

func decodeTelethonString(raw []byte) (*session.Data, error) {
	candidate := strings.Trim(strings.TrimSpace(string(raw)), "\"'")
	if candidate == "" {
		return nil, errors.New("session string is empty")
	}
	data, err := session.TelethonSession(candidate)
	if err != nil {
		return nil, err
	}
	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if len(data.Config.DCOptions) == 0 && data.Addr != "" {
		if host, port, ok := splitAddr(data.Addr); ok {
			data.Config.DCOptions = []tg.DCOption{{ID: data.DC, IPAddress: host, Port: port}}
		}
	}
	return data, nil
}

func dataFromAuthKey(dc int, host string, port int, keyHex string) (*session.Data, error) {
	rawKey, err := hex.DecodeString(strings.Trim(strings.TrimSpace(keyHex), "'\""))
	if err != nil {
		return nil, fmt.Errorf("decode auth_key: %w", err)
	}
	var key crypto.Key
	if len(rawKey) != len(key) {
		return nil, fmt.Errorf("unexpected auth_key length: %d bytes", len(rawKey))
	}
	copy(key[:], rawKey)
	id := key.WithID().ID

	return &session.Data{
		Config: session.Config{
			ThisDC:    dc,
			DCOptions: []tg.DCOption{{ID: dc, IPAddress: host, Port: port}},
		},
		DC:        dc,
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AuthKey:   key[:],
		AuthKeyID: id[:],
	}, nil
}

func splitAddr(addr string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}

// encodeStorage повторяет формат, в котором session.Loader сохраняет данные.
func encodeStorage(data session.Data) ([]byte, error) {
	return json.Marshal(struct {
		Version int          `json:"Version"`
		Data    session.Data `json:"Data"`
	}{Version: 1, Data: data})
}
