package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-giveaway-farmer/internal/domain"
	"tg-giveaway-farmer/internal/infra/metrics"
)

// Postgres реализует хранилище состояния фермы на основе pgxpool.
// Каждая запись — отдельный оператор, повторы безопасны за счёт upsert и уникальных ключей.
type Postgres struct {
	pool   *pgxpool.Pool
	ledger domain.LedgerScope
}

var (
	_ domain.StateStore  = (*Postgres)(nil)
	_ domain.AccountRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД с заданной областью журнала обработанных розыгрышей.
func NewPostgres(pool *pgxpool.Pool, ledger domain.LedgerScope) *Postgres {
	if ledger == "" {
		ledger = domain.LedgerGlobal
	}
	return &Postgres{pool: pool, ledger: ledger}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// Ping проверяет доступность БД.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

// GetMembership возвращает подписку или domain.ErrNotFound.
func (p *Postgres) GetMembership(ctx context.Context, account, channel string) (domain.ChannelMembership, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	m := domain.ChannelMembership{Account: account, Channel: domain.NormalizeChannel(channel)}
	var participation sql.NullTime
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT last_activity_at, giveaway_participation_at
FROM subscribed_channels
WHERE account = $1 AND channel = $2
`, account, m.Channel).Scan(&m.LastActivityAt, &participation)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "subscribed_channels_get", "subscribed_channels", start, nil)
		return domain.ChannelMembership{}, domain.ErrNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "subscribed_channels_get", "subscribed_channels", start, err)
	if err != nil {
		return domain.ChannelMembership{}, err
	}
	if participation.Valid {
		at := participation.Time
		m.GiveawayParticipationAt = &at
	}
	return m, nil
}

// SaveMembership создаёт спекулятивную подписку или обновляет активность существующей.
func (p *Postgres) SaveMembership(ctx context.Context, account, channel string, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO subscribed_channels (account, channel, last_activity_at)
VALUES ($1, $2, $3)
ON CONFLICT (account, channel) DO UPDATE SET last_activity_at = EXCLUDED.last_activity_at
`, account, domain.NormalizeChannel(channel), at)
	metrics.ObserveNetworkRequest("postgres", "subscribed_channels_upsert", "subscribed_channels", start, err)
	return err
}

// TouchMembership обновляет время последней активности.
func (p *Postgres) TouchMembership(ctx context.Context, account, channel string, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE subscribed_channels SET last_activity_at = $3
WHERE account = $1 AND channel = $2
`, account, domain.NormalizeChannel(channel), at)
	metrics.ObserveNetworkRequest("postgres", "subscribed_channels_touch", "subscribed_channels", start, err)
	return err
}

// MarkParticipation фиксирует подтверждённое участие в розыгрыше.
func (p *Postgres) MarkParticipation(ctx context.Context, account, channel string, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO subscribed_channels (account, channel, last_activity_at, giveaway_participation_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (account, channel) DO UPDATE
SET last_activity_at = EXCLUDED.last_activity_at,
    giveaway_participation_at = EXCLUDED.giveaway_participation_at
`, account, domain.NormalizeChannel(channel), at)
	metrics.ObserveNetworkRequest("postgres", "subscribed_channels_participation", "subscribed_channels", start, err)
	return err
}

// DeleteMembership удаляет подписку.
func (p *Postgres) DeleteMembership(ctx context.Context, account, channel string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM subscribed_channels WHERE account = $1 AND channel = $2`, account, domain.NormalizeChannel(channel))
	metrics.ObserveNetworkRequest("postgres", "subscribed_channels_delete", "subscribed_channels", start, err)
	return err
}

// ListSpeculativeMemberships возвращает вступления без подтверждённого участия.
func (p *Postgres) ListSpeculativeMemberships(ctx context.Context, account string) ([]domain.ChannelMembership, error) {
	return p.listMemberships(ctx, "subscribed_channels_speculative", `
SELECT account, channel, last_activity_at, giveaway_participation_at
FROM subscribed_channels
WHERE account = $1 AND giveaway_participation_at IS NULL
ORDER BY channel
`, account)
}

// PurgeSpeculativeMemberships удаляет вступления без подтверждённого участия.
func (p *Postgres) PurgeSpeculativeMemberships(ctx context.Context, account string) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM subscribed_channels WHERE account = $1 AND giveaway_participation_at IS NULL`, account)
	metrics.ObserveNetworkRequest("postgres", "subscribed_channels_purge", "subscribed_channels", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListInactiveMemberships возвращает подтверждённые подписки без активности с before.
func (p *Postgres) ListInactiveMemberships(ctx context.Context, account string, before time.Time) ([]domain.ChannelMembership, error) {
	return p.listMemberships(ctx, "subscribed_channels_inactive", `
SELECT account, channel, last_activity_at, giveaway_participation_at
FROM subscribed_channels
WHERE account = $1 AND giveaway_participation_at IS NOT NULL AND last_activity_at < $2
ORDER BY last_activity_at
`, account, before)
}

func (p *Postgres) listMemberships(ctx context.Context, op, query string, args ...any) ([]domain.ChannelMembership, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", op, "subscribed_channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChannelMembership
	for rows.Next() {
		var (
			m             domain.ChannelMembership
			participation sql.NullTime
		)
		if err := rows.Scan(&m.Account, &m.Channel, &m.LastActivityAt, &participation); err != nil {
			return nil, err
		}
		if participation.Valid {
			at := participation.Time
			m.GiveawayParticipationAt = &at
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// IsProcessed проверяет журнал обработанных розыгрышей.
func (p *Postgres) IsProcessed(ctx context.Context, account, giveawayID string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM processed_giveaways WHERE scope = $1 AND giveaway_id = $2)
`, p.ledger.Key(account), giveawayID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "processed_giveaways_exists", "processed_giveaways", start, err)
	return exists, err
}

// MarkProcessed добавляет розыгрыш в журнал. Гонка двух аккаунтов разрешается уникальным ключом.
func (p *Postgres) MarkProcessed(ctx context.Context, account, giveawayID string, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO processed_giveaways (scope, giveaway_id, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (scope, giveaway_id) DO NOTHING
`, p.ledger.Key(account), giveawayID, at)
	metrics.ObserveNetworkRequest("postgres", "processed_giveaways_insert", "processed_giveaways", start, err)
	return err
}

// PurgeProcessed удаляет записи журнала старше before.
func (p *Postgres) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM processed_giveaways WHERE processed_at < $1`, before)
	metrics.ObserveNetworkRequest("postgres", "processed_giveaways_purge", "processed_giveaways", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SavePending ставит розыгрыш в очередь аккаунта вместе с полными данными.
func (p *Postgres) SavePending(ctx context.Context, account string, g domain.Giveaway) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal giveaway %s: %w", g.ID, err)
	}
	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO pending_giveaways (account, giveaway_id, payload, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (account, giveaway_id) DO UPDATE SET payload = EXCLUDED.payload
`, account, g.ID, payload)
	metrics.ObserveNetworkRequest("postgres", "pending_giveaways_upsert", "pending_giveaways", start, err)
	return err
}

// ListPending возвращает очередь аккаунта в порядке постановки.
func (p *Postgres) ListPending(ctx context.Context, account string) ([]domain.Giveaway, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT payload FROM pending_giveaways
WHERE account = $1
ORDER BY created_at, giveaway_id
`, account)
	metrics.ObserveNetworkRequest("postgres", "pending_giveaways_list", "pending_giveaways", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Giveaway
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var g domain.Giveaway
		if err := json.Unmarshal(payload, &g); err != nil {
			return nil, fmt.Errorf("decode pending giveaway: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeletePending убирает розыгрыш из очереди.
func (p *Postgres) DeletePending(ctx context.Context, account, giveawayID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM pending_giveaways WHERE account = $1 AND giveaway_id = $2`, account, giveawayID)
	metrics.ObserveNetworkRequest("postgres", "pending_giveaways_delete", "pending_giveaways", start, err)
	return err
}

// SetChannelCooldown сохраняет таймаут канала для розыгрыша.
func (p *Postgres) SetChannelCooldown(ctx context.Context, c domain.ChannelCooldown) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO channel_timeouts (account, channel, giveaway_id, until)
VALUES ($1, $2, $3, $4)
ON CONFLICT (account, channel, giveaway_id) DO UPDATE SET until = EXCLUDED.until
`, c.Account, domain.NormalizeChannel(c.Channel), c.GiveawayID, c.Until)
	metrics.ObserveNetworkRequest("postgres", "channel_timeouts_upsert", "channel_timeouts", start, err)
	return err
}

// GetChannelCooldown возвращает таймаут или domain.ErrNotFound.
func (p *Postgres) GetChannelCooldown(ctx context.Context, account, channel, giveawayID string) (domain.ChannelCooldown, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	c := domain.ChannelCooldown{Account: account, Channel: domain.NormalizeChannel(channel), GiveawayID: giveawayID}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT until FROM channel_timeouts
WHERE account = $1 AND channel = $2 AND giveaway_id = $3
`, account, c.Channel, giveawayID).Scan(&c.Until)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "channel_timeouts_get", "channel_timeouts", start, nil)
		return domain.ChannelCooldown{}, domain.ErrNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "channel_timeouts_get", "channel_timeouts", start, err)
	if err != nil {
		return domain.ChannelCooldown{}, err
	}
	return c, nil
}

// PurgeChannelCooldowns удаляет истёкшие таймауты.
func (p *Postgres) PurgeChannelCooldowns(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM channel_timeouts WHERE until < $1`, before)
	metrics.ObserveNetworkRequest("postgres", "channel_timeouts_purge", "channel_timeouts", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, nil)
		return nil, session.ErrNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, append([]byte(nil), data...))
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}

// ListAccounts возвращает аккаунты пула.
func (p *Postgres) ListAccounts(ctx context.Context, pool string) ([]domain.Account, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if pool == "" {
		pool = "default"
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT name, pool, api_id, api_hash, phone, username, raw_json
FROM mtproto_accounts
WHERE pool = $1
ORDER BY name
`, pool)
	metrics.ObserveNetworkRequest("postgres", "mtproto_accounts_list", "mtproto_accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var (
			a               domain.Account
			phone, username sql.NullString
			rawJSON         []byte
		)
		if err := rows.Scan(&a.Name, &a.Pool, &a.APIID, &a.APIHash, &phone, &username, &rawJSON); err != nil {
			return nil, err
		}
		a.Phone = phone.String
		a.Username = username.String
		if len(rawJSON) > 0 {
			a.RawJSON = append([]byte(nil), rawJSON...)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpsertAccount сохраняет аккаунт пула.
func (p *Postgres) UpsertAccount(ctx context.Context, a domain.Account) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if a.Pool == "" {
		a.Pool = "default"
	}
	switch {
	case a.Name == "":
		return errors.New("account name is required")
	case a.APIID == 0:
		return errors.New("account api_id is required")
	case a.APIHash == "":
		return errors.New("account api_hash is required")
	}

	var rawJSON any
	if len(a.RawJSON) > 0 {
		rawJSON = a.RawJSON
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_accounts (pool, name, api_id, api_hash, phone, username, raw_json, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, now())
ON CONFLICT (pool, name) DO UPDATE
SET api_id = EXCLUDED.api_id,
    api_hash = EXCLUDED.api_hash,
    phone = EXCLUDED.phone,
    username = EXCLUDED.username,
    raw_json = EXCLUDED.raw_json,
    updated_at = now()
`, a.Pool, a.Name, a.APIID, a.APIHash, a.Phone, a.Username, rawJSON)
	metrics.ObserveNetworkRequest("postgres", "mtproto_accounts_upsert", "mtproto_accounts", start, err)
	return err
}
