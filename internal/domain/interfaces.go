package domain

import (
	"context"
	"time"
)

// MembershipRepo управляет подписками аккаунтов на каналы.
type MembershipRepo interface {
	GetMembership(ctx context.Context, account, channel string) (ChannelMembership, error)
	// SaveMembership создаёт спекулятивную подписку или обновляет время активности.
	SaveMembership(ctx context.Context, account, channel string, at time.Time) error
	// TouchMembership обновляет время последней активности.
	TouchMembership(ctx context.Context, account, channel string, at time.Time) error
	// MarkParticipation фиксирует подтверждённое участие (создаёт запись при необходимости).
	MarkParticipation(ctx context.Context, account, channel string, at time.Time) error
	DeleteMembership(ctx context.Context, account, channel string) error
	ListSpeculativeMemberships(ctx context.Context, account string) ([]ChannelMembership, error)
	// PurgeSpeculativeMemberships удаляет записи без подтверждённого участия.
	PurgeSpeculativeMemberships(ctx context.Context, account string) (int64, error)
	// ListInactiveMemberships возвращает подтверждённые подписки, неактивные с before.
	ListInactiveMemberships(ctx context.Context, account string, before time.Time) ([]ChannelMembership, error)
}

// LedgerRepo — журнал обработанных розыгрышей.
type LedgerRepo interface {
	IsProcessed(ctx context.Context, account, giveawayID string) (bool, error)
	// MarkProcessed идемпотентен: повторная вставка не является ошибкой.
	MarkProcessed(ctx context.Context, account, giveawayID string, at time.Time) error
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}

// PendingRepo — очередь отфильтрованных, но ещё не обработанных розыгрышей.
type PendingRepo interface {
	SavePending(ctx context.Context, account string, g Giveaway) error
	ListPending(ctx context.Context, account string) ([]Giveaway, error)
	DeletePending(ctx context.Context, account, giveawayID string) error
}

// CooldownRepo хранит таймауты по паре канал/розыгрыш.
type CooldownRepo interface {
	SetChannelCooldown(ctx context.Context, c ChannelCooldown) error
	GetChannelCooldown(ctx context.Context, account, channel, giveawayID string) (ChannelCooldown, error)
	PurgeChannelCooldowns(ctx context.Context, before time.Time) (int64, error)
}

// StateStore объединяет всё долговременное состояние. Реализации обязаны
// быть безопасны для одновременного использования несколькими аккаунтами.
type StateStore interface {
	MembershipRepo
	LedgerRepo
	PendingRepo
	CooldownRepo
}

// AccountRepo отдаёт пул MTProto-аккаунтов.
type AccountRepo interface {
	ListAccounts(ctx context.Context, pool string) ([]Account, error)
}

// Transport — уже авторизованный MTProto-клиент аккаунта.
type Transport interface {
	// AcquireCredential выполняет полный хендшейк веб-приложения и возвращает непрозрачные данные для /auth.
	AcquireCredential(ctx context.Context, refID string) (string, error)
	// JoinChannel может вернуть *FloodWaitError.
	JoinChannel(ctx context.Context, channel string) (bool, error)
	// LeaveChannel может вернуть *FloodWaitError.
	LeaveChannel(ctx context.Context, channel string) (bool, error)
}

// GiveawayLister отдаёт страницы выдачи.
type GiveawayLister interface {
	ListGiveaways(ctx context.Context, giveawayType string, count int, cursor string) (GiveawayPage, error)
}

// RemoteService — методы API розыгрышей.
type RemoteService interface {
	GiveawayLister
	GetValidations(ctx context.Context, giveawayID string) (Validations, error)
	StartValidation(ctx context.Context, giveawayID, channel string, kind ValidationKind) (string, error)
	BuyTicket(ctx context.Context, giveawayID string) (map[string]any, error)
	GetBalance(ctx context.Context) (Balance, error)
	GetGiftInventory(ctx context.Context) (map[string]any, error)
	GetProfile(ctx context.Context) (Profile, error)
}

// Notifier отправляет уведомления. Вызов не влияет на корректность работы.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// RateWindow — окно ограничения частоты действий.
type RateWindow struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// WindowStore хранит окна ограничителя частоты.
type WindowStore interface {
	LoadWindow(ctx context.Context, account string, action ActionType) (RateWindow, error)
	SaveWindow(ctx context.Context, account string, action ActionType, w RateWindow) error
}
