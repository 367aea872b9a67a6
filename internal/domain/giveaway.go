package domain

import (
	"regexp"
	"strings"
)

// ValidationStatus описывает статус серверной проверки условия розыгрыша.
type ValidationStatus string

const (
	ValidationUnknown   ValidationStatus = "Unknown"
	ValidationPending   ValidationStatus = "Pending"
	ValidationValidated ValidationStatus = "Validated"
)

// ParseValidationStatus приводит строку из API к ValidationStatus.
// Незнакомые значения сохраняются как есть и считаются "Other".
func ParseValidationStatus(raw string) ValidationStatus {
	switch strings.TrimSpace(raw) {
	case "":
		return ValidationUnknown
	case string(ValidationValidated):
		return ValidationValidated
	case string(ValidationPending):
		return ValidationPending
	case string(ValidationUnknown):
		return ValidationUnknown
	default:
		return ValidationStatus(strings.TrimSpace(raw))
	}
}

// Giveaway описывает найденный розыгрыш.
type Giveaway struct {
	ID                   string           `json:"id"`
	Title                string           `json:"title"`
	ParticipantsCount    int              `json:"participants_count"`
	RequiresPremium      bool             `json:"requires_premium"`
	RequiresActiveTrader bool             `json:"requires_active_trader"`
	RequiresChannelBoost bool             `json:"requires_channel_boost"`
	GiftCollectionName   string           `json:"gift_collection_name,omitempty"`
	RequiredChannels     []string         `json:"required_channels,omitempty"`
	ValidationStatus     ValidationStatus `json:"validation_status"`
}

// DisplayName возвращает название для логов.
func (g Giveaway) DisplayName() string {
	if g.Title != "" {
		return g.Title
	}
	return g.ID
}

// GiveawayPage — одна страница выдачи розыгрышей.
type GiveawayPage struct {
	Items      []Giveaway
	NextCursor string
}

// ListCriteria задаёт параметры обхода выдачи.
type ListCriteria struct {
	Type      string
	PageSize  int
	Cursor    string
	MaxPerRun int
}

// ChannelValidation — статус условий по одному каналу.
type ChannelValidation struct {
	Channel  string
	IsMember ValidationStatus
	IsBoost  ValidationStatus
}

// Validations — ответ сервера о выполнении условий розыгрыша.
type Validations struct {
	IsPremium          bool
	IsActiveTrader     bool
	Status             ValidationStatus
	ChannelValidations []ChannelValidation
}

// MemberStatus возвращает статус участия в канале или ValidationUnknown.
func (v Validations) MemberStatus(channel string) ValidationStatus {
	key := NormalizeChannel(channel)
	for _, cv := range v.ChannelValidations {
		if NormalizeChannel(cv.Channel) == key {
			return cv.IsMember
		}
	}
	return ValidationUnknown
}

// Overall — итоговый статус условий: явный статус сервера, а если его нет,
// Validated только когда подтверждено участие во всех каналах.
func (v Validations) Overall() ValidationStatus {
	if v.Status != ValidationUnknown && v.Status != "" {
		return v.Status
	}
	for _, cv := range v.ChannelValidations {
		if cv.IsMember != ValidationValidated {
			return ValidationPending
		}
	}
	return ValidationValidated
}

// ValidationKind — тип серверной валидации.
type ValidationKind string

const ValidationKindChannelMember ValidationKind = "ChannelMember"

// Outcome — итог обработки розыгрыша.
type Outcome struct {
	Success bool
	Message string
}

// Balance содержит баланс аккаунта.
type Balance struct {
	Hard int64
}

// TON переводит баланс из нанотонов.
func (b Balance) TON() float64 {
	return float64(b.Hard) / 1e9
}

// Profile — краткая информация о пользователе сервиса.
type Profile struct {
	ID       int64
	Username string
	Raw      map[string]any
}

var channelRegex = regexp.MustCompile(`(?i)^(?:@|https?://t\.me/|t\.me/)?([a-z0-9_]{4,})/?$`)

// NormalizeChannel приводит имя канала к каноничному виду без "@" и в нижнем регистре.
func NormalizeChannel(input string) string {
	trim := strings.TrimSpace(input)
	if matches := channelRegex.FindStringSubmatch(trim); len(matches) == 2 {
		return strings.ToLower(matches[1])
	}
	return strings.ToLower(strings.TrimPrefix(trim, "@"))
}
