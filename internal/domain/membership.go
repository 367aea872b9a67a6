package domain

import "time"

// ChannelMembership хранит подписку аккаунта на канал.
// GiveawayParticipationAt == nil означает спекулятивное вступление,
// которое ещё не подтверждено розыгрышем.
type ChannelMembership struct {
	Account                 string
	Channel                 string
	LastActivityAt          time.Time
	GiveawayParticipationAt *time.Time
}

// Speculative сообщает, что вступление не привязано к подтверждённому розыгрышу.
func (m ChannelMembership) Speculative() bool {
	return m.GiveawayParticipationAt == nil
}

// ChannelCooldown — отметка таймаута для пары канал/розыгрыш.
type ChannelCooldown struct {
	Account    string
	Channel    string
	GiveawayID string
	Until      time.Time
}

// Account описывает MTProto-аккаунт из пула.
type Account struct {
	Name     string
	Pool     string
	APIID    int
	APIHash  string
	Phone    string
	Username string
	RawJSON  []byte
}

// ActionType — тип действия с каналом, ограничиваемого по частоте.
type ActionType string

const (
	ActionSubscribe   ActionType = "subscribe"
	ActionUnsubscribe ActionType = "unsubscribe"
)

// LedgerScope определяет область журнала обработанных розыгрышей.
type LedgerScope string

const (
	// LedgerGlobal — розыгрыш, обработанный любым аккаунтом, закрыт для всех.
	LedgerGlobal LedgerScope = "global"
	// LedgerPerAccount — каждый аккаунт ведёт свой журнал.
	LedgerPerAccount LedgerScope = "account"
)

// Key возвращает ключ области для аккаунта.
func (s LedgerScope) Key(account string) string {
	if s == LedgerPerAccount {
		return account
	}
	return ""
}
