// Package eligibility решает, подходит ли розыгрыш под настройки участия.
package eligibility

import (
	"strings"

	"tg-giveaway-farmer/internal/domain"
)

// Reason — причина отказа.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonCollectionBlacklist Reason = "collection_blacklisted"
	ReasonBoostRequired       Reason = "boost_required"
	ReasonNotFree             Reason = "not_free"
	ReasonTooFewParticipants  Reason = "too_few_participants"
	ReasonTooManyParticipants Reason = "too_many_participants"
)

// Config — критерии участия.
type Config struct {
	CollectionBlacklist []string
	SkipBoostRequired   bool
	FreeOnly            bool
	MinParticipants     int
	MaxParticipants     int
}

// Filter — чистая функция над розыгрышем и конфигом.
type Filter struct {
	cfg       Config
	blacklist map[string]struct{}
}

// New создаёт фильтр. Названия коллекций сравниваются без учёта регистра.
func New(cfg Config) Filter {
	blacklist := make(map[string]struct{}, len(cfg.CollectionBlacklist))
	for _, name := range cfg.CollectionBlacklist {
		if key := strings.ToLower(strings.TrimSpace(name)); key != "" {
			blacklist[key] = struct{}{}
		}
	}
	return Filter{cfg: cfg, blacklist: blacklist}
}

// Allow сообщает, проходит ли розыгрыш фильтр.
func (f Filter) Allow(g domain.Giveaway) bool {
	return f.Check(g) == ReasonNone
}

// Check возвращает первую сработавшую причину отказа или ReasonNone.
func (f Filter) Check(g domain.Giveaway) Reason {
	if _, ok := f.blacklist[strings.ToLower(strings.TrimSpace(g.GiftCollectionName))]; ok && g.GiftCollectionName != "" {
		return ReasonCollectionBlacklist
	}
	if f.cfg.SkipBoostRequired && g.RequiresChannelBoost {
		return ReasonBoostRequired
	}
	if f.cfg.FreeOnly && (g.RequiresPremium || g.RequiresActiveTrader) {
		return ReasonNotFree
	}
	if g.ParticipantsCount < f.cfg.MinParticipants {
		return ReasonTooFewParticipants
	}
	if g.ParticipantsCount > f.cfg.MaxParticipants {
		return ReasonTooManyParticipants
	}
	return ReasonNone
}
