package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"tg-giveaway-farmer/internal/domain"
)

type membershipKey struct{ account, channel string }

type ledgerKey struct{ scope, giveawayID string }

type cooldownKey struct{ account, channel, giveawayID string }

type pendingEntry struct {
	giveaway domain.Giveaway
	seq      uint64
}

// Memory — StateStore в памяти процесса. Годится для тестов и запуска без БД.
type Memory struct {
	mu          sync.RWMutex
	ledger      domain.LedgerScope
	memberships map[membershipKey]domain.ChannelMembership
	processed   map[ledgerKey]time.Time
	pending     map[string]map[string]pendingEntry
	cooldowns   map[cooldownKey]time.Time
	seq         uint64
}

var _ domain.StateStore = (*Memory)(nil)

// NewMemory создаёт пустое хранилище.
func NewMemory(ledger domain.LedgerScope) *Memory {
	if ledger == "" {
		ledger = domain.LedgerGlobal
	}
	return &Memory{
		ledger:      ledger,
		memberships: make(map[membershipKey]domain.ChannelMembership),
		processed:   make(map[ledgerKey]time.Time),
		pending:     make(map[string]map[string]pendingEntry),
		cooldowns:   make(map[cooldownKey]time.Time),
	}
}

func (m *Memory) GetMembership(_ context.Context, account, channel string) (domain.ChannelMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.memberships[membershipKey{account, domain.NormalizeChannel(channel)}]
	if !ok {
		return domain.ChannelMembership{}, domain.ErrNotFound
	}
	return copyMembership(rec), nil
}

func (m *Memory) SaveMembership(_ context.Context, account, channel string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey{account, domain.NormalizeChannel(channel)}
	rec, ok := m.memberships[key]
	if !ok {
		rec = domain.ChannelMembership{Account: account, Channel: key.channel}
	}
	rec.LastActivityAt = at
	m.memberships[key] = rec
	return nil
}

func (m *Memory) TouchMembership(_ context.Context, account, channel string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey{account, domain.NormalizeChannel(channel)}
	if rec, ok := m.memberships[key]; ok {
		rec.LastActivityAt = at
		m.memberships[key] = rec
	}
	return nil
}

func (m *Memory) MarkParticipation(_ context.Context, account, channel string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey{account, domain.NormalizeChannel(channel)}
	participation := at
	m.memberships[key] = domain.ChannelMembership{
		Account:                 account,
		Channel:                 key.channel,
		LastActivityAt:          at,
		GiveawayParticipationAt: &participation,
	}
	return nil
}

func (m *Memory) DeleteMembership(_ context.Context, account, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memberships, membershipKey{account, domain.NormalizeChannel(channel)})
	return nil
}

func (m *Memory) ListSpeculativeMemberships(_ context.Context, account string) ([]domain.ChannelMembership, error) {
	return m.filterMemberships(account, func(rec domain.ChannelMembership) bool {
		return rec.Speculative()
	}), nil
}

func (m *Memory) PurgeSpeculativeMemberships(_ context.Context, account string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rec := range m.memberships {
		if key.account == account && rec.Speculative() {
			delete(m.memberships, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListInactiveMemberships(_ context.Context, account string, before time.Time) ([]domain.ChannelMembership, error) {
	out := m.filterMemberships(account, func(rec domain.ChannelMembership) bool {
		return !rec.Speculative() && rec.LastActivityAt.Before(before)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out, nil
}

func (m *Memory) filterMemberships(account string, keep func(domain.ChannelMembership) bool) []domain.ChannelMembership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ChannelMembership
	for key, rec := range m.memberships {
		if key.account == account && keep(rec) {
			out = append(out, copyMembership(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func copyMembership(rec domain.ChannelMembership) domain.ChannelMembership {
	if rec.GiveawayParticipationAt != nil {
		at := *rec.GiveawayParticipationAt
		rec.GiveawayParticipationAt = &at
	}
	return rec
}

func (m *Memory) IsProcessed(_ context.Context, account, giveawayID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[ledgerKey{m.ledger.Key(account), giveawayID}]
	return ok, nil
}

func (m *Memory) MarkProcessed(_ context.Context, account, giveawayID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ledgerKey{m.ledger.Key(account), giveawayID}
	if _, ok := m.processed[key]; !ok {
		m.processed[key] = at
	}
	return nil
}

func (m *Memory) PurgeProcessed(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, at := range m.processed {
		if at.Before(before) {
			delete(m.processed, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) SavePending(_ context.Context, account string, g domain.Giveaway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue, ok := m.pending[account]
	if !ok {
		queue = make(map[string]pendingEntry)
		m.pending[account] = queue
	}
	entry, exists := queue[g.ID]
	if !exists {
		m.seq++
		entry.seq = m.seq
	}
	entry.giveaway = copyGiveaway(g)
	queue[g.ID] = entry
	return nil
}

func (m *Memory) ListPending(_ context.Context, account string) ([]domain.Giveaway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]pendingEntry, 0, len(m.pending[account]))
	for _, e := range m.pending[account] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.Giveaway, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyGiveaway(e.giveaway))
	}
	return out, nil
}

func (m *Memory) DeletePending(_ context.Context, account, giveawayID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending[account], giveawayID)
	return nil
}

func copyGiveaway(g domain.Giveaway) domain.Giveaway {
	g.RequiredChannels = append([]string(nil), g.RequiredChannels...)
	return g
}

func (m *Memory) SetChannelCooldown(_ context.Context, c domain.ChannelCooldown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[cooldownKey{c.Account, domain.NormalizeChannel(c.Channel), c.GiveawayID}] = c.Until
	return nil
}

func (m *Memory) GetChannelCooldown(_ context.Context, account, channel, giveawayID string) (domain.ChannelCooldown, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := cooldownKey{account, domain.NormalizeChannel(channel), giveawayID}
	until, ok := m.cooldowns[key]
	if !ok {
		return domain.ChannelCooldown{}, domain.ErrNotFound
	}
	return domain.ChannelCooldown{Account: account, Channel: key.channel, GiveawayID: giveawayID, Until: until}, nil
}

func (m *Memory) PurgeChannelCooldowns(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, until := range m.cooldowns {
		if until.Before(before) {
			delete(m.cooldowns, key)
			n++
		}
	}
	return n, nil
}
