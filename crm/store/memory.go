// Package store provides an in-memory crm.Store for tests and demos.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/partner-crm/crm"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes units of work under one mutex. A unit of work runs
// against a copy of the state which replaces the live state only on
// success, so a failed unit of work leaves nothing behind.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	partners      map[crm.PartnerID]crm.Partner
	partnerEmails map[string]crm.PartnerID
	subscribers   map[crm.UserID]crm.Subscriber
	userEmails    map[string]crm.UserID
	payments      []crm.Payment
	paymentRefs   map[string]bool
	commissions   []crm.CommissionEntry
	commissioned  map[crm.UserID]bool
}

func newState() *state {
	return &state{
		partners:      make(map[crm.PartnerID]crm.Partner),
		partnerEmails: make(map[string]crm.PartnerID),
		subscribers:   make(map[crm.UserID]crm.Subscriber),
		userEmails:    make(map[string]crm.UserID),
		paymentRefs:   make(map[string]bool),
		commissioned:  make(map[crm.UserID]bool),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.partners {
		v.CommissionSlabs = append([]crm.CommissionSlab(nil), v.CommissionSlabs...)
		c.partners[k] = v
	}
	for k, v := range s.partnerEmails {
		c.partnerEmails[k] = v
	}
	for k, v := range s.subscribers {
		c.subscribers[k] = v
	}
	for k, v := range s.userEmails {
		c.userEmails[k] = v
	}
	for k, v := range s.paymentRefs {
		c.paymentRefs[k] = v
	}
	for k, v := range s.commissioned {
		c.commissioned[k] = v
	}
	c.payments = append([]crm.Payment(nil), s.payments...)
	c.commissions = append([]crm.CommissionEntry(nil), s.commissions...)
	return c
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx runs fn against a private copy and commits it if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(crm.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *Memory) GetPartner(_ context.Context, id crm.PartnerID) (*crm.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.partner(id)
}

func (m *Memory) ListPartners(_ context.Context) ([]crm.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]crm.Partner, 0, len(m.st.partners))
	for _, p := range m.st.partners {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetSubscriber(_ context.Context, id crm.UserID) (*crm.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.subscriber(id)
}

func (m *Memory) ListSubscribers(_ context.Context, partnerID *crm.PartnerID) ([]crm.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]crm.Subscriber, 0)
	for _, s := range m.st.subscribers {
		if partnerID != nil && (s.PartnerID == nil || *s.PartnerID != *partnerID) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListPayments(_ context.Context, userID crm.UserID) ([]crm.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]crm.Payment, 0)
	for _, p := range m.st.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PaidAt.Before(out[j].PaidAt)
	})
	return out, nil
}

func (m *Memory) StatusCounts(_ context.Context, partnerID *crm.PartnerID) (crm.StatusCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := crm.StatusCounts{}
	for _, st := range crm.AllStatuses {
		counts[st] = 0
	}
	for _, s := range m.st.subscribers {
		if partnerID != nil && (s.PartnerID == nil || *s.PartnerID != *partnerID) {
			continue
		}
		counts[s.Status]++
	}
	return counts, nil
}

func (m *Memory) AuditPartner(_ context.Context, id crm.PartnerID) (*crm.PartnerAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, err := m.st.partner(id)
	if err != nil {
		return nil, err
	}
	audit := &crm.PartnerAudit{
		PartnerID:      id,
		TotalRevenue:   p.TotalRevenue,
		TotalConverted: p.TotalConverted,
		JournalRevenue: decimal.Zero,
	}
	for _, e := range m.st.commissions {
		if e.PartnerID == id {
			audit.JournalRevenue = audit.JournalRevenue.Add(e.Amount)
			audit.JournalConverted++
		}
	}
	return audit, nil
}

// ExpireSubscriptions holds the write lock for the whole sweep, the
// in-memory equivalent of one set-based UPDATE.
func (m *Memory) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := m.WithTx(ctx, func(tx crm.Tx) error {
		st := tx.(*memTx).st
		for id, s := range st.subscribers {
			if s.Status == crm.StatusActive && s.SubscriptionEndsAt != nil && s.SubscriptionEndsAt.Before(now) {
				s.Status = crm.StatusExpired
				s.UpdatedAt = now
				st.subscribers[id] = s
				n++
			}
		}
		return nil
	})
	return n, err
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// UNIT OF WORK
// =============================================================================

type memTx struct {
	st *state
}

func (s *state) partner(id crm.PartnerID) (*crm.Partner, error) {
	p, ok := s.partners[id]
	if !ok {
		return nil, crm.ErrPartnerNotFound
	}
	p.CommissionSlabs = append([]crm.CommissionSlab(nil), p.CommissionSlabs...)
	return &p, nil
}

func (s *state) subscriber(id crm.UserID) (*crm.Subscriber, error) {
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, crm.ErrUserNotFound
	}
	return &sub, nil
}

func (t *memTx) CreatePartner(_ context.Context, p crm.Partner) error {
	if _, ok := t.st.partners[p.ID]; ok {
		return crm.ErrDuplicateID
	}
	if _, ok := t.st.partnerEmails[p.Email]; ok {
		return crm.ErrDuplicateEmail
	}
	t.st.partners[p.ID] = p
	t.st.partnerEmails[p.Email] = p.ID
	return nil
}

func (t *memTx) GetPartner(_ context.Context, id crm.PartnerID) (*crm.Partner, error) {
	return t.st.partner(id)
}

func (t *memTx) SetPartnerActive(_ context.Context, id crm.PartnerID, active bool, at time.Time) (bool, error) {
	p, ok := t.st.partners[id]
	if !ok {
		return false, nil
	}
	p.Active = active
	p.UpdatedAt = at
	t.st.partners[id] = p
	return true, nil
}

func (t *memTx) InsertSubscriber(_ context.Context, s crm.Subscriber) error {
	if _, ok := t.st.subscribers[s.ID]; ok {
		return crm.ErrDuplicateID
	}
	if _, ok := t.st.userEmails[s.Email]; ok {
		return crm.ErrDuplicateEmail
	}
	if s.PartnerID != nil {
		if _, ok := t.st.partners[*s.PartnerID]; !ok {
			return crm.ErrPartnerNotFound
		}
	}
	t.st.subscribers[s.ID] = s
	t.st.userEmails[s.Email] = s.ID
	return nil
}

func (t *memTx) GetSubscriber(_ context.Context, id crm.UserID) (*crm.Subscriber, error) {
	return t.st.subscriber(id)
}

func (t *memTx) IncrementAdded(_ context.Context, id crm.PartnerID, at time.Time) (bool, error) {
	p, ok := t.st.partners[id]
	if !ok {
		return false, nil
	}
	p.TotalAdded++
	p.UpdatedAt = at
	t.st.partners[id] = p
	return true, nil
}

func (t *memTx) InsertPayment(_ context.Context, p crm.Payment) error {
	if t.st.paymentRefs[p.ExternalRef] {
		return crm.ErrDuplicatePaymentReference
	}
	if _, ok := t.st.subscribers[p.UserID]; !ok {
		return crm.ErrUserNotFound
	}
	t.st.payments = append(t.st.payments, p)
	t.st.paymentRefs[p.ExternalRef] = true
	return nil
}

func (t *memTx) MarkConverted(_ context.Context, id crm.UserID, paidAt, at time.Time) (*crm.PartnerID, bool, error) {
	s, ok := t.st.subscribers[id]
	if !ok || s.ConvertedAt != nil {
		return nil, false, nil
	}
	converted := paidAt
	s.ConvertedAt = &converted
	s.Status = crm.StatusActive
	s.UpdatedAt = at
	t.st.subscribers[id] = s
	if s.PartnerID == nil {
		return nil, true, nil
	}
	pid := *s.PartnerID
	return &pid, true, nil
}

func (t *memTx) ExtendSubscription(_ context.Context, id crm.UserID, until time.Time, at time.Time) error {
	s, ok := t.st.subscribers[id]
	if !ok {
		return crm.ErrUserNotFound
	}
	if s.SubscriptionEndsAt != nil && !s.SubscriptionEndsAt.Before(until) {
		return nil
	}
	u := until
	s.SubscriptionEndsAt = &u
	if s.Status == crm.StatusExpired && until.After(at) {
		s.Status = crm.StatusActive
	}
	s.UpdatedAt = at
	t.st.subscribers[id] = s
	return nil
}

func (t *memTx) CommissionTerms(_ context.Context, id crm.PartnerID) (*crm.CommissionTerms, error) {
	p, err := t.st.partner(id)
	if err != nil {
		return nil, err
	}
	return &crm.CommissionTerms{
		PartnerID:    p.ID,
		Percent:      decimal.NewFromInt(int64(p.CommissionPercent)),
		Slabs:        p.CommissionSlabs,
		TotalRevenue: p.TotalRevenue,
	}, nil
}

func (t *memTx) CreditCommission(_ context.Context, id crm.PartnerID, amount decimal.Decimal, at time.Time) (bool, error) {
	p, ok := t.st.partners[id]
	if !ok {
		return false, nil
	}
	if amount.IsNegative() {
		return false, crm.ErrInvalidInput
	}
	p.TotalRevenue = p.TotalRevenue.Add(amount)
	p.TotalConverted++
	p.UpdatedAt = at
	t.st.partners[id] = p
	return true, nil
}

func (t *memTx) AppendCommission(_ context.Context, e crm.CommissionEntry) error {
	if t.st.commissioned[e.UserID] {
		return &crm.ConsistencyError{PartnerID: e.PartnerID, Op: "journal second commission for user " + string(e.UserID)}
	}
	t.st.commissions = append(t.st.commissions, e)
	t.st.commissioned[e.UserID] = true
	return nil
}

func (t *memTx) CompareAndSetSubscription(_ context.Context, id crm.UserID, expect crm.Status, upd crm.SubscriptionUpdate, at time.Time) (bool, error) {
	s, ok := t.st.subscribers[id]
	if !ok || s.Status != expect {
		return false, nil
	}
	if upd.Status != nil {
		if err := crm.CheckTransition(s.Status, *upd.Status); err != nil {
			return false, err
		}
		s.Status = *upd.Status
	}
	switch {
	case upd.ClearEndsAt:
		s.SubscriptionEndsAt = nil
	case upd.EndsAt != nil:
		e := *upd.EndsAt
		s.SubscriptionEndsAt = &e
	}
	s.UpdatedAt = at
	t.st.subscribers[id] = s
	return true, nil
}
