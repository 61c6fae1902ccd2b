package subscription

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store and UserStore implementation. It mirrors
// the atomicity guarantees of the mongo implementation under a single mutex,
// making it suitable for tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]*Subscription
	pointers map[uuid.UUID]uuid.UUID // userID -> active subscription id
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:     make(map[uuid.UUID]*Subscription),
		pointers: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) ByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := m.findByProviderID(providerSubID)
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) CurrentForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *Subscription
	for _, sub := range m.subs {
		if sub.UserID != userID || !sub.Status.Entitled() {
			continue
		}
		if current == nil || sub.CreatedAt.After(current.CreatedAt) {
			current = sub
		}
	}
	if current == nil {
		return nil, ErrSubscriptionNotFound
	}
	cp := *current
	return &cp, nil
}

func (m *MemoryStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	slices.SortFunc(out, func(a, b Subscription) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, asOf time.Time) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Subscription
	for _, sub := range m.subs {
		if sub.Status == StatusActive && sub.PeriodLapsed(asOf) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertByProviderID(ctx context.Context, providerSubID string, onInsert *Subscription, change Change) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := m.findByProviderID(providerSubID)
	if sub == nil {
		if onInsert == nil {
			return nil, ErrSubscriptionNotFound
		}
		cp := *onInsert
		cp.ProviderSubID = providerSubID
		sub = &cp
		m.subs[sub.ID] = sub
	}

	applyChange(sub, change)
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, id uuid.UUID, expect []Status, change Change) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if len(expect) > 0 && !slices.Contains(expect, sub.Status) {
		return nil, ErrStaleTransition
	}

	applyChange(sub, change)
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) ActiveSubscription(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.pointers[userID]
	return id, ok, nil
}

func (m *MemoryStore) SetActiveSubscription(ctx context.Context, userID, subID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pointers[userID] = subID
	return nil
}

func (m *MemoryStore) ClearActiveSubscription(ctx context.Context, userID, subID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.pointers[userID]; ok && current == subID {
		delete(m.pointers, userID)
	}
	return nil
}

func (m *MemoryStore) findByProviderID(providerSubID string) *Subscription {
	if providerSubID == "" {
		return nil
	}
	for _, sub := range m.subs {
		if sub.ProviderSubID == providerSubID {
			return sub
		}
	}
	return nil
}

func applyChange(sub *Subscription, change Change) {
	if change.PlanID != nil {
		sub.PlanID = *change.PlanID
	}
	if change.Status != nil {
		sub.Status = *change.Status
	}
	if change.StartDate != nil {
		sub.StartDate = change.StartDate
	}
	if change.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = change.CurrentPeriodEnd
	}
	if change.CancelledAt != nil {
		sub.CancelledAt = change.CancelledAt
	}
	if change.CancellationEffectiveDate != nil {
		sub.CancellationEffectiveDate = change.CancellationEffectiveDate
	}
	if change.ClearCancellation {
		sub.CancelledAt = nil
		sub.CancellationEffectiveDate = nil
	}
	if change.RenewalEnabled != nil {
		sub.RenewalEnabled = *change.RenewalEnabled
	}
	if change.AutoRenew != nil {
		sub.AutoRenew = *change.AutoRenew
	}
	sub.UpdatedAt = time.Now().UTC()
}
