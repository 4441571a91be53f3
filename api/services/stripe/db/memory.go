package db

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process store with the same conditional-update
// semantics as PostgresStore. Used by tests and single-node development runs.
type MemoryStore struct {
	mu sync.Mutex

	nextID        int64
	subscriptions map[int64]*InternalSubscription
	refs          map[string]int64

	events map[string]string

	altPrices map[string]AlternatePrice
	features  map[string][]PlanFeature

	customers map[int64]*CustomerLink
	natives   map[string]*NativeSubscription
	products  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[int64]*InternalSubscription),
		refs:          make(map[string]int64),
		events:        make(map[string]string),
		altPrices:     make(map[string]AlternatePrice),
		features:      make(map[string][]PlanFeature),
		customers:     make(map[int64]*CustomerLink),
		natives:       make(map[string]*NativeSubscription),
		products:      make(map[string]time.Time),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copySubscription(s *InternalSubscription) InternalSubscription {
	out := *s
	out.PaymentRefs = slices.Clone(s.PaymentRefs)
	return out
}

func (m *MemoryStore) FindByPaymentRef(_ context.Context, ref string) (InternalSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.refs[ref]
	if !ok {
		return InternalSubscription{}, ErrNotFound
	}
	return copySubscription(m.subscriptions[id]), nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id int64) (InternalSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[id]
	if !ok {
		return InternalSubscription{}, ErrNotFound
	}
	return copySubscription(s), nil
}

func (m *MemoryStore) CreateSubscription(_ context.Context, s InternalSubscription) (InternalSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ref := range s.PaymentRefs {
		if _, taken := m.refs[ref]; taken {
			return InternalSubscription{}, fmt.Errorf("payment ref %s: %w", ref, ErrAlreadyExists)
		}
	}
	s.ID = m.id()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	s.PaymentRefs = slices.Clone(s.PaymentRefs)
	m.subscriptions[s.ID] = &s
	for _, ref := range s.PaymentRefs {
		m.refs[ref] = s.ID
	}
	return copySubscription(&s), nil
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id int64, nextDue int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[id]
	if !ok || (s.Status == StatusSucceeded && s.Active) {
		return false, nil
	}
	s.Status = StatusSucceeded
	s.Active = true
	s.NextDue = nextDue
	s.LastNotification = 0
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) Cancel(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[id]
	if !ok || (!s.Active && s.Status == StatusCancelled) {
		return false, nil
	}
	s.Status = StatusCancelled
	s.Active = false
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id int64, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[id]
	if !ok || s.Status != from || !s.Active {
		return false, nil
	}
	s.Status = to
	s.Active = false
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ScheduleCancel(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[id]
	if !ok || s.Status != StatusSucceeded || !s.Active {
		return false, nil
	}
	s.Status = StatusCancelPending
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) BeginRenewal(_ context.Context, id int64, refs PaymentRefs, notifiedAt int64) (bool, error) {
	if len(refs) == 0 {
		return false, fmt.Errorf("begin renewal for subscription %d: no payment refs", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != StatusSucceeded || !s.Active {
		return false, nil
	}
	for _, ref := range refs {
		if owner, taken := m.refs[ref]; taken && owner != id {
			return false, fmt.Errorf("payment ref %s: %w", ref, ErrAlreadyExists)
		}
	}
	for _, ref := range s.PaymentRefs {
		delete(m.refs, ref)
	}
	s.PaymentRefs = slices.Clone(refs)
	for _, ref := range refs {
		m.refs[ref] = id
	}
	s.Status = StatusCreated
	s.LastNotification = notifiedAt
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ListActive(_ context.Context, afterID int64, limit int) ([]InternalSubscription, error) {
	return m.filter(func(s *InternalSubscription) bool { return s.Active && s.ID > afterID }, limit), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]InternalSubscription, error) {
	return m.filter(func(s *InternalSubscription) bool { return s.UserID == userID }, 0), nil
}

func (m *MemoryStore) filter(keep func(*InternalSubscription) bool, limit int) []InternalSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.subscriptions))
	for id, s := range m.subscriptions {
		if keep(s) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]InternalSubscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, copySubscription(m.subscriptions[id]))
	}
	return out
}

func (m *MemoryStore) RecordEvent(_ context.Context, eventID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.events[eventID]; seen {
		return false, nil
	}
	m.events[eventID] = eventType
	return true, nil
}

func (m *MemoryStore) ForgetEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, eventID)
	return nil
}

func (m *MemoryStore) GetAlternatePrice(_ context.Context, planID string) (AlternatePrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.altPrices[planID]
	if !ok {
		return AlternatePrice{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) SetAlternatePrice(_ context.Context, a AlternatePrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.altPrices[a.PlanID] = a
	return nil
}

func (m *MemoryStore) ListPlanFeatures(_ context.Context, planID string) ([]PlanFeature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := slices.Clone(m.features[planID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out, nil
}

func (m *MemoryStore) AddPlanFeature(_ context.Context, f PlanFeature) (PlanFeature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f.ID = m.id()
	m.features[f.PlanID] = append(m.features[f.PlanID], f)
	return f, nil
}

func (m *MemoryStore) FindOrCreateCustomer(_ context.Context, c CustomerLink) (CustomerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findCustomer(c.CustomerID, c.ProductID); existing != nil {
		return *existing, nil
	}
	c.ID = m.id()
	c.CreatedAt = time.Now()
	m.customers[c.ID] = &c
	return c, nil
}

func (m *MemoryStore) findCustomer(customerID, productID string) *CustomerLink {
	for _, c := range m.customers {
		if c.CustomerID == customerID && c.ProductID == productID {
			return c
		}
	}
	return nil
}

func (m *MemoryStore) FindCustomer(_ context.Context, customerID, productID string) (CustomerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.findCustomer(customerID, productID); c != nil {
		return *c, nil
	}
	return CustomerLink{}, ErrNotFound
}

func (m *MemoryStore) DeleteCustomer(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.customers, id)
	for ext, s := range m.natives {
		if s.CustomerRowID == id {
			delete(m.natives, ext)
		}
	}
	return nil
}

func (m *MemoryStore) FindOrCreateNativeSubscription(_ context.Context, s NativeSubscription) (NativeSubscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.natives[s.ExternalID]; ok {
		return *existing, false, nil
	}
	c, ok := m.customers[s.CustomerRowID]
	if !ok {
		return NativeSubscription{}, false, fmt.Errorf("customer row %d: %w", s.CustomerRowID, ErrNotFound)
	}
	s.ID = m.id()
	s.UserID = c.UserID
	s.CreatedAt = time.Now()
	m.natives[s.ExternalID] = &s
	return s, true, nil
}

func (m *MemoryStore) DeleteNativeSubscription(_ context.Context, customerRowID int64, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.natives[externalID]; ok && s.CustomerRowID == customerRowID {
		delete(m.natives, externalID)
	}
	return nil
}

func (m *MemoryStore) CreateProduct(_ context.Context, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[externalID]; ok {
		return false, nil
	}
	m.products[externalID] = time.Now()
	return true, nil
}
