package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"
)

// Memory 进程内 Store，用于测试和 STORE_DRIVER=memory
type Memory struct {
	mu           sync.RWMutex
	entitlements map[string]models.Entitlement
	byCustomer   map[string]string
	users        map[string]models.User
	events       map[string]models.BillingWebhookEvent
	now          func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entitlements: make(map[string]models.Entitlement),
		byCustomer:   make(map[string]string),
		users:        make(map[string]models.User),
		events:       make(map[string]models.BillingWebhookEvent),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Get(_ context.Context, userID string) (models.Entitlement, error) {
	if userID == "" {
		return models.Entitlement{}, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entitlements[userID]; ok {
		return e, nil
	}
	return models.DefaultEntitlement(userID), nil
}

func (m *Memory) GetByBillingCustomerID(_ context.Context, customerID string) (models.Entitlement, error) {
	if customerID == "" {
		return models.Entitlement{}, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.byCustomer[customerID]
	if !ok {
		return models.Entitlement{}, ErrNotFound
	}
	return m.entitlements[userID], nil
}

func (m *Memory) Upsert(_ context.Context, userID string, u models.EntitlementUpdate) (models.Entitlement, error) {
	if userID == "" {
		return models.Entitlement{}, ErrNotFound
	}
	if u.Tier != nil && !u.Tier.Valid() {
		return models.Entitlement{}, fmt.Errorf("upsert entitlement: %w", tier.ErrUnknownTier)
	}
	if u.Status != nil && !u.Status.Valid() {
		return models.Entitlement{}, fmt.Errorf("upsert entitlement: %w", models.ErrUnknownStatus)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if u.BillingCustomerID != nil {
		if owner, ok := m.byCustomer[*u.BillingCustomerID]; ok && owner != userID {
			return models.Entitlement{}, fmt.Errorf("billing customer already mapped: %w", ErrConflict)
		}
	}

	current, ok := m.entitlements[userID]
	if !ok {
		current = models.DefaultEntitlement(userID)
	}
	if current.BillingCustomerID != nil && u.BillingCustomerID != nil && *current.BillingCustomerID != *u.BillingCustomerID {
		delete(m.byCustomer, *current.BillingCustomerID)
	}
	next := u.Apply(current)
	next.UpdatedAt = m.now()
	m.entitlements[userID] = next
	if next.BillingCustomerID != nil {
		m.byCustomer[*next.BillingCustomerID] = userID
	}
	return next, nil
}

func (m *Memory) CreateUser(_ context.Context, user models.User) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user.Email = strings.ToLower(user.Email)
	for _, existing := range m.users {
		if existing.ID == user.ID || existing.Email == user.Email {
			return models.User{}, ErrConflict
		}
		if user.GoogleID != nil && existing.GoogleID != nil && *existing.GoogleID == *user.GoogleID {
			return models.User{}, ErrConflict
		}
	}
	now := m.now()
	user.CreatedAt, user.UpdatedAt = now, now
	m.users[user.ID] = user
	if _, ok := m.entitlements[user.ID]; !ok {
		e := models.DefaultEntitlement(user.ID)
		e.UpdatedAt = now
		m.entitlements[user.ID] = e
	}
	return user, nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, ErrNotFound
}

func (m *Memory) GetUserByGoogleID(_ context.Context, googleID string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.GoogleID != nil && *u.GoogleID == googleID {
			return u, nil
		}
	}
	return models.User{}, ErrNotFound
}

func (m *Memory) LinkGoogleID(_ context.Context, userID, googleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range m.users {
		if id != userID && other.GoogleID != nil && *other.GoogleID == googleID {
			return ErrConflict
		}
	}
	u.GoogleID = &googleID
	u.UpdatedAt = m.now()
	m.users[userID] = u
	return nil
}

func eventKey(provider, id string) string {
	return provider + ":" + id
}

func (m *Memory) RecordWebhookEvent(_ context.Context, event models.BillingWebhookEvent) (bool, models.BillingWebhookEvent, error) {
	key := eventKey(event.Provider, event.ProviderEventID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.events[key]; ok {
		return false, stored, nil
	}
	event.CreatedAt = m.now()
	event.ProcessedAt = nil
	event.ProcessingError = ""
	m.events[key] = event
	return true, event, nil
}

func (m *Memory) MarkWebhookProcessed(_ context.Context, provider, providerEventID, processingError string) error {
	key := eventKey(provider, providerEventID)
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.events[key]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	stored.ProcessedAt = &now
	stored.ProcessingError = processingError
	m.events[key] = stored
	return nil
}
