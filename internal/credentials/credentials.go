// Package credentials holds the identity state attached to every backend
// request: the access token, the tenant id, and the secondary agent token.
// Stores are pure get/set/clear; the server is the only authority on whether
// a token is still valid.
package credentials

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownField = errors.New("unknown credential field")

type Field string

const (
	FieldAccessToken Field = "accessToken"
	FieldTenantID    Field = "tenantId"
	FieldAgentToken  Field = "agentToken"
)

var Fields = []Field{FieldAccessToken, FieldTenantID, FieldAgentToken}

// Set is one snapshot of the credential state. An empty string means unset.
type Set struct {
	AccessToken string `json:"accessToken,omitempty"`
	TenantID    string `json:"tenantId,omitempty"`
	AgentToken  string `json:"agentToken,omitempty"`
}

func (s Set) Get(field Field) (string, error) {
	switch field {
	case FieldAccessToken:
		return s.AccessToken, nil
	case FieldTenantID:
		return s.TenantID, nil
	case FieldAgentToken:
		return s.AgentToken, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

func (s *Set) put(field Field, value string) error {
	switch field {
	case FieldAccessToken:
		s.AccessToken = value
	case FieldTenantID:
		s.TenantID = value
	case FieldAgentToken:
		s.AgentToken = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return nil
}

func (s Set) IsZero() bool {
	return s == Set{}
}

type Store interface {
	Get(field Field) string
	Set(field Field, value string) error
	ClearField(field Field) error
	Snapshot() Set
	Replace(next Set) error
	// Clear removes every field in one write.
	Clear() error
}

type MemoryStore struct {
	mu  sync.RWMutex
	set Set
}

func NewMemoryStore(initial Set) *MemoryStore {
	return &MemoryStore{set: initial}
}

func (m *MemoryStore) Get(field Field) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, _ := m.set.Get(field)
	return value
}

func (m *MemoryStore) Set(field Field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set.put(field, value)
}

func (m *MemoryStore) ClearField(field Field) error {
	return m.Set(field, "")
}

func (m *MemoryStore) Snapshot() Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set
}

func (m *MemoryStore) Replace(next Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = next
	return nil
}

func (m *MemoryStore) Clear() error {
	return m.Replace(Set{})
}
