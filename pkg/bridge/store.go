// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"sync"

	"github.com/absmach/wampd/pkg/errors"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionStore keeps persistent sessions between connections. Get returns
// errors.ErrNotFound for unknown clients.
type SessionStore interface {
	Get(clientID string) (*Session, error)
	Save(s *Session) error
	Delete(clientID string) error
}

// MemoryStore is a process-local SessionStore. It keeps copies, so a
// session handed out by Get is owned by the caller.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

var _ SessionStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*Session{}}
}

func (m *MemoryStore) Get(clientID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ClientID] = s.clone()
	return nil
}

func (m *MemoryStore) Delete(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, clientID)
	return nil
}
