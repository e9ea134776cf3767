package creds

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the default in-process credential store. Both lookup
// directions are kept as maps so Authenticate stays O(1).
type MemoryStore struct {
	mu      sync.RWMutex
	byName  map[string]string // name -> token
	byToken map[string]string // token -> name
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byName:  make(map[string]string),
		byToken: make(map[string]string),
	}
}

// Authenticate resolves a token to its canonical name.
func (s *MemoryStore) Authenticate(_ context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, ok := s.byToken[token]
	if !ok {
		return "", ErrUnknownToken
	}
	return name, nil
}

// Set creates or replaces the credential for name. Replacing a name's token
// releases the old token; claiming another name's token fails.
func (s *MemoryStore) Set(_ context.Context, name, token string) error {
	if name == "" || token == "" {
		return ErrInvalidCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.byToken[token]; ok && owner != name {
		return ErrTokenInUse
	}
	if old, ok := s.byName[name]; ok && old != token {
		delete(s.byToken, old)
	}
	s.byName[name] = token
	s.byToken[token] = name
	return nil
}

// Remove deletes the credential for name.
func (s *MemoryStore) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.byName[name]
	if !ok {
		return ErrUnknownUser
	}
	delete(s.byName, name)
	delete(s.byToken, token)
	return nil
}

// Names returns the sorted names of all stored credentials.
func (s *MemoryStore) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
