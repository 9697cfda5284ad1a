// Package kvstore provides the durable key-value storage the call agent
// shares with the native layer. The contract is deliberately small: string
// keys, string values, no transactions, no multi-key atomicity. Callers that
// need "read or empty" semantics treat a read error as an absent key.
package kvstore

import (
	"context"
	"sync"
)

// Store is the durable key-value collaborator.
//
// Get returns ok=false for a missing key; implementations must not
// translate "not found" into an error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process Store used by tests and local development.
// It is safe for concurrent use but obviously not durable.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]string)}
}

func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *Memory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
