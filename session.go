package session

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"
)

// Handler defines the session persistence contract. All implementations
// must treat a missing record as a normal condition: Read creates it,
// Destroy ignores it.
type Handler interface {
	// Open verifies the storage connection.
	Open(ctx context.Context) error
	// Close releases the backend resources.
	Close() error
	// Read returns the payload stored under id. Reading an unknown id
	// creates an empty record and returns an empty payload.
	Read(ctx context.Context, id string) ([]byte, error)
	// Write persists data under id and stamps the record's last update time.
	Write(ctx context.Context, id string, data []byte) error
	// Destroy removes the record for id. Destroying an absent record succeeds.
	Destroy(ctx context.Context, id string) error
	// GC removes records that have not been written to for longer than
	// maxLifetime and returns the number removed.
	GC(ctx context.Context, maxLifetime time.Duration) (int64, error)
}

// Environment reports whether the process is handling interactive traffic
// that owns sessions. In non-interactive contexts (batch or scheduled jobs)
// handlers skip all data operations so they never touch storage.
type Environment interface {
	Interactive() bool
}

// EnvironmentFunc adapts a function to the Environment interface.
type EnvironmentFunc func() bool

func (f EnvironmentFunc) Interactive() bool { return f() }

// StaticEnvironment returns an Environment with a fixed answer.
func StaticEnvironment(interactive bool) Environment {
	return EnvironmentFunc(func() bool { return interactive })
}

// Session represents a user session.
type Session struct {
	ID        string
	Values    map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time

	mu sync.RWMutex
}

// Set stores a value under key. Safe for concurrent use.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Values == nil {
		s.Values = make(map[string]any)
	}
	s.Values[key] = value
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Values[key]
	return v, ok
}

// Delete removes the value stored under key.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Values, key)
}

// Clear removes all values from the session.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.Values)
}

// sessionEnvelope is the gob frame the Manager persists through a Handler.
type sessionEnvelope struct {
	Values    map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time
}

func init() {
	gob.Register(map[string]any{})
	gob.Register(sessionEnvelope{})
}

func decodeEnvelope(data []byte) (sessionEnvelope, error) {
	reader := readerPool.Get().(*bytes.Reader)
	reader.Reset(data)
	defer readerPool.Put(reader)

	var env sessionEnvelope
	if err := gob.NewDecoder(reader).Decode(&env); err != nil {
		return sessionEnvelope{}, fmt.Errorf("failed to decode session data: %w", err)
	}
	return env, nil
}
