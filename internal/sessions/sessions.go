// Package sessions is the relay's session registry: one record per relayed
// connection, queryable while the session runs and after it closes. The
// in-memory store is the default; a Redis-backed store keeps the registry
// visible across relay restarts and to external tooling.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates an unknown session ID.
var ErrNotFound = errors.New("session not found")

// State tracks where a session is in its lifecycle.
type State string

const (
	StateNegotiating State = "negotiating"
	StateConnecting  State = "connecting"
	StateActive      State = "active"
	StateClosed      State = "closed"
)

// Credentials captured from the client info PDU. Observed is what the
// client sent; Forwarded differs when replacement is configured.
type Credentials struct {
	Domain    string `json:"domain"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Forwarded string `json:"forwarded_username,omitempty"`
}

// Session is one registry record.
type Session struct {
	ID         uuid.UUID `json:"id"`
	ClientAddr string    `json:"client_addr"`
	ServerAddr string    `json:"server_addr"`
	State      State     `json:"state"`

	Credentials *Credentials `json:"credentials,omitempty"`

	BytesToServer uint64 `json:"bytes_to_server"`
	BytesToClient uint64 `json:"bytes_to_client"`

	RecordingPath string    `json:"recording_path,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	ClosedAt      time.Time `json:"closed_at,omitempty"`
}

// Store is the registry backend. Implementations are safe for concurrent
// use.
type Store interface {
	Put(ctx context.Context, session *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Close() error
}

// MemoryStore is the default in-process registry.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewMemoryStore returns an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID]*Session)}
}

// Put inserts or replaces a session record.
func (s *MemoryStore) Put(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.sessions[session.ID] = &copied

	return nil
}

// Get returns one session record.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *session

	return &copied, nil
}

// List returns all session records.
func (s *MemoryStore) List(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))

	for _, session := range s.sessions {
		copied := *session
		out = append(out, &copied)
	}

	return out, nil
}

// Delete removes a session record.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)

	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
