package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the server-side record bound to the signed cookie. It carries
// the subject, display claims, and the cached token set from the provider
// callback.
type Session struct {
	ID        string
	Subject   string
	Name      string
	Email     string
	Roles     []string
	Tokens    TokenSet
	AuthTime  time.Time
	ExpiresAt time.Time
}

// TokenSet holds the raw tokens returned by the provider's token endpoint.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	Expiry       time.Time
}

// LoginState tracks an outstanding challenge awaiting the provider
// callback: the state parameter, the nonce bound to the ID token, and the
// path the browser originally asked for.
type LoginState struct {
	State     string
	Nonce     string
	ReturnTo  string
	CreatedAt time.Time
}

const loginStateTTL = 10 * time.Minute

// InMemoryStore keeps ephemeral gateway state: sessions and pending login
// states. Sessions are deliberately not persisted; a restart logs
// everyone out rather than risking resurrection of cleared sessions.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]Session
	loginStates map[string]LoginState
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]Session),
		loginStates: make(map[string]LoginState),
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	return uuid.NewString()
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SaveLoginState stores a challenge awaiting callback.
func (s *InMemoryStore) SaveLoginState(ls LoginState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginStates[ls.State] = ls
}

// ConsumeLoginState retrieves and removes a login state. Expired states
// are treated as unknown.
func (s *InMemoryStore) ConsumeLoginState(state string) (LoginState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.loginStates[state]
	if !ok {
		return LoginState{}, false
	}
	delete(s.loginStates, state)
	if time.Since(ls.CreatedAt) > loginStateTTL {
		return LoginState{}, false
	}
	return ls, true
}
