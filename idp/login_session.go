package idp

import (
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// loginSession tracks one authorization-code round trip from BeginLogin to
// CompleteLogin. Sessions are short-lived and held in memory only.
type loginSession struct {
	ID           string
	State        string
	Nonce        string
	CodeVerifier string
	CreatedAt    time.Time
}

type loginStore struct {
	mux      sync.RWMutex
	sessions map[string]*loginSession
}

func newLoginStore() *loginStore {
	return &loginStore{sessions: make(map[string]*loginSession)}
}

func (s *loginStore) create(state, nonce, verifier string) *loginSession {
	s.mux.Lock()
	defer s.mux.Unlock()
	session := &loginSession{
		ID:           ksuid.New().String(),
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		CreatedAt:    time.Now(),
	}
	s.sessions[state] = session
	return session
}

func (s *loginStore) takeByState(state string) (*loginSession, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	session, ok := s.sessions[state]
	if !ok {
		return nil, fmt.Errorf("login session with state '%s' not found", state)
	}
	delete(s.sessions, state)
	return session, nil
}
