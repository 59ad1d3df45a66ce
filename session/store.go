package session

import (
	"sync"
	"time"

	"github.com/cleranet/console-bff/idp"
)

// Role is the authorization role of the signed-in user as last reported by
// the upstream backend. It is never inferred from the token payload.
type Role string

const RoleUnknown Role = ""

// Snapshot is the full authentication state of the console. Writers replace
// it wholesale; readers never observe a partially updated snapshot.
//
// The token is deliberately excluded from JSON: the session endpoint and the
// event stream describe the session, they do not hand out credentials.
type Snapshot struct {
	Token           string        `json:"-"`
	ExpiresAt       time.Time     `json:"expires_at,omitzero"`
	User            *idp.Identity `json:"user,omitempty"`
	Role            Role          `json:"role,omitempty"`
	IsAuthenticated bool          `json:"is_authenticated"`
	IsLoading       bool          `json:"is_loading"`
}

// Store holds the process-wide session snapshot. It has exactly one writer,
// the lifecycle manager, which receives the Writer handle at construction;
// every other component can only read and subscribe.
type Store struct {
	mux         sync.RWMutex
	snapshot    Snapshot
	subscribers map[int]chan Snapshot
	nextID      int
}

// Writer is the single mutation entry point of a Store.
type Writer struct {
	store *Store
}

// NewStore creates a store in the initial loading state and hands out the
// one Writer allowed to mutate it.
func NewStore() (*Store, *Writer) {
	s := &Store{
		snapshot:    Snapshot{IsLoading: true},
		subscribers: make(map[int]chan Snapshot),
	}
	return s, &Writer{store: s}
}

func (s *Store) Get() Snapshot {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.snapshot
}

// Subscribe registers a listener for snapshot replacements. The returned
// cancel function releases the subscription; failing to call it leaks the
// channel. Slow subscribers miss intermediate snapshots rather than blocking
// the writer, but always receive the most recently written one.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mux.Lock()
	defer s.mux.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Snapshot, 4)
	s.subscribers[id] = ch
	return ch, func() {
		s.mux.Lock()
		defer s.mux.Unlock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
}

// Sync replaces the snapshot atomically. IsAuthenticated is derived here so
// no writer can publish an inconsistent combination of token and user.
func (w *Writer) Sync(snapshot Snapshot) {
	snapshot.IsLoading = false
	snapshot.IsAuthenticated = snapshot.Token != "" &&
		snapshot.User != nil &&
		time.Now().Before(snapshot.ExpiresAt)
	w.store.replace(snapshot)
}

// Clear resets the session to the signed-out state.
func (w *Writer) Clear() {
	w.store.replace(Snapshot{})
}

func (s *Store) replace(snapshot Snapshot) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.snapshot = snapshot
	// non-blocking sends under the lock: a cancel cannot close a channel
	// mid fan-out
	for _, ch := range s.subscribers {
		select {
		case ch <- snapshot:
			continue
		default:
		}
		// full buffer: drop the oldest queued snapshot so the latest one
		// still lands
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
