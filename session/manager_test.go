package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleranet/console-bff/idp"
)

// fakeBridge is a scriptable credential provider. tokenDelay makes refreshes
// slow enough for concurrent callers to pile up on the singleflight group.
type fakeBridge struct {
	events     chan idp.Event
	mux        sync.Mutex
	token      *idp.Token
	err        error
	tokenDelay time.Duration
	calls      atomic.Int32
	forceCalls atomic.Int32
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{events: make(chan idp.Event, 4)}
}

func (b *fakeBridge) setToken(token *idp.Token, err error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.token = token
	b.err = err
}

func (b *fakeBridge) Events() <-chan idp.Event {
	return b.events
}

func (b *fakeBridge) Token(ctx context.Context, forceRefresh bool) (*idp.Token, error) {
	b.calls.Add(1)
	if forceRefresh {
		b.forceCalls.Add(1)
	}
	if b.tokenDelay > 0 {
		time.Sleep(b.tokenDelay)
	}
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	token := *b.token
	return &token, nil
}

func (b *fakeBridge) Close() {
	close(b.events)
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSignInEventEstablishesSession(t *testing.T) {
	bridge := newFakeBridge()
	bridge.setToken(&idp.Token{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)}, nil)

	store, writer := NewStore()
	manager := NewManager(bridge, store, writer, 5*time.Minute,
		WithRoleFunc(func(ctx context.Context, accessToken string) (Role, error) {
			assert.Equal(t, "tok-1", accessToken)
			return "admin", nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	bridge.events <- idp.Event{Identity: &idp.Identity{Subject: "u1"}}

	waitFor(t, func() bool { return store.Get().IsAuthenticated })
	snapshot := store.Get()
	assert.Equal(t, "tok-1", snapshot.Token)
	assert.Equal(t, Role("admin"), snapshot.Role)
	assert.Equal(t, "u1", snapshot.User.Subject)
	assert.Equal(t, StateAuthenticated, manager.State())
}

func TestSignOutEventClearsSession(t *testing.T) {
	bridge := newFakeBridge()
	bridge.setToken(&idp.Token{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)}, nil)

	store, writer := NewStore()
	manager := NewManager(bridge, store, writer, 5*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	bridge.events <- idp.Event{Identity: &idp.Identity{Subject: "u1"}}
	waitFor(t, func() bool { return store.Get().IsAuthenticated })

	bridge.events <- idp.Event{}
	waitFor(t, func() bool { return !store.Get().IsAuthenticated })
	assert.Equal(t, Snapshot{}, store.Get())
	assert.Equal(t, StateUnauthenticated, manager.State())
}

func TestConcurrentTokenCallersShareOneRefresh(t *testing.T) {
	bridge := newFakeBridge()
	// expiry inside the margin forces every caller onto the refresh path
	bridge.setToken(&idp.Token{AccessToken: "stale", Expiry: time.Now().Add(time.Minute)}, nil)
	bridge.tokenDelay = 50 * time.Millisecond

	store, writer := NewStore()
	manager := NewManager(bridge, store, writer, 5*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	bridge.events <- idp.Event{Identity: &idp.Identity{Subject: "u1"}}
	waitFor(t, func() bool { return store.Get().IsAuthenticated })

	// the refresh that the callers will share hands out a fresh token
	bridge.setToken(&idp.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, nil)
	initialCalls := bridge.calls.Load()

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			tokens[i], errs[i] = manager.Token(context.Background())
		}(i)
	}
	start.Done()
	done.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", tokens[i], "all callers must observe the same resolved token")
	}
	assert.Equal(t, int32(1), bridge.calls.Load()-initialCalls,
		"concurrent callers must share exactly one provider call")
	assert.Equal(t, int32(1), bridge.forceCalls.Load())
}

func TestRefreshFailureClearsSession(t *testing.T) {
	bridge := newFakeBridge()
	bridge.setToken(&idp.Token{AccessToken: "stale", Expiry: time.Now().Add(time.Minute)}, nil)

	store, writer := NewStore()
	manager := NewManager(bridge, store, writer, 5*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	bridge.events <- idp.Event{Identity: &idp.Identity{Subject: "u1"}}
	waitFor(t, func() bool { return store.Get().IsAuthenticated })

	bridge.setToken(nil, &idp.ProviderError{Op: "refresh", Err: errors.New("provider down")})

	_, err := manager.Token(context.Background())
	require.Error(t, err)

	// a failed refresh must not leave a stale token in use
	assert.Equal(t, Snapshot{}, store.Get())
	assert.Equal(t, StateUnauthenticated, manager.State())
}

func TestValidTokenIsReturnedWithoutRefresh(t *testing.T) {
	bridge := newFakeBridge()
	bridge.setToken(&idp.Token{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)}, nil)

	store, writer := NewStore()
	manager := NewManager(bridge, store, writer, 5*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	bridge.events <- idp.Event{Identity: &idp.Identity{Subject: "u1"}}
	waitFor(t, func() bool { return store.Get().IsAuthenticated })
	callsAfterSignIn := bridge.calls.Load()

	token, err := manager.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, callsAfterSignIn, bridge.calls.Load(), "no refresh for a comfortably valid token")
}
