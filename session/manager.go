package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cleranet/console-bff/idp"
	"golang.org/x/sync/singleflight"
)

type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateAuthenticating  State = "AUTHENTICATING"
	StateAuthenticated   State = "AUTHENTICATED"
	StateRefreshing      State = "REFRESHING"
)

// RoleFunc resolves the user's role from the upstream backend using a fresh
// access token. The session role is only ever what the upstream reports.
type RoleFunc func(ctx context.Context, accessToken string) (Role, error)

// Manager owns the token lifecycle. It is the only consumer of the bridge's
// event channel and the only writer of the session store.
//
// Refreshes are de-duplicated through a singleflight group: any number of
// concurrent Token callers racing an expiring token share one provider call
// and observe the same token or the same error.
type Manager struct {
	bridge   idp.Bridge
	store    *Store
	writer   *Writer
	margin   time.Duration
	roleFunc RoleFunc

	group singleflight.Group

	mux      sync.Mutex
	state    State
	identity *idp.Identity
	token    *idp.Token
	timer    *time.Timer
}

type ManagerOption func(*Manager)

// WithRoleFunc makes the manager resolve the upstream role after every
// sign-in.
func WithRoleFunc(fn RoleFunc) ManagerOption {
	return func(m *Manager) {
		m.roleFunc = fn
	}
}

func NewManager(bridge idp.Bridge, store *Store, writer *Writer, margin time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		bridge: bridge,
		store:  store,
		writer: writer,
		margin: margin,
		state:  StateUnauthenticated,
		timer:  time.NewTimer(time.Hour),
	}
	m.timer.Stop()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.state
}

// Run consumes provider events and proactive refresh timer fires until the
// context is cancelled or the bridge closes its channel.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.stopTimer()
			return
		case event, ok := <-m.bridge.Events():
			if !ok {
				m.stopTimer()
				return
			}
			if event.Identity == nil {
				m.signOut("provider sign-out")
			} else {
				m.signIn(ctx, event.Identity)
			}
		case <-m.timer.C:
			slog.Debug("proactive token refresh")
			_, _ = m.refresh(ctx)
		}
	}
}

// Token returns a valid access token, refreshing through the bridge when the
// current one is inside the expiry margin. Fails when no session is active
// or the provider refuses the refresh; there is no automatic retry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mux.Lock()
	token := m.token
	m.mux.Unlock()

	if token != nil && time.Until(token.Expiry) > m.margin {
		return token.AccessToken, nil
	}
	return m.refresh(ctx)
}

func (m *Manager) signIn(ctx context.Context, identity *idp.Identity) {
	m.setState(StateAuthenticating)

	token, err := m.bridge.Token(ctx, false)
	if err != nil {
		slog.Error("token fetch after sign-in failed", "error", err)
		m.signOut("provider error")
		return
	}

	role := m.resolveRole(ctx, token.AccessToken)

	m.mux.Lock()
	m.identity = identity
	m.token = token
	m.mux.Unlock()

	m.writer.Sync(Snapshot{
		Token:     token.AccessToken,
		ExpiresAt: token.Expiry,
		User:      identity,
		Role:      role,
	})
	m.setState(StateAuthenticated)
	m.scheduleRefresh(token.Expiry)
	slog.Info("session established", "subject", identity.Subject, "expires_at", token.Expiry)
}

func (m *Manager) signOut(reason string) {
	m.stopTimer()
	m.mux.Lock()
	m.identity = nil
	m.token = nil
	m.mux.Unlock()
	m.writer.Clear()
	m.setState(StateUnauthenticated)
	slog.Info("session cleared", "reason", reason)
}

// refresh funnels every caller through one in-flight provider call. A failed
// refresh clears the session rather than leaving a stale token in use.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	value, err, _ := m.group.Do("refresh", func() (any, error) {
		// double-check after acquiring the flight: a caller queued behind
		// a finished refresh reuses its result instead of refreshing again
		m.mux.Lock()
		current := m.token
		m.mux.Unlock()
		if current != nil && time.Until(current.Expiry) > m.margin {
			return current.AccessToken, nil
		}

		m.setState(StateRefreshing)

		token, err := m.bridge.Token(ctx, true)
		if err != nil {
			m.signOut("refresh failed")
			return nil, err
		}

		m.mux.Lock()
		m.token = token
		identity := m.identity
		m.mux.Unlock()

		m.writer.Sync(Snapshot{
			Token:     token.AccessToken,
			ExpiresAt: token.Expiry,
			User:      identity,
			Role:      m.store.Get().Role,
		})
		m.setState(StateAuthenticated)
		m.scheduleRefresh(token.Expiry)
		return token.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (m *Manager) resolveRole(ctx context.Context, accessToken string) Role {
	if m.roleFunc == nil {
		return RoleUnknown
	}
	role, err := m.roleFunc(ctx, accessToken)
	if err != nil {
		slog.Warn("role lookup failed, continuing without role", "error", err)
		return RoleUnknown
	}
	return role
}

// minRefreshInterval keeps a provider that hands out tokens already inside
// the margin from driving a hot proactive-refresh loop. On-demand callers
// still refresh immediately through Token.
const minRefreshInterval = 30 * time.Second

func (m *Manager) scheduleRefresh(expiry time.Time) {
	wait := time.Until(expiry) - m.margin
	if wait < minRefreshInterval {
		wait = minRefreshInterval
	}
	m.mux.Lock()
	m.timer.Reset(wait)
	m.mux.Unlock()
	slog.Debug("refresh scheduled", "in", wait)
}

func (m *Manager) stopTimer() {
	m.mux.Lock()
	m.timer.Stop()
	m.mux.Unlock()
}

func (m *Manager) setState(state State) {
	m.mux.Lock()
	m.state = state
	m.mux.Unlock()
}
