package idp

import (
	"context"
	"fmt"
	"time"
)

// Identity is the profile snapshot of the signed-in user as asserted by the
// identity provider. The console never derives authorization from it; the
// role attached to the session comes from the upstream backend.
type Identity struct {
	Subject string         `json:"sub"`
	Name    string         `json:"name,omitempty"`
	Email   string         `json:"email,omitempty"`
	Claims  map[string]any `json:"-"`
}

// Token is an opaque bearer credential together with its expiry.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

// Event announces a provider-level session change. A nil Identity means the
// user signed out (or the provider invalidated the session).
type Event struct {
	Identity *Identity
}

// Bridge wraps an identity provider. Session changes are delivered as
// messages on the Events channel, consumed by exactly one lifecycle manager.
// Close releases the provider subscription and closes the channel.
type Bridge interface {
	Events() <-chan Event
	Token(ctx context.Context, forceRefresh bool) (*Token, error)
	Close()
}

// ProviderError reports a failure talking to the identity provider. The
// bridge performs no retries; callers decide whether to clear the session.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
