package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// DiscoveryDocument is the subset of the OpenID Provider metadata the
// bridge needs.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JwksURI               string `json:"jwks_uri"`
}

// OIDCBridge implements Bridge on top of an OpenID Connect provider using
// the authorization code flow with PKCE. Session changes (completed logins,
// logouts) are emitted on the Events channel.
type OIDCBridge struct {
	cfg          Config
	discovery    *DiscoveryDocument
	oauth2Config *oauth2.Config
	keyCache     *jwk.Cache
	nonces       *NonceService
	logins       *loginStore

	events chan Event

	mux     sync.Mutex
	current *oauth2.Token
	closed  bool
}

func NewOIDCBridge(ctx context.Context, cfg Config) (*OIDCBridge, error) {
	discoveryURL := cfg.Issuer + "/.well-known/openid-configuration"
	discovery, err := fetchDiscoveryDocument(ctx, discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery document from %s: %w", discoveryURL, err)
	}

	keyCache := jwk.NewCache(ctx)
	keyCache.Register(discovery.JwksURI, jwk.WithMinRefreshInterval(15*time.Minute))
	if _, err := keyCache.Refresh(ctx, discovery.JwksURI); err != nil {
		return nil, fmt.Errorf("fetch signing keys: %w", err)
	}

	nonces, err := NewNonceService()
	if err != nil {
		return nil, err
	}

	return &OIDCBridge{
		cfg:       cfg,
		discovery: discovery,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  discovery.AuthorizationEndpoint,
				TokenURL: discovery.TokenEndpoint,
			},
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
		},
		keyCache: keyCache,
		nonces:   nonces,
		logins:   newLoginStore(),
		events:   make(chan Event, 8),
	}, nil
}

func fetchDiscoveryDocument(ctx context.Context, url string) (*DiscoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var document DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&document); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	return &document, nil
}

func (b *OIDCBridge) Events() <-chan Event {
	return b.events
}

// Token returns the current provider credential, refreshing it through the
// provider's token endpoint when expired or when forceRefresh is set. The
// bridge itself performs no retries and no de-duplication; the lifecycle
// manager is the single caller and owns both.
func (b *OIDCBridge) Token(ctx context.Context, forceRefresh bool) (*Token, error) {
	b.mux.Lock()
	current := b.current
	b.mux.Unlock()

	if current == nil {
		return nil, &ProviderError{Op: "token", Err: errors.New("no active provider session")}
	}

	seed := *current
	if forceRefresh {
		// an already-expired seed makes the TokenSource go to the
		// token endpoint instead of handing back the cached value
		seed.Expiry = time.Now().Add(-time.Minute)
	}

	refreshed, err := b.oauth2Config.TokenSource(ctx, &seed).Token()
	if err != nil {
		return nil, &ProviderError{Op: "refresh", Err: err}
	}

	b.mux.Lock()
	b.current = refreshed
	b.mux.Unlock()

	return &Token{AccessToken: refreshed.AccessToken, Expiry: refreshed.Expiry}, nil
}

// BeginLogin creates a login session and returns the provider authorization
// URL the browser is redirected to.
func (b *OIDCBridge) BeginLogin() (string, error) {
	state, err := b.nonces.Get()
	if err != nil {
		return "", &ProviderError{Op: "begin login", Err: err}
	}
	nonce, err := b.nonces.Get()
	if err != nil {
		return "", &ProviderError{Op: "begin login", Err: err}
	}

	session := b.logins.create(state, nonce, oauth2.GenerateVerifier())
	slog.Info("login started", "login_session", session.ID)

	return b.oauth2Config.AuthCodeURL(
		state,
		oauth2.S256ChallengeOption(session.CodeVerifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	), nil
}

// CompleteLogin redeems the callback state, exchanges the authorization code
// and verifies the ID token against the provider's signing keys. On success
// the signed-in identity is emitted as a session-changed event.
func (b *OIDCBridge) CompleteLogin(ctx context.Context, state, code string) (*Identity, error) {
	if err := b.nonces.Redeem(state); err != nil {
		return nil, &ProviderError{Op: "complete login", Err: err}
	}

	session, err := b.logins.takeByState(state)
	if err != nil {
		return nil, &ProviderError{Op: "complete login", Err: err}
	}

	token, err := b.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(session.CodeVerifier))
	if err != nil {
		return nil, &ProviderError{Op: "exchange code", Err: err}
	}

	identity, err := b.parseIDToken(ctx, token, session.Nonce)
	if err != nil {
		return nil, err
	}

	b.mux.Lock()
	b.current = token
	b.mux.Unlock()

	b.emit(Event{Identity: identity})
	slog.Info("login completed", "login_session", session.ID, "subject", identity.Subject)
	return identity, nil
}

// Logout drops the provider credential and announces the signed-out state.
func (b *OIDCBridge) Logout() {
	b.mux.Lock()
	b.current = nil
	b.mux.Unlock()
	b.emit(Event{Identity: nil})
}

func (b *OIDCBridge) Close() {
	b.mux.Lock()
	defer b.mux.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
}

func (b *OIDCBridge) emit(event Event) {
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- event:
	default:
		slog.Warn("dropping session event, no consumer", "signed_in", event.Identity != nil)
	}
}

func (b *OIDCBridge) parseIDToken(ctx context.Context, token *oauth2.Token, expectedNonce string) (*Identity, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, &ProviderError{Op: "parse id token", Err: errors.New("token response contains no id_token")}
	}

	keySet, err := b.keyCache.Get(ctx, b.discovery.JwksURI)
	if err != nil {
		return nil, &ProviderError{Op: "get key set", Err: err}
	}

	idToken, err := jwt.ParseString(
		rawIDToken,
		jwt.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithIssuer(b.discovery.Issuer),
		jwt.WithAudience(b.cfg.ClientID),
		jwt.WithRequiredClaim("nonce"),
		jwt.WithRequiredClaim("exp"),
	)
	if err != nil {
		return nil, &ProviderError{Op: "parse id token", Err: err}
	}

	claims := idToken.PrivateClaims()
	if nonce, _ := claims["nonce"].(string); nonce != expectedNonce {
		return nil, &ProviderError{Op: "parse id token", Err: errors.New("nonce mismatch")}
	}

	identity := &Identity{
		Subject: idToken.Subject(),
		Claims:  claims,
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	return identity, nil
}
