package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/segmentio/ksuid"
)

// forwardedRequestHeaders is the complete set of inbound headers copied to
// the upstream request. Everything else (hop-by-hop headers, Host, cookies)
// is dropped. If-Match rides along so optimistic-concurrency writes keep
// working through the proxy.
var forwardedRequestHeaders = []string{
	"Authorization",
	"Content-Type",
	"If-Match",
}

// forwardedResponseHeaders is the set of upstream response headers copied
// back to the caller unchanged. Content-Type rides along so non-JSON bodies
// are mirrored with the type the upstream declared.
var forwardedResponseHeaders = []string{
	"Content-Type",
	"ETag",
}

// TokenFunc yields a session access token for requests that arrive without
// their own Authorization header.
type TokenFunc func(ctx context.Context) (string, error)

// Envelope is the tagged result of a forward attempt. Forward never returns
// an error and never panics past its boundary; every call path terminates
// here.
type Envelope struct {
	Status int
	Header http.Header
	Body   []byte

	// Payload is the decoded JSON body: an object, array or scalar. An
	// unparseable body leaves an empty object and tags the envelope with
	// KindParseFailure.
	Payload any
	Kind    Kind

	// Message and Detail carry the diagnostic for envelopes produced by
	// this layer (KindConfigMissing, KindUnreachable).
	Message string
	Detail  string
}

// Forwarder relays inbound console requests to the upstream backend. It has
// no timeout and no retry: retrying a non-idempotent method here would risk
// duplicate side effects upstream, so failures surface immediately instead.
type Forwarder struct {
	baseURL   string
	client    *http.Client
	tokenFunc TokenFunc
}

type ForwarderOption func(*Forwarder)

// WithHTTPClient substitutes the outbound HTTP client.
func WithHTTPClient(client *http.Client) ForwarderOption {
	return func(f *Forwarder) {
		f.client = client
	}
}

// WithTokenFunc attaches a session token source. It is consulted only when
// the inbound request has no Authorization header of its own; an inbound
// header is always forwarded verbatim.
func WithTokenFunc(fn TokenFunc) ForwarderOption {
	return func(f *Forwarder) {
		f.tokenFunc = fn
	}
}

// NewForwarder creates a forwarder for the given upstream base address. An
// empty base address is allowed: every forward then reports ConfigMissing
// without touching the network.
func NewForwarder(baseURL string, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward relays the inbound request to baseURL+upstreamPath, carrying the
// inbound query string byte-identical and the permitted header subset
// verbatim.
func (f *Forwarder) Forward(r *http.Request, upstreamPath string) *Envelope {
	requestID := ksuid.New().String()

	if f.baseURL == "" {
		slog.Error("upstream base URL not configured", "request_id", requestID, "path", upstreamPath)
		return &Envelope{
			Status:  http.StatusInternalServerError,
			Kind:    KindConfigMissing,
			Message: "API base URL not set",
		}
	}

	target := f.baseURL + upstreamPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target, f.outboundBody(r))
	if err != nil {
		slog.Error("building upstream request failed", "request_id", requestID, "target", target, "error", err)
		return &Envelope{
			Status:  http.StatusServiceUnavailable,
			Kind:    KindUnreachable,
			Message: fmt.Sprintf("upstream at %s is unreachable", f.baseURL),
			Detail:  fmt.Sprintf("building request: %v", err),
		}
	}

	for _, name := range forwardedRequestHeaders {
		if value := r.Header.Get(name); value != "" {
			outbound.Header.Set(name, value)
		}
	}

	if outbound.Header.Get("Authorization") == "" && f.tokenFunc != nil {
		if token, err := f.tokenFunc(r.Context()); err == nil && token != "" {
			outbound.Header.Set("Authorization", "Bearer "+token)
		} else if err != nil {
			slog.Warn("session token unavailable, forwarding without credentials",
				"request_id", requestID, "error", err)
		}
	}

	slog.Debug("forwarding request", "request_id", requestID, "method", r.Method, "target", target)

	resp, err := f.client.Do(outbound)
	if err != nil {
		slog.Error("upstream unreachable", "request_id", requestID, "base_url", f.baseURL, "error", err)
		return &Envelope{
			Status:  http.StatusServiceUnavailable,
			Kind:    KindUnreachable,
			Message: fmt.Sprintf("upstream at %s is unreachable", f.baseURL),
			Detail:  err.Error(),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("reading upstream response failed", "request_id", requestID, "base_url", f.baseURL, "error", err)
		return &Envelope{
			Status:  http.StatusServiceUnavailable,
			Kind:    KindUnreachable,
			Message: fmt.Sprintf("upstream at %s is unreachable", f.baseURL),
			Detail:  fmt.Sprintf("reading response: %v", err),
		}
	}

	envelope := &Envelope{
		Status: resp.StatusCode,
		Header: http.Header{},
		Body:   body,
		Kind:   KindNone,
	}
	for _, name := range forwardedResponseHeaders {
		if value := resp.Header.Get(name); value != "" {
			envelope.Header.Set(name, value)
		}
	}

	envelope.Payload = map[string]any{}
	if len(body) > 0 {
		var payload any
		if err := json.Unmarshal(body, &payload); err != nil {
			// non-fatal: the upstream status still stands, callers just
			// get an empty payload instead of a parsed one
			envelope.Kind = KindParseFailure
		} else {
			envelope.Payload = payload
		}
	}

	return envelope
}

// outboundBody reads the inbound body for methods that may carry one. The
// bytes are passed through untouched, so multipart and binary payloads are
// not re-encoded. A failed read counts as "no body", not as an error.
func (f *Forwarder) outboundBody(r *http.Request) io.Reader {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("reading inbound body failed, forwarding without body", "error", err)
		return nil
	}
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}
