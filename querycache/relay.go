package querycache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/cleranet/console-bff/proxy"
)

// cachedResponse is the slice of an upstream response worth replaying:
// status, the forwarded header subset and the raw body.
type cachedResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// passthroughError carries an envelope that must reach the client but must
// not enter the cache: layer failures, error statuses, non-JSON bodies.
type passthroughError struct {
	envelope *proxy.Envelope
}

func (e *passthroughError) Error() string {
	return "upstream response is not cacheable"
}

// errReadSuperseded marks a fetch whose transport was cancelled by a
// concurrent mutation on the same key while the client request stayed live.
var errReadSuperseded = errors.New("read superseded by mutation")

// Relay routes console requests through the coordinator. GET requests are
// served from the cache with fetch-through to the forwarder; mutating
// methods run as optimistic updates with rollback, keyed by upstream path,
// and invalidate the collection listing of the mutated key on success.
type Relay struct {
	forwarder *proxy.Forwarder
	co        *Coordinator
}

func NewRelay(forwarder *proxy.Forwarder, co *Coordinator) *Relay {
	return &Relay{forwarder: forwarder, co: co}
}

func (rl *Relay) Forward(r *http.Request, upstreamPath string) *proxy.Envelope {
	switch r.Method {
	case http.MethodGet:
		return rl.read(r, upstreamPath)
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return rl.mutate(r, upstreamPath)
	default:
		return rl.forwarder.Forward(r, upstreamPath)
	}
}

func (rl *Relay) read(r *http.Request, upstreamPath string) *proxy.Envelope {
	key := upstreamPath
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}

	var cached cachedResponse
	err := rl.co.Read(r.Context(), key, &cached, func(ctx context.Context) (any, error) {
		envelope := rl.forwarder.Forward(r.WithContext(ctx), upstreamPath)
		if envelope.Kind == proxy.KindUnreachable && ctx.Err() != nil && r.Context().Err() == nil {
			return nil, errReadSuperseded
		}
		if envelope.Kind != proxy.KindNone || envelope.Status >= 400 {
			return nil, &passthroughError{envelope: envelope}
		}
		return cachedResponse{
			Status: envelope.Status,
			Header: envelope.Header,
			Body:   envelope.Body,
		}, nil
	})

	var pass *passthroughError
	switch {
	case err == nil:
	case errors.As(err, &pass):
		return pass.envelope
	case errors.Is(err, errReadSuperseded):
		// the mutation's optimistic value is authoritative now; serve it if
		// it is replayable, otherwise go upstream once more
		if ok, gerr := rl.co.cache.Get(key, &cached); gerr == nil && ok && cached.Status != 0 {
			return replay(&cached)
		}
		return rl.forwarder.Forward(r, upstreamPath)
	default:
		return rl.forwarder.Forward(r, upstreamPath)
	}

	if cached.Status == 0 {
		// an optimistic placeholder, not a replayable response
		return rl.forwarder.Forward(r, upstreamPath)
	}
	return replay(&cached)
}

func (rl *Relay) mutate(r *http.Request, upstreamPath string) *proxy.Envelope {
	key := upstreamPath
	patch := requestPatch(r)

	var envelope *proxy.Envelope
	err := rl.co.Mutate(r.Context(), key,
		func(current any) any {
			return optimisticResponse(current, r.Method, patch)
		},
		func(ctx context.Context) (*proxy.Envelope, error) {
			envelope = rl.forwarder.Forward(r.WithContext(ctx), upstreamPath)
			return envelope, nil
		})

	if envelope != nil {
		// the upstream answered; mirror it whether or not the optimistic
		// value survived
		return envelope
	}

	// the coordinator failed before performing (cache value it could not
	// decode or re-encode); run the mutation uncached so it still happens
	envelope = rl.forwarder.Forward(r, upstreamPath)
	if err != nil && envelope.Kind == proxy.KindNone && envelope.Status < 400 {
		rl.co.cache.Invalidate(key)
		if rl.co.related != nil {
			rl.co.cache.Invalidate(rl.co.related(key)...)
		}
	}
	return envelope
}

// replay rebuilds an envelope from a cached response, re-deriving the parsed
// payload the same way a live forward would.
func replay(cached *cachedResponse) *proxy.Envelope {
	envelope := &proxy.Envelope{
		Status:  cached.Status,
		Header:  cached.Header,
		Body:    cached.Body,
		Kind:    proxy.KindNone,
		Payload: map[string]any{},
	}
	if envelope.Header == nil {
		envelope.Header = http.Header{}
	}
	if len(cached.Body) > 0 {
		var payload any
		if err := json.Unmarshal(cached.Body, &payload); err != nil {
			envelope.Kind = proxy.KindParseFailure
		} else {
			envelope.Payload = payload
		}
	}
	return envelope
}

// requestPatch extracts the JSON object body of an edit request so the
// optimistic update can merge it over the cached value. The body is restored
// for the actual forward.
func requestPatch(r *http.Request) map[string]any {
	if r.Method != http.MethodPut && r.Method != http.MethodPatch {
		return nil
	}
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var patch map[string]any
	if json.Unmarshal(body, &patch) != nil {
		return nil
	}
	return patch
}

// optimisticResponse predicts the cached response after an edit: the prior
// response with the request's fields merged over its JSON object body.
// Shapes it cannot merge pass through unchanged, so the prediction degrades
// to a plain invalidate-on-success.
func optimisticResponse(current any, method string, patch map[string]any) any {
	if current == nil || len(patch) == 0 {
		return current
	}
	if method != http.MethodPut && method != http.MethodPatch {
		return current
	}
	m, ok := current.(map[any]any)
	if !ok {
		return current
	}
	raw, ok := m["Body"].([]byte)
	if !ok {
		return current
	}
	var doc map[string]any
	if json.Unmarshal(raw, &doc) != nil {
		return current
	}
	for k, v := range patch {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return current
	}
	m["Body"] = merged
	return m
}

// CollectionKey names the listing invalidated alongside an item key:
// "/api/documents/42" collapses into "/api/documents". Collection keys
// themselves have no parent listing.
func CollectionKey(key string) []string {
	trimmed := strings.TrimSuffix(key, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return nil
	}
	parent := trimmed[:idx]
	if parent == "" || parent == "/api" {
		return nil
	}
	return []string{parent}
}
