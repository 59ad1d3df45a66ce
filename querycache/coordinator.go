package querycache

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/cleranet/console-bff/proxy"
)

// ApplyFunc produces the predicted post-mutation value from the current
// cached one. current is nil when nothing is cached under the key.
type ApplyFunc func(current any) any

// PerformFunc executes the actual mutation, normally by delegating to the
// request forwarder.
type PerformFunc func(ctx context.Context) (*proxy.Envelope, error)

// FetchFunc loads the authoritative value for a key from the upstream.
type FetchFunc func(ctx context.Context) (any, error)

// RelatedFunc names additional cache keys to invalidate after a successful
// mutation of key (list views containing the mutated item, and so on).
type RelatedFunc func(key string) []string

// UpstreamStatusError reports a mutation the upstream rejected. The
// optimistic value has already been rolled back when callers see it.
type UpstreamStatusError struct {
	Status int
	Kind   proxy.Kind
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream rejected mutation with status %d", e.Status)
}

// Coordinator layers optimistic updates with rollback over a Cache.
//
// Ordering guarantees: mutations on one key are serialized, so at most one
// optimistic snapshot exists per key; a read in flight when a mutation
// starts is cancelled (best effort) and generation-fenced, so it can never
// resolve after the optimistic write and silently overwrite it.
type Coordinator struct {
	cache   *Cache
	related RelatedFunc

	mux  sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	mutating   sync.Mutex
	generation uint64
	cancelRead context.CancelFunc
}

type CoordinatorOption func(*Coordinator)

// WithRelatedKeys configures related-key invalidation.
func WithRelatedKeys(fn RelatedFunc) CoordinatorOption {
	return func(co *Coordinator) {
		co.related = fn
	}
}

func NewCoordinator(cache *Cache, opts ...CoordinatorOption) *Coordinator {
	co := &Coordinator{
		cache: cache,
		keys:  make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Read returns the cached value for key, fetching through fetch on a miss.
// The fetch runs under a cancellable context registered with the key: a
// mutation starting mid-fetch cancels it and bumps the key generation, and
// a stale fetch result is discarded in favor of the optimistic value.
func (co *Coordinator) Read(ctx context.Context, key string, out any, fetch FetchFunc) error {
	if ok, err := co.cache.Get(key, out); err != nil {
		return err
	} else if ok {
		return nil
	}

	state := co.keyState(key)

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	co.mux.Lock()
	state.cancelRead = cancel
	generation := state.generation
	co.mux.Unlock()

	value, err := fetch(readCtx)

	co.mux.Lock()
	if state.cancelRead != nil {
		state.cancelRead = nil
	}
	stale := state.generation != generation
	co.mux.Unlock()

	if err != nil {
		return err
	}

	if stale {
		// a mutation won the race; its optimistic value stands
		if ok, err := co.cache.Get(key, out); err != nil || ok {
			return err
		}
		return decodeInto(value, out)
	}

	if err := co.cache.Set(key, value); err != nil {
		return err
	}
	return decodeInto(value, out)
}

// Mutate applies an optimistic update for key, performs the mutation, and
// either invalidates the key (success) or restores the exact pre-mutation
// snapshot (failure). A non-2xx upstream status counts as failure and is
// surfaced as *UpstreamStatusError.
func (co *Coordinator) Mutate(ctx context.Context, key string, apply ApplyFunc, perform PerformFunc) error {
	state := co.keyState(key)
	state.mutating.Lock()
	defer state.mutating.Unlock()

	co.mux.Lock()
	state.generation++
	if state.cancelRead != nil {
		state.cancelRead()
		state.cancelRead = nil
	}
	co.mux.Unlock()

	snapshot, had := co.cache.rawGet(key)

	var current any
	if had {
		if err := cbor.Unmarshal(snapshot, &current); err != nil {
			return fmt.Errorf("decode cache value for '%s': %w", key, err)
		}
	}

	optimistic, err := cbor.Marshal(apply(current))
	if err != nil {
		return fmt.Errorf("encode optimistic value for '%s': %w", key, err)
	}
	co.cache.rawSet(key, optimistic)

	envelope, err := perform(ctx)
	if err == nil && envelope != nil && envelope.Status >= 400 {
		err = &UpstreamStatusError{Status: envelope.Status, Kind: envelope.Kind}
	}

	if err != nil {
		if had {
			co.cache.rawSet(key, snapshot)
		} else {
			co.cache.Invalidate(key)
		}
		return err
	}

	co.cache.Invalidate(key)
	if co.related != nil {
		co.cache.Invalidate(co.related(key)...)
	}
	return nil
}

func (co *Coordinator) keyState(key string) *keyState {
	co.mux.Lock()
	defer co.mux.Unlock()
	state, ok := co.keys[key]
	if !ok {
		state = &keyState{}
		co.keys[key] = state
	}
	return state
}

func decodeInto(value, out any) error {
	raw, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode fetched value: %w", err)
	}
	return cbor.Unmarshal(raw, out)
}
