package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/corpsite/internal/listing"
)

// Fetcher retrieves a listing payload over the network
type Fetcher interface {
	Fetch(ctx context.Context, q listing.Query) (json.RawMessage, error)
}

// Stats is a snapshot of the cache counters
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Refreshes     uint64 `json:"refreshes"`
	Invalidations uint64 `json:"invalidations"`
}

// Freshness serves the last known listing for a query and refreshes it on
// request. Entries never expire on their own.
type Freshness struct {
	store Store
	fetch Fetcher
	log   zerolog.Logger
	now   func() time.Time

	hits          atomic.Uint64
	misses        atomic.Uint64
	refreshes     atomic.Uint64
	invalidations atomic.Uint64

	bg sync.WaitGroup
}

type Option func(*Freshness)

func WithLogger(l zerolog.Logger) Option {
	return func(f *Freshness) { f.log = l.With().Str("component", "freshness_cache").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(f *Freshness) { f.now = now }
}

// New creates a freshness cache over store, refreshed through fetch
func New(store Store, fetch Fetcher, opts ...Option) *Freshness {
	f := &Freshness{
		store: store,
		fetch: fetch,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Get returns the stored entry for key and records a hit or a miss
func (f *Freshness) Get(key string) (*Entry, bool) {
	e, ok := f.peek(key)
	if ok {
		f.hits.Add(1)
	} else {
		f.misses.Add(1)
	}
	return e, ok
}

func (f *Freshness) peek(key string) (*Entry, bool) {
	e, err := f.store.Load(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			f.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return nil, false
	}
	return e, true
}

// Refresh fetches the listing for q and replaces the stored entry on success.
// Failures, the offline placeholder included, leave the previous entry in
// place and are only logged.
func (f *Freshness) Refresh(ctx context.Context, q listing.Query) {
	_ = f.refresh(ctx, q)
}

func (f *Freshness) refresh(ctx context.Context, q listing.Query) error {
	key := q.Key()
	payload, err := f.fetch.Fetch(ctx, q)
	if err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("refresh fetch failed")
		return err
	}

	entry := &Entry{Key: key, Payload: payload, FetchedAt: f.now()}
	if err := f.store.Save(entry); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("refresh store failed")
		return err
	}
	f.refreshes.Add(1)
	f.log.Debug().Str("key", key).Int("bytes", len(payload)).Msg("listing refreshed")
	return nil
}

// Load is the page read path: a hit is returned at once and refreshed in the
// background; a miss is refreshed synchronously first. A miss while offline
// returns the offline placeholder, which is never stored.
func (f *Freshness) Load(ctx context.Context, q listing.Query) (*Entry, bool) {
	key := q.Key()
	if e, ok := f.Get(key); ok {
		f.bg.Add(1)
		go func() {
			defer f.bg.Done()
			f.Refresh(context.WithoutCancel(ctx), q)
		}()
		return e, true
	}

	if err := f.refresh(ctx, q); errors.Is(err, listing.ErrOffline) {
		return &Entry{Key: key, Payload: json.RawMessage(listing.OfflineBody), FetchedAt: f.now()}, true
	}
	return f.peek(key)
}

// Invalidate removes the entry for key
func (f *Freshness) Invalidate(key string) {
	f.invalidations.Add(1)
	if err := f.store.Delete(key); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("invalidate failed")
	}
}

// InvalidateAll empties the store
func (f *Freshness) InvalidateAll() {
	f.invalidations.Add(1)
	if err := f.store.Clear(); err != nil {
		f.log.Warn().Err(err).Msg("invalidate all failed")
	}
}

// Stats returns a copy of the counters
func (f *Freshness) Stats() Stats {
	return Stats{
		Hits:          f.hits.Load(),
		Misses:        f.misses.Load(),
		Refreshes:     f.refreshes.Load(),
		Invalidations: f.invalidations.Load(),
	}
}

// Wait blocks until background refreshes started by Load have finished
func (f *Freshness) Wait() {
	f.bg.Wait()
}
