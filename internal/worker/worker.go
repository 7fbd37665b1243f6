// Package worker intercepts content API listing requests and answers them
// from a named, persistent response cache with stale-while-revalidate
// semantics. It also warms that cache on request from the prefetch
// controller.
//
// A Worker mirrors the service-worker lifecycle: it is installed, activated
// (claiming all clients), then receives message and fetch events through an
// explicit Dispatcher. Messages are handled one at a time on the worker's own
// goroutine; fetch events run on the caller's goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/corpsite/internal/listing"
)

const (
	// DefaultCacheName is the versioned cache name. Changing it is how the
	// whole cache is invalidated: older caches are dropped on activation.
	DefaultCacheName = "news-cache-v1"

	MessagePrefetchNews = "prefetch-news"

	defaultMailboxSize = 16
	defaultConcurrency = 4
)

var (
	ErrNotActive      = errors.New("worker: not active")
	ErrMailboxFull    = errors.New("worker: mailbox full")
	ErrAlreadyStarted = errors.New("worker: already started")
)

// Message is posted from the page side to the worker.
type Message struct {
	Type string   `json:"type"`
	URLs []string `json:"urls"`
}

// State is the lifecycle state of a Worker.
type State int32

const (
	StateParsed State = iota
	StateInstalled
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalled:
		return "installed"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of the worker counters.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Revalidations uint64 `json:"revalidations"`
	Offline       uint64 `json:"offline"`
	Prefetched    uint64 `json:"prefetched"`
}

type Options struct {
	CacheName string
	// APIPath is the intercepted listing path. Defaults to listing.Path.
	APIPath string
	// Origin resolves relative URLs in prefetch messages.
	Origin  string
	Storage Storage
	// Network performs the real requests. Defaults to http.DefaultTransport.
	Network             http.RoundTripper
	MailboxSize         int
	PrefetchConcurrency int
	Logger              zerolog.Logger
	Now                 func() time.Time
}

// Worker is an http.RoundTripper that serves listing requests from cache
// storage.
type Worker struct {
	cacheName   string
	apiPath     string
	origin      *url.URL
	storage     Storage
	network     http.RoundTripper
	concurrency int
	log         zerolog.Logger
	now         func() time.Time

	dispatcher *Dispatcher
	state      atomic.Int32
	claimed    atomic.Bool
	closed     atomic.Bool
	started    atomic.Bool

	mailbox   chan Message
	done      chan struct{}
	cancel    context.CancelFunc
	loop      sync.WaitGroup
	bg        sync.WaitGroup
	pending   sync.WaitGroup
	closeOnce sync.Once

	hits          atomic.Uint64
	misses        atomic.Uint64
	revalidations atomic.Uint64
	offline       atomic.Uint64
	prefetched    atomic.Uint64
}

// New builds a worker and registers its event handlers. Call Start before use.
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("worker: storage required")
	}
	w := &Worker{
		cacheName:   opts.CacheName,
		apiPath:     opts.APIPath,
		storage:     opts.Storage,
		network:     opts.Network,
		concurrency: opts.PrefetchConcurrency,
		log:         opts.Logger.With().Str("component", "worker").Logger(),
		now:         opts.Now,
		dispatcher:  NewDispatcher(),
		done:        make(chan struct{}),
	}
	if w.cacheName == "" {
		w.cacheName = DefaultCacheName
	}
	if w.apiPath == "" {
		w.apiPath = listing.Path
	}
	if w.network == nil {
		w.network = http.DefaultTransport
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	if w.now == nil {
		w.now = time.Now
	}
	size := opts.MailboxSize
	if size <= 0 {
		size = defaultMailboxSize
	}
	w.mailbox = make(chan Message, size)

	if opts.Origin != "" {
		u, err := url.Parse(opts.Origin)
		if err != nil {
			return nil, fmt.Errorf("worker: parse origin: %w", err)
		}
		w.origin = u
	}

	w.dispatcher.On(EventInstall, w.onInstall)
	w.dispatcher.On(EventActivate, w.onActivate)
	w.dispatcher.On(EventMessage, w.onMessage)
	w.dispatcher.On(EventFetch, w.onFetch)
	return w, nil
}

// CacheName returns the versioned cache name in use.
func (w *Worker) CacheName() string { return w.cacheName }

// State reports the lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Start installs and activates the worker and starts its mailbox loop.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if _, err := w.dispatcher.Dispatch(ctx, &Event{Kind: EventInstall}); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	// skip waiting: activation follows install immediately
	if _, err := w.dispatcher.Dispatch(ctx, &Event{Kind: EventActivate}); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.loop.Add(1)
	go w.run(loopCtx)
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.loop.Done()
	for {
		select {
		case <-w.done:
			return
		case msg := <-w.mailbox:
			if _, err := w.dispatcher.Dispatch(ctx, &Event{Kind: EventMessage, Message: &msg}); err != nil {
				w.log.Warn().Err(err).Str("type", msg.Type).Msg("message handling failed")
			}
			w.pending.Done()
		}
	}
}

// PostMessage hands msg to the worker without waiting for it to be handled.
func (w *Worker) PostMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !w.claimed.Load() || w.closed.Load() {
		return ErrNotActive
	}
	w.pending.Add(1)
	select {
	case w.mailbox <- msg:
		return nil
	default:
		w.pending.Done()
		return ErrMailboxFull
	}
}

// RoundTrip implements http.RoundTripper. Requests the worker does not
// intercept go straight to the network transport.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if !w.claimed.Load() || w.closed.Load() {
		return w.network.RoundTrip(req)
	}
	resp, err := w.dispatcher.Dispatch(req.Context(), &Event{Kind: EventFetch, Request: req})
	if err != nil && !errors.Is(err, ErrUnhandled) {
		return nil, err
	}
	if resp == nil {
		return w.network.RoundTrip(req)
	}
	return resp, nil
}

// Stats returns a copy of the counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Hits:          w.hits.Load(),
		Misses:        w.misses.Load(),
		Revalidations: w.revalidations.Load(),
		Offline:       w.offline.Load(),
		Prefetched:    w.prefetched.Load(),
	}
}

// Wait blocks until posted messages and background revalidations have
// finished.
func (w *Worker) Wait() {
	w.pending.Wait()
	w.bg.Wait()
}

// Close stops the mailbox loop and waits for background work. Requests made
// afterwards bypass the cache.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.claimed.Store(false)
		w.state.Store(int32(StateRedundant))
		close(w.done)
		if w.cancel != nil {
			w.cancel()
		}
		w.loop.Wait()
		// messages the loop never reached
		for drained := false; !drained; {
			select {
			case <-w.mailbox:
				w.pending.Done()
			default:
				drained = true
			}
		}
		w.bg.Wait()
	})
	return nil
}

func (w *Worker) onInstall(ctx context.Context, _ *Event) (*http.Response, error) {
	w.state.Store(int32(StateInstalled))
	w.log.Debug().Str("cache", w.cacheName).Msg("installed")
	return nil, nil
}

func (w *Worker) onActivate(ctx context.Context, _ *Event) (*http.Response, error) {
	names, err := w.storage.CacheNames(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("list caches failed")
	}
	for _, name := range names {
		if name == w.cacheName {
			continue
		}
		if err := w.storage.DeleteCache(ctx, name); err != nil {
			w.log.Warn().Err(err).Str("cache", name).Msg("drop old cache failed")
			continue
		}
		w.log.Info().Str("cache", name).Msg("dropped old cache")
	}

	w.state.Store(int32(StateActivated))
	w.claimed.Store(true)
	w.log.Info().Str("cache", w.cacheName).Msg("activated, clients claimed")
	return nil, nil
}

func (w *Worker) onMessage(ctx context.Context, ev *Event) (*http.Response, error) {
	if ev.Message == nil {
		return nil, nil
	}
	switch ev.Message.Type {
	case MessagePrefetchNews:
		w.prefetch(ctx, ev.Message.URLs)
	default:
		w.log.Debug().Str("type", ev.Message.Type).Msg("ignoring unknown message")
	}
	return nil, nil
}

func (w *Worker) prefetch(ctx context.Context, urls []string) {
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, raw := range urls {
		g.Go(func() error {
			if err := w.prefetchOne(ctx, raw); err != nil {
				w.log.Warn().Err(err).Str("url", raw).Msg("prefetch failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) prefetchOne(ctx context.Context, raw string) error {
	u, err := w.resolve(raw)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return err
	}
	stored, err := w.read(resp, RequestKey(u))
	if err != nil {
		return err
	}
	if !ok(stored.Status) {
		return fmt.Errorf("status %d", stored.Status)
	}
	if err := w.storage.Put(ctx, w.cacheName, stored.URL, stored); err != nil {
		return err
	}
	w.prefetched.Add(1)
	return nil
}

func (w *Worker) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if w.origin == nil {
		return nil, fmt.Errorf("relative url %q without origin", raw)
	}
	return w.origin.ResolveReference(u), nil
}

func (w *Worker) onFetch(ctx context.Context, ev *Event) (*http.Response, error) {
	req := ev.Request
	if req == nil || req.Method != http.MethodGet || req.URL.Path != w.apiPath {
		return nil, nil
	}
	key := RequestKey(req.URL)

	cached, err := w.storage.Match(ctx, w.cacheName, key)
	if err != nil && !errors.Is(err, ErrNoMatch) {
		w.log.Warn().Err(err).Str("url", key).Msg("cache match failed")
	}
	bypass := wantsNetwork(req.Header)
	if cached != nil && !bypass {
		w.hits.Add(1)
		w.revalidate(req, key)
		resp := cached.Response(req)
		resp.Header.Set(listing.CacheStatusHeader, "HIT")
		return resp, nil
	}

	// miss, or the caller asked for the network first
	w.misses.Add(1)
	stored, err := w.fetchNetwork(ctx, req, key)
	if err != nil {
		if cached != nil {
			w.log.Debug().Err(err).Str("url", key).Msg("network failed, serving stored copy")
			resp := cached.Response(req)
			resp.Header.Set(listing.CacheStatusHeader, "STALE")
			return resp, nil
		}
		w.log.Debug().Err(err).Str("url", key).Msg("network failed, serving offline listing")
		return w.offlineResponse(req), nil
	}
	if ok(stored.Status) {
		if err := w.storage.Put(ctx, w.cacheName, key, stored); err != nil {
			w.log.Warn().Err(err).Str("url", key).Msg("cache put failed")
		}
	}
	out := stored.Response(req)
	out.Header.Set(listing.CacheStatusHeader, "MISS")
	return out, nil
}

func (w *Worker) fetchNetwork(ctx context.Context, req *http.Request, key string) (*StoredResponse, error) {
	resp, err := w.network.RoundTrip(req.Clone(ctx))
	if err != nil {
		return nil, err
	}
	return w.read(resp, key)
}

// wantsNetwork reports whether the request carries a no-cache directive.
func wantsNetwork(h http.Header) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(d), "no-cache") {
				return true
			}
		}
	}
	return strings.EqualFold(h.Get("Pragma"), "no-cache")
}

// revalidate refreshes the cached copy of req in the background.
func (w *Worker) revalidate(req *http.Request, key string) {
	ctx := context.WithoutCancel(req.Context())
	netReq := req.Clone(ctx)
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		resp, err := w.network.RoundTrip(netReq)
		if err != nil {
			w.log.Debug().Err(err).Str("url", key).Msg("revalidation failed")
			return
		}
		stored, err := w.read(resp, key)
		if err != nil {
			w.log.Debug().Err(err).Str("url", key).Msg("revalidation read failed")
			return
		}
		if !ok(stored.Status) {
			w.log.Debug().Int("status", stored.Status).Str("url", key).Msg("revalidation not ok")
			return
		}
		if err := w.storage.Put(ctx, w.cacheName, key, stored); err != nil {
			w.log.Warn().Err(err).Str("url", key).Msg("revalidation put failed")
			return
		}
		w.revalidations.Add(1)
	}()
}

// read drains and closes resp.
func (w *Worker) read(resp *http.Response, key string) (*StoredResponse, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	h := resp.Header.Clone()
	h.Del(listing.CacheStatusHeader)
	return &StoredResponse{
		URL:      key,
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		StoredAt: w.now(),
	}, nil
}

func (w *Worker) offlineResponse(req *http.Request) *http.Response {
	w.offline.Add(1)
	r := (&StoredResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(listing.OfflineBody),
	}).Response(req)
	r.Header.Set(listing.CacheStatusHeader, listing.CacheStatusOffline)
	return r
}

func ok(status int) bool {
	return status >= 200 && status <= 299
}
