// Package prefetch decides when to warm the news listing caches and fans a
// warm-up out to the local freshness cache and the response-cache worker.
package prefetch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/corpsite/internal/listing"
	"github.com/briangreenhill/corpsite/internal/worker"
)

// DefaultFallbackDelay is used when no idle scheduler is configured.
const DefaultFallbackDelay = 2 * time.Second

// DefaultListingPath is the public page showing the news listing.
const DefaultListingPath = "/news"

// Refresher refreshes the local listing cache. It never returns errors.
type Refresher interface {
	Refresh(ctx context.Context, q listing.Query)
}

// Messenger delivers messages to the response-cache worker.
type Messenger interface {
	PostMessage(ctx context.Context, msg worker.Message) error
}

type Options struct {
	Cache     Refresher
	Worker    Messenger
	Signals   SignalSource
	Scheduler Scheduler
	// BaseURL is the origin used to build the listing URL sent to the worker.
	BaseURL     string
	ListingPath string
	Logger      zerolog.Logger
}

// Stats counts prefetch cycles.
type Stats struct {
	Cycles  uint64 `json:"cycles"`
	Skipped uint64 `json:"skipped"`
}

// Controller triggers background prefetch cycles. Scheduling is gated by a
// once flag so mount and hover triggers never start duplicate cycles.
type Controller struct {
	cache       Refresher
	worker      Messenger
	signals     SignalSource
	scheduler   Scheduler
	base        string
	listingPath string
	log         zerolog.Logger

	triggered atomic.Bool
	cycles    atomic.Uint64
	skipped   atomic.Uint64
	bg        sync.WaitGroup
}

func New(opts Options) *Controller {
	c := &Controller{
		cache:       opts.Cache,
		worker:      opts.Worker,
		signals:     opts.Signals,
		scheduler:   opts.Scheduler,
		base:        opts.BaseURL,
		listingPath: opts.ListingPath,
		log:         opts.Logger.With().Str("component", "prefetch").Logger(),
	}
	if c.signals == nil {
		c.signals = StaticSignals{}
	}
	if c.scheduler == nil {
		c.scheduler = AfterScheduler{Delay: DefaultFallbackDelay}
	}
	if c.listingPath == "" {
		c.listingPath = DefaultListingPath
	}
	return c
}

// SchedulePrefetch schedules one cycle for when the process is idle. It
// reports whether this call armed the trigger.
func (c *Controller) SchedulePrefetch(ctx context.Context) bool {
	return c.schedule(ctx, c.signals)
}

// NotifyIntent is called when a visitor hovers or focuses a link. Only links
// to the listing page or a page beneath it trigger a cycle, evaluated
// against that visitor's signals.
func (c *Controller) NotifyIntent(ctx context.Context, path string, sig Signals) bool {
	if !c.IsListingPath(path) {
		return false
	}
	return c.schedule(ctx, StaticSignals(sig))
}

// IsListingPath reports whether path is the listing page or a detail page
// beneath it.
func (c *Controller) IsListingPath(path string) bool {
	path = strings.TrimRight(path, "/")
	return path == c.listingPath || strings.HasPrefix(path, c.listingPath+"/")
}

func (c *Controller) schedule(ctx context.Context, src SignalSource) bool {
	if !c.triggered.CompareAndSwap(false, true) {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	c.bg.Add(1)
	c.scheduler.Schedule(func() {
		defer c.bg.Done()
		c.runCycle(ctx, src.Signals())
	})
	return true
}

// RunPrefetchCycle runs one cycle now with the configured signals. The
// refresh and the worker message run as two independent background tasks;
// neither waits for the other and their failures are only logged.
func (c *Controller) RunPrefetchCycle(ctx context.Context) bool {
	return c.runCycle(ctx, c.signals.Signals())
}

func (c *Controller) runCycle(ctx context.Context, sig Signals) bool {
	if !ShouldPrefetch(sig) {
		c.skipped.Add(1)
		c.log.Debug().Interface("signals", sig).Msg("prefetch skipped by policy")
		return false
	}
	c.cycles.Add(1)

	q := listing.DefaultQuery()
	if c.cache != nil {
		c.goSafe("refresh", func() {
			c.cache.Refresh(ctx, q)
		})
	}
	if c.worker != nil {
		msg := worker.Message{
			Type: worker.MessagePrefetchNews,
			URLs: []string{listing.BuildURL(c.base, q)},
		}
		c.goSafe("worker_message", func() {
			if err := c.worker.PostMessage(ctx, msg); err != nil {
				c.log.Warn().Err(err).Msg("worker prefetch message failed")
			}
		})
	}
	return true
}

// goSafe runs fn in a tracked goroutine; a panic is logged, not propagated.
func (c *Controller) goSafe(task string, fn func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Interface("panic", r).Str("task", task).Msg("prefetch task panicked")
			}
		}()
		fn()
	}()
}

// Reset re-arms the trigger.
func (c *Controller) Reset() {
	c.triggered.Store(false)
}

// Triggered reports whether a cycle has been scheduled since the last Reset.
func (c *Controller) Triggered() bool { return c.triggered.Load() }

func (c *Controller) Stats() Stats {
	return Stats{Cycles: c.cycles.Load(), Skipped: c.skipped.Load()}
}

// Wait blocks until scheduled cycles and their background tasks are done.
func (c *Controller) Wait() {
	c.bg.Wait()
}
