package prefetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/briangreenhill/corpsite/internal/listing"
	"github.com/briangreenhill/corpsite/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingCache struct {
	mu      sync.Mutex
	queries []listing.Query
	panics  bool
}

func (r *recordingCache) Refresh(ctx context.Context, q listing.Query) {
	r.mu.Lock()
	r.queries = append(r.queries, q)
	r.mu.Unlock()
	if r.panics {
		panic("storage exploded")
	}
}

func (r *recordingCache) calls() []listing.Query {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]listing.Query(nil), r.queries...)
}

type recordingWorker struct {
	mu   sync.Mutex
	msgs []worker.Message
	err  error
}

func (r *recordingWorker) PostMessage(ctx context.Context, msg worker.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingWorker) messages() []worker.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]worker.Message(nil), r.msgs...)
}

type goScheduler struct{}

func (goScheduler) Schedule(fn func()) { go fn() }

func boolPtr(b bool) *bool { return &b }

func TestShouldPrefetch(t *testing.T) {
	tests := []struct {
		name string
		sig  Signals
		want bool
	}{
		{"no information", Signals{}, true},
		{"data saver", Signals{SaveData: true}, false},
		{"data saver on fast link", Signals{SaveData: true, EffectiveType: "4g"}, false},
		{"slow-2g", Signals{EffectiveType: "slow-2g"}, false},
		{"2g", Signals{EffectiveType: "2G"}, false},
		{"3g", Signals{EffectiveType: "3g"}, true},
		{"4g", Signals{EffectiveType: "4g"}, true},
		{"offline", Signals{Online: boolPtr(false)}, false},
		{"online", Signals{Online: boolPtr(true), EffectiveType: "4g"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldPrefetch(tt.sig))
		})
	}
}

func TestSignalsFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/prefetch", nil)
	assert.Equal(t, Signals{}, SignalsFromRequest(r))

	r.Header.Set("Save-Data", "on")
	r.Header.Set("ECT", "3g")
	r.Header.Set("X-Online", "0")
	s := SignalsFromRequest(r)
	assert.True(t, s.SaveData)
	assert.Equal(t, "3g", s.EffectiveType)
	require.NotNil(t, s.Online)
	assert.False(t, *s.Online)
	assert.False(t, ShouldPrefetch(s))
}

func TestRunPrefetchCycleFansOut(t *testing.T) {
	cache := &recordingCache{}
	w := &recordingWorker{}
	c := New(Options{Cache: cache, Worker: w, BaseURL: "https://cms.example.com"})

	require.True(t, c.RunPrefetchCycle(context.Background()))
	c.Wait()

	assert.Equal(t, []listing.Query{listing.DefaultQuery()}, cache.calls())
	msgs := w.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, worker.MessagePrefetchNews, msgs[0].Type)
	assert.Equal(t, []string{
		"https://cms.example.com/api/posts?order=desc&page=1&per_page=20&search=&sort=published_at",
	}, msgs[0].URLs)
	assert.Equal(t, Stats{Cycles: 1}, c.Stats())
}

func TestPolicyVetoHasNoSideEffects(t *testing.T) {
	cache := &recordingCache{}
	w := &recordingWorker{}
	c := New(Options{Cache: cache, Worker: w, Signals: StaticSignals{SaveData: true}})

	assert.False(t, c.RunPrefetchCycle(context.Background()))
	c.Wait()

	assert.Empty(t, cache.calls())
	assert.Empty(t, w.messages())
	assert.Equal(t, Stats{Skipped: 1}, c.Stats())
}

func TestFailuresAreNotPropagated(t *testing.T) {
	cache := &recordingCache{panics: true}
	w := &recordingWorker{err: worker.ErrNotActive}
	c := New(Options{Cache: cache, Worker: w})

	assert.NotPanics(t, func() {
		c.RunPrefetchCycle(context.Background())
		c.Wait()
	})
	assert.Len(t, cache.calls(), 1)
	assert.Len(t, w.messages(), 1)
}

func TestScheduleOncePerTriggerPath(t *testing.T) {
	cache := &recordingCache{}
	w := &recordingWorker{}
	c := New(Options{Cache: cache, Worker: w, Scheduler: goScheduler{}})

	assert.True(t, c.SchedulePrefetch(context.Background()))
	assert.False(t, c.NotifyIntent(context.Background(), "/news", Signals{}))
	assert.False(t, c.SchedulePrefetch(context.Background()))
	c.Wait()

	assert.Len(t, cache.calls(), 1)
	assert.Len(t, w.messages(), 1)

	c.Reset()
	assert.False(t, c.Triggered())
	assert.True(t, c.NotifyIntent(context.Background(), "/news/harbour-view", Signals{EffectiveType: "4g"}))
	c.Wait()
	assert.Len(t, cache.calls(), 2)
}

func TestNotifyIntentIgnoresOtherPages(t *testing.T) {
	c := New(Options{Cache: &recordingCache{}, Scheduler: goScheduler{}})
	for _, p := range []string{"/", "/projects", "/newsroom", "/land/news"} {
		assert.False(t, c.NotifyIntent(context.Background(), p, Signals{}), p)
	}
	assert.False(t, c.Triggered())
	assert.True(t, c.IsListingPath("/news/"))
}

func TestNotifyIntentUsesVisitorSignals(t *testing.T) {
	cache := &recordingCache{}
	c := New(Options{Cache: cache, Scheduler: goScheduler{}})

	assert.True(t, c.NotifyIntent(context.Background(), "/news", Signals{EffectiveType: "2g"}))
	c.Wait()
	assert.Empty(t, cache.calls())
	assert.Equal(t, Stats{Skipped: 1}, c.Stats())
}

func TestScheduledCycleOutlivesRequestContext(t *testing.T) {
	cache := &recordingCache{}
	c := New(Options{Cache: cache, Scheduler: goScheduler{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.SchedulePrefetch(ctx)
	c.Wait()
	assert.Len(t, cache.calls(), 1)
}

func TestIdleTrackerRunsWhenIdle(t *testing.T) {
	tr := NewIdleTracker(time.Minute)
	tr.Poll = time.Millisecond

	ran := make(chan struct{})
	tr.Schedule(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback did not run")
	}
}

func TestIdleTrackerWaitsForRequests(t *testing.T) {
	tr := NewIdleTracker(time.Minute)
	tr.Poll = time.Millisecond

	inHandler := make(chan struct{})
	release := make(chan struct{})
	h := tr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(inHandler)
		<-release
	}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}()
	<-inHandler
	assert.Equal(t, int64(1), tr.InFlight())

	ran := make(chan struct{})
	tr.Schedule(func() { close(ran) })

	select {
	case <-ran:
		t.Fatal("ran while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback did not run after the request finished")
	}
}

func TestIdleTrackerTimeout(t *testing.T) {
	tr := NewIdleTracker(20 * time.Millisecond)
	tr.Poll = time.Hour
	tr.inflight.Add(1)

	ran := make(chan struct{})
	tr.Schedule(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout did not fire")
	}
}

func TestAfterScheduler(t *testing.T) {
	ran := make(chan struct{})
	AfterScheduler{Delay: time.Millisecond}.Schedule(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("fallback delay did not fire")
	}
}

