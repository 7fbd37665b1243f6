// Package jobs defines the background tasks shared by cmd/site and cmd/worker.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/corpsite/internal/listing"
	"github.com/briangreenhill/corpsite/internal/prefetch"
	"github.com/briangreenhill/corpsite/internal/worker"
)

const TaskWarmListing = "prefetch:warm_listing"

// QueuePrefetch is the asynq queue warm-listing tasks go to.
const QueuePrefetch = "prefetch"

type WarmListingPayload struct {
	Query listing.Query `json:"query"`
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func NewWarmListingTask(q listing.Query) (*asynq.Task, error) {
	payload, err := json.Marshal(WarmListingPayload{Query: q.Normalize()})
	if err != nil {
		return nil, fmt.Errorf("marshal warm listing payload: %w", err)
	}
	return asynq.NewTask(TaskWarmListing, payload), nil
}

// EnqueueWarmListing queues a warm-up of the listing page for q.
func EnqueueWarmListing(ctx context.Context, e Enqueuer, q listing.Query) (*asynq.TaskInfo, error) {
	task, err := NewWarmListingTask(q)
	if err != nil {
		return nil, err
	}
	info, err := e.EnqueueContext(ctx, task,
		asynq.Queue(QueuePrefetch),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", TaskWarmListing, err)
	}
	return info, nil
}

// WarmListingHandler refreshes the local listing cache and asks the response
// cache worker to prefetch the same listing URL. Warm-ups follow content
// changes, so the refresh goes to the network first.
type WarmListingHandler struct {
	Cache   prefetch.Refresher
	Worker  prefetch.Messenger
	BaseURL string
	Logger  zerolog.Logger
}

func (h *WarmListingHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p WarmListingPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Logger.Error().Err(err).Str("task", t.Type()).Msg("bad payload")
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	q := p.Query.Normalize()
	start := time.Now()

	if h.Cache != nil {
		h.Cache.Refresh(listing.WithNoCache(ctx), q)
	}
	if h.Worker != nil {
		msg := worker.Message{
			Type: worker.MessagePrefetchNews,
			URLs: []string{listing.BuildURL(h.BaseURL, q)},
		}
		if err := h.Worker.PostMessage(ctx, msg); err != nil {
			// a full mailbox is transient, let asynq retry
			return fmt.Errorf("post prefetch message: %w", err)
		}
	}

	h.Logger.Info().
		Str("key", q.Key()).
		Dur("duration", time.Since(start)).
		Msg("listing warmed")
	return nil
}
