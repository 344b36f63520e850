package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/storyline/internal/connectivity"
	"github.com/MarcoPoloResearchLab/storyline/internal/deferred"
	"github.com/MarcoPoloResearchLab/storyline/internal/localstore"
	"github.com/MarcoPoloResearchLab/storyline/internal/storyapi"
	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
	"go.uber.org/zap"
)

var (
	errMissingQueue     = errors.New("submission: queue is required")
	errMissingPublisher = errors.New("submission: publisher is required")
	errMissingChecker   = errors.New("submission: connectivity checker is required")
)

// Outcome tells the caller where a submission went.
type Outcome string

const (
	// OutcomePublished means the remote service accepted the story.
	OutcomePublished Outcome = "published"
	// OutcomeQueued means the story was stored for later delivery.
	OutcomeQueued Outcome = "queued"
)

// Result is returned by a successful Submit.
type Result struct {
	Outcome   Outcome `json:"outcome" yaml:"outcome"`
	PendingID int64   `json:"pendingId,omitempty" yaml:"pendingId,omitempty"`
	// Scheduled is false when the background sync could not be registered.
	// The queued record is still delivered on the next drain.
	Scheduled bool `json:"scheduled" yaml:"scheduled"`
}

// Queue persists offline submissions.
type Queue interface {
	Enqueue(ctx context.Context, draft stories.Draft) (localstore.PendingSubmission, error)
}

// Publisher sends a story to the remote service.
type Publisher interface {
	CreateStory(ctx context.Context, story storyapi.NewStory) error
}

// Config wires the controller dependencies.
type Config struct {
	Queue        Queue
	Publisher    Publisher
	Connectivity connectivity.Checker
	Scheduler    deferred.Scheduler
	Logger       *zap.Logger
}

// Controller routes a draft to the remote service or the offline queue.
type Controller struct {
	queue        Queue
	publisher    Publisher
	connectivity connectivity.Checker
	scheduler    deferred.Scheduler
	logger       *zap.Logger
}

// NewController validates the configuration and returns a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	if cfg.Connectivity == nil {
		return nil, errMissingChecker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		queue:        cfg.Queue,
		publisher:    cfg.Publisher,
		connectivity: cfg.Connectivity,
		scheduler:    cfg.Scheduler,
		logger:       logger,
	}, nil
}

// Submit publishes the draft when online and queues it otherwise.
// Remote failures while online are returned as is and nothing is queued.
func (c *Controller) Submit(ctx context.Context, draft stories.Draft) (Result, error) {
	if c.connectivity.Online(ctx) {
		if err := c.publisher.CreateStory(ctx, storyapi.NewStoryFromDraft(draft)); err != nil {
			return Result{}, err
		}
		c.logger.Info("story published")
		return Result{Outcome: OutcomePublished}, nil
	}

	pending, err := c.queue.Enqueue(ctx, draft)
	if err != nil {
		c.logger.Error("queueing offline submission failed", zap.Error(err))
		return Result{}, fmt.Errorf("submission: queue offline story: %w", err)
	}
	result := Result{Outcome: OutcomeQueued, PendingID: pending.ID}
	c.logger.Info("story queued for background sync", zap.Int64("pending_id", pending.ID))

	if c.scheduler == nil {
		return result, nil
	}
	if err := c.scheduler.Schedule(ctx, deferred.SyncTaskID); err != nil {
		c.logger.Warn("scheduling background sync failed", zap.Int64("pending_id", pending.ID), zap.Error(err))
		return result, nil
	}
	result.Scheduled = true
	return result, nil
}
