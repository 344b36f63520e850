package syncagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/storyline/internal/deferred"
	"github.com/MarcoPoloResearchLab/storyline/internal/localstore"
	"github.com/MarcoPoloResearchLab/storyline/internal/storyapi"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const drainKey = "drain"

var (
	errMissingStore     = errors.New("syncagent: pending store is required")
	errMissingDeliverer = errors.New("syncagent: deliverer is required")

	// ErrUndelivered is returned by the task handler when a drain left submissions behind.
	ErrUndelivered = errors.New("syncagent: submissions remain undelivered")
)

// Failure describes one delivery that did not succeed.
type Failure struct {
	PendingID int64  `json:"pendingId" yaml:"pendingId"`
	Reason    string `json:"reason" yaml:"reason"`
}

// Report summarises one drain.
type Report struct {
	Attempted int       `json:"attempted" yaml:"attempted"`
	Delivered int       `json:"delivered" yaml:"delivered"`
	Failed    int       `json:"failed" yaml:"failed"`
	Failures  []Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
	// Shared is set for callers that joined a drain started by someone else.
	Shared bool `json:"shared" yaml:"shared"`
}

// Config wires the agent dependencies.
type Config struct {
	Store     PendingStore
	Deliverer Deliverer
	Logger    *zap.Logger
}

// Agent delivers queued submissions to the remote service.
type Agent struct {
	store     PendingStore
	deliverer Deliverer
	logger    *zap.Logger

	group     singleflight.Group
	resetOnce sync.Once
	notify    chan string
}

// New validates the configuration and returns an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Deliverer == nil {
		return nil, errMissingDeliverer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		store:     cfg.Store,
		deliverer: cfg.Deliverer,
		logger:    logger,
		notify:    make(chan string, 1),
	}, nil
}

// Drain delivers every pending submission once, in queue order.
// Concurrent callers join the drain in progress.
func (a *Agent) Drain(ctx context.Context) (Report, error) {
	var owned atomic.Bool
	value, err, _ := a.group.Do(drainKey, func() (any, error) {
		owned.Store(true)
		report, err := a.drain(ctx)
		return report, err
	})
	report, _ := value.(Report)
	report.Shared = !owned.Load()
	return report, err
}

// Trigger drains and logs the outcome.
func (a *Agent) Trigger(ctx context.Context, reason string) {
	report, err := a.Drain(ctx)
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Int("attempted", report.Attempted),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed),
		zap.Bool("shared", report.Shared),
	}
	if err != nil {
		a.logger.Error("sync drain failed", append(fields, zap.Error(err))...)
		return
	}
	if report.Attempted > 0 {
		a.logger.Info("sync drain finished", fields...)
	}
}

// Notify asks Run to drain. Notifications arriving during a drain coalesce into one.
func (a *Agent) Notify(reason string) {
	select {
	case a.notify <- reason:
	default:
	}
}

// HandleTask is the deferred task handler. It fails while submissions remain so
// the task stays scheduled.
func (a *Agent) HandleTask(ctx context.Context) error {
	report, err := a.Drain(ctx)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%w: %d", ErrUndelivered, report.Failed)
	}
	return nil
}

// Attach registers the agent as the handler of the sync task.
func (a *Agent) Attach(scheduler deferred.Scheduler) {
	scheduler.OnReady(deferred.SyncTaskID, a.HandleTask)
}

// Run drains at start and on every notification until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	a.Trigger(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-a.notify:
			a.Trigger(ctx, reason)
		}
	}
}

func (a *Agent) drain(ctx context.Context) (Report, error) {
	a.resetOnce.Do(func() {
		if _, err := a.store.ResetInFlight(ctx); err != nil {
			a.logger.Warn("resetting in-flight submissions failed", zap.Error(err))
		}
	})

	snapshot, err := a.store.Pending(ctx, localstore.Query{})
	if err != nil {
		return Report{}, fmt.Errorf("syncagent: read pending: %w", err)
	}

	var report Report
	for index := range snapshot {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		record := &snapshot[index]
		report.Attempted++
		if err := a.deliver(ctx, record); err != nil {
			report.Failed++
			report.Failures = append(report.Failures, Failure{PendingID: record.ID, Reason: err.Error()})
			continue
		}
		report.Delivered++
	}
	return report, nil
}

func (a *Agent) deliver(ctx context.Context, record *localstore.PendingSubmission) error {
	if err := a.store.MarkPending(ctx, record.ID, localstore.StatusSyncing, nil); err != nil {
		a.logger.Warn("marking submission in flight failed", zap.Int64("pending_id", record.ID), zap.Error(err))
	}

	story := storyapi.NewStory{
		Description: record.Description,
		Photo:       record.Photo(),
		Lat:         &record.Lat,
		Lon:         &record.Lon,
	}
	if err := a.deliverer.CreateStory(ctx, story); err != nil {
		a.logger.Warn("delivering submission failed",
			zap.Int64("pending_id", record.ID),
			zap.Error(err))
		if markErr := a.store.MarkPending(ctx, record.ID, localstore.StatusFailed, err); markErr != nil {
			a.logger.Warn("recording delivery failure failed", zap.Int64("pending_id", record.ID), zap.Error(markErr))
		}
		return err
	}

	if err := a.store.Delete(ctx, localstore.CollectionPending, record.Key()); err != nil {
		a.logger.Error("removing delivered submission failed; it will be sent again",
			zap.Int64("pending_id", record.ID),
			zap.Error(err))
	}
	a.logger.Info("submission delivered", zap.Int64("pending_id", record.ID))
	return nil
}
