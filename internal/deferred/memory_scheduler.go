package deferred

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemoryScheduler keeps scheduled tasks in process memory.
type MemoryScheduler struct {
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]struct{}
	fireMu   sync.Mutex
	ready    chan string
}

// NewMemoryScheduler returns an empty in-process scheduler.
func NewMemoryScheduler(logger *zap.Logger) *MemoryScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryScheduler{
		logger:   logger,
		handlers: make(map[string]Handler),
		pending:  make(map[string]struct{}),
		ready:    make(chan string, 16),
	}
}

// Schedule marks taskID pending and wakes Run.
func (s *MemoryScheduler) Schedule(ctx context.Context, taskID string) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending[taskID] = struct{}{}
	s.mu.Unlock()
	select {
	case s.ready <- taskID:
	default:
	}
	return nil
}

// OnReady registers the handler for taskID, replacing any previous one.
func (s *MemoryScheduler) OnReady(taskID string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskID] = handler
}

// Pending lists the task identifiers not yet completed.
func (s *MemoryScheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskIDs := make([]string, 0, len(s.pending))
	for taskID := range s.pending {
		taskIDs = append(taskIDs, taskID)
	}
	sort.Strings(taskIDs)
	return taskIDs
}

// Flush fires every pending task.
func (s *MemoryScheduler) Flush(ctx context.Context) error {
	for _, taskID := range s.Pending() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.fire(ctx, taskID)
	}
	return nil
}

// Run fires pending tasks as they are scheduled, until ctx ends.
func (s *MemoryScheduler) Run(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case taskID := <-s.ready:
			s.fire(ctx, taskID)
		}
	}
}

func (s *MemoryScheduler) fire(ctx context.Context, taskID string) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	s.mu.Lock()
	_, scheduled := s.pending[taskID]
	handler := s.handlers[taskID]
	if scheduled && handler != nil {
		delete(s.pending, taskID)
	}
	s.mu.Unlock()
	if !scheduled || handler == nil {
		return
	}

	if err := handler(ctx); err != nil {
		s.logger.Warn("scheduled task failed", zap.String("task_id", taskID), zap.Error(err))
		s.mu.Lock()
		s.pending[taskID] = struct{}{}
		s.mu.Unlock()
	}
}
