package deferred

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const markerSuffix = ".task"

var errMissingSpoolDir = errors.New("deferred: spool directory is required")

// FileSchedulerConfig configures a spool-backed scheduler.
type FileSchedulerConfig struct {
	Dir    string
	Logger *zap.Logger
	Clock  func() time.Time
}

// FileScheduler persists each scheduled task as a marker file in a spool directory.
// Markers survive restarts and are visible to every process sharing the directory.
type FileScheduler struct {
	dir    string
	logger *zap.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	fireMu   sync.Mutex
}

// NewFileScheduler creates the spool directory when needed.
func NewFileScheduler(cfg FileSchedulerConfig) (*FileScheduler, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errMissingSpoolDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("deferred: create spool dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &FileScheduler{dir: dir, logger: logger, clock: clock, handlers: make(map[string]Handler)}, nil
}

// Schedule writes the marker for taskID. Scheduling an already pending task refreshes it.
func (s *FileScheduler) Schedule(ctx context.Context, taskID string) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp := strconv.FormatInt(s.clock().UnixNano(), 10) + " " + uuid.NewString()
	if err := writeFileAtomic(s.markerPath(taskID), []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("deferred: write marker: %w", err)
	}
	s.logger.Debug("task scheduled", zap.String("task_id", taskID))
	return nil
}

// OnReady registers the handler for taskID, replacing any previous one.
func (s *FileScheduler) OnReady(taskID string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskID] = handler
}

// Pending lists the task identifiers with a marker on disk.
func (s *FileScheduler) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("deferred: read spool: %w", err)
	}
	taskIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if taskID, ok := taskIDFromPath(entry.Name()); ok && !entry.IsDir() {
			taskIDs = append(taskIDs, taskID)
		}
	}
	sort.Strings(taskIDs)
	return taskIDs, nil
}

// Flush fires every task whose marker is present.
func (s *FileScheduler) Flush(ctx context.Context) error {
	taskIDs, err := s.Pending()
	if err != nil {
		return err
	}
	for _, taskID := range taskIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.fire(ctx, taskID)
	}
	return nil
}

// Run fires markers present at start and every marker created afterwards, until ctx ends.
func (s *FileScheduler) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("deferred: create watcher: %w", err)
	}
	defer func() {
		if closeErr := watcher.Close(); closeErr != nil {
			s.logger.Warn("closing spool watcher failed", zap.Error(closeErr))
		}
	}()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("deferred: watch spool: %w", err)
	}
	s.logger.Info("watching spool directory", zap.String("dir", s.dir))

	if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("initial spool flush failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			taskID, ok := taskIDFromPath(filepath.Base(event.Name))
			if !ok {
				continue
			}
			s.fire(ctx, taskID)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", zap.Error(watchErr))
		}
	}
}

// fire runs the handler for one marker. The marker is removed only when the handler
// succeeds and nobody rescheduled the task while it ran.
func (s *FileScheduler) fire(ctx context.Context, taskID string) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	s.mu.RLock()
	handler := s.handlers[taskID]
	s.mu.RUnlock()
	if handler == nil {
		s.logger.Debug("no handler for scheduled task", zap.String("task_id", taskID))
		return
	}

	path := s.markerPath(taskID)
	before, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn("reading task marker failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	if err := handler(ctx); err != nil {
		s.logger.Warn("scheduled task failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	after, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(before, after) {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing task marker failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.logger.Debug("scheduled task completed", zap.String("task_id", taskID))
}

func (s *FileScheduler) markerPath(taskID string) string {
	return filepath.Join(s.dir, taskID+markerSuffix)
}

func taskIDFromPath(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, markerSuffix) {
		return "", false
	}
	taskID := strings.TrimSuffix(name, markerSuffix)
	return taskID, validateTaskID(taskID) == nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
