package localstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStorageUnavailable indicates the backing database could not be opened or queried.
	ErrStorageUnavailable = errors.New("localstore: storage unavailable")
	// ErrNotFound indicates a lookup for a key that is not stored.
	ErrNotFound = errors.New("localstore: record not found")
	// ErrUnknownCollection indicates a collection name outside the known set.
	ErrUnknownCollection = errors.New("localstore: unknown collection")
	// ErrInvalidKey indicates a key that cannot address a record.
	ErrInvalidKey = errors.New("localstore: invalid key")
	// ErrInvalidQuery indicates an unsupported sort expression.
	ErrInvalidQuery = errors.New("localstore: invalid query")
	// ErrInvalidRecord indicates a record that fails validation before persistence.
	ErrInvalidRecord = errors.New("localstore: invalid record")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a stable operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew      = "localstore.new"
	opPut           = "localstore.put"
	opDelete        = "localstore.delete"
	opList          = "localstore.list"
	opGet           = "localstore.get"
	opExists        = "localstore.exists"
	opClear         = "localstore.clear"
	opStats         = "localstore.stats"
	opReplaceCache  = "localstore.replace_cache"
	opMarkPending   = "localstore.mark_pending"
	opResetInFlight = "localstore.reset_in_flight"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

func unavailable(operation, reason string, cause error) error {
	return newStoreError(operation, reason, fmt.Errorf("%w: %v", ErrStorageUnavailable, cause))
}

// StoreConfig wires the store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists favorites, pending submissions and the story cache.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// Stats counts the records held in each collection.
type Stats struct {
	Favorites int64 `json:"favorites" yaml:"favorites"`
	Pending   int64 `json:"pending" yaml:"pending"`
	Cached    int64 `json:"cached" yaml:"cached"`
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Put inserts or fully overwrites the record under its key.
// Pending submissions without an identifier receive a fresh one.
func (s *Store) Put(ctx context.Context, record Record) error {
	db := s.db.WithContext(ctx)
	switch typed := record.(type) {
	case *FavoriteEntry:
		if _, err := stories.NewStoryID(typed.StoryID); err != nil {
			return newStoreError(opPut, "invalid_story_id", fmt.Errorf("%w: %v", ErrInvalidRecord, err))
		}
		if typed.FavoritedAt.IsZero() {
			typed.FavoritedAt = s.clock().UTC()
		}
		if err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(typed).Error; err != nil {
			s.logError(opPut, "favorite_write_failed", err, zap.String("story_id", typed.StoryID))
			return unavailable(opPut, "favorite_write_failed", err)
		}
	case *CachedStory:
		if _, err := stories.NewStoryID(typed.StoryID); err != nil {
			return newStoreError(opPut, "invalid_story_id", fmt.Errorf("%w: %v", ErrInvalidRecord, err))
		}
		if typed.CachedAt.IsZero() {
			typed.CachedAt = s.clock().UTC()
		}
		if err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(typed).Error; err != nil {
			s.logError(opPut, "cache_write_failed", err, zap.String("story_id", typed.StoryID))
			return unavailable(opPut, "cache_write_failed", err)
		}
	case *PendingSubmission:
		if strings.TrimSpace(typed.Description) == "" || len(typed.PhotoData) == 0 {
			return newStoreError(opPut, "incomplete_submission", ErrInvalidRecord)
		}
		if typed.Status == "" {
			typed.Status = StatusPending
		}
		if typed.SubmittedAt.IsZero() {
			typed.SubmittedAt = s.clock().UTC()
		}
		tx := db
		if typed.ID != 0 {
			tx = tx.Clauses(clause.OnConflict{UpdateAll: true})
		}
		if err := tx.Create(typed).Error; err != nil {
			s.logError(opPut, "pending_write_failed", err, zap.Int64("pending_id", typed.ID))
			return unavailable(opPut, "pending_write_failed", err)
		}
	case nil:
		return newStoreError(opPut, "missing_record", ErrInvalidRecord)
	default:
		return newStoreError(opPut, "unsupported_record", fmt.Errorf("%w: %T", ErrUnknownCollection, record))
	}
	return nil
}

// AddFavorite stores the story as a favorite, stamped with the current time.
func (s *Store) AddFavorite(ctx context.Context, story stories.Story) (FavoriteEntry, error) {
	entry := FavoriteEntry{StoryColumns: ColumnsFromStory(story), FavoritedAt: s.clock().UTC()}
	if err := s.Put(ctx, &entry); err != nil {
		return FavoriteEntry{}, err
	}
	return entry, nil
}

// Enqueue appends a pending submission built from the draft and returns it with its identifier.
func (s *Store) Enqueue(ctx context.Context, draft stories.Draft) (PendingSubmission, error) {
	pending := NewPendingSubmission(draft, s.clock())
	if err := s.Put(ctx, pending); err != nil {
		return PendingSubmission{}, err
	}
	return *pending, nil
}

// Delete removes the record under key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, collection Collection, key string) error {
	db := s.db.WithContext(ctx)
	var err error
	switch collection {
	case CollectionFavorites:
		err = db.Where("story_id = ?", strings.TrimSpace(key)).Delete(&FavoriteEntry{}).Error
	case CollectionCached:
		err = db.Where("story_id = ?", strings.TrimSpace(key)).Delete(&CachedStory{}).Error
	case CollectionPending:
		id, parseErr := ParsePendingKey(key)
		if parseErr != nil {
			return newStoreError(opDelete, "invalid_key", parseErr)
		}
		err = db.Where("id = ?", id).Delete(&PendingSubmission{}).Error
	default:
		return newStoreError(opDelete, "unknown_collection", fmt.Errorf("%w: %q", ErrUnknownCollection, collection))
	}
	if err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("collection", string(collection)), zap.String("key", key))
		return unavailable(opDelete, "delete_failed", err)
	}
	return nil
}

// Favorites lists favorite entries filtered and ordered by query.
func (s *Store) Favorites(ctx context.Context, query Query) ([]FavoriteEntry, error) {
	var entries []FavoriteEntry
	if err := s.db.WithContext(ctx).Order("story_id ASC").Find(&entries).Error; err != nil {
		s.logError(opList, "favorites_select_failed", err)
		return nil, unavailable(opList, "favorites_select_failed", err)
	}
	return applyQuery(entries, query), nil
}

// Cached lists cached stories filtered and ordered by query.
func (s *Store) Cached(ctx context.Context, query Query) ([]CachedStory, error) {
	var entries []CachedStory
	if err := s.db.WithContext(ctx).Order("story_id ASC").Find(&entries).Error; err != nil {
		s.logError(opList, "cache_select_failed", err)
		return nil, unavailable(opList, "cache_select_failed", err)
	}
	return applyQuery(entries, query), nil
}

// Pending lists queued submissions filtered and ordered by query.
// With no sort the submissions come back in insertion order.
func (s *Store) Pending(ctx context.Context, query Query) ([]PendingSubmission, error) {
	var entries []PendingSubmission
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&entries).Error; err != nil {
		s.logError(opList, "pending_select_failed", err)
		return nil, unavailable(opList, "pending_select_failed", err)
	}
	return applyQuery(entries, query), nil
}

// Favorite loads a single favorite entry.
func (s *Store) Favorite(ctx context.Context, storyID string) (FavoriteEntry, error) {
	var entry FavoriteEntry
	err := s.db.WithContext(ctx).Where("story_id = ?", strings.TrimSpace(storyID)).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FavoriteEntry{}, newStoreError(opGet, "favorite_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "favorite_select_failed", err, zap.String("story_id", storyID))
		return FavoriteEntry{}, unavailable(opGet, "favorite_select_failed", err)
	}
	return entry, nil
}

// CachedStory loads a single cached story.
func (s *Store) CachedStory(ctx context.Context, storyID string) (CachedStory, error) {
	var entry CachedStory
	err := s.db.WithContext(ctx).Where("story_id = ?", strings.TrimSpace(storyID)).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CachedStory{}, newStoreError(opGet, "cache_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "cache_select_failed", err, zap.String("story_id", storyID))
		return CachedStory{}, unavailable(opGet, "cache_select_failed", err)
	}
	return entry, nil
}

// Exists reports whether key is stored in collection.
// Storage failures are logged and reported as absent.
func (s *Store) Exists(ctx context.Context, collection Collection, key string) bool {
	db := s.db.WithContext(ctx)
	var count int64
	var err error
	switch collection {
	case CollectionFavorites:
		err = db.Model(&FavoriteEntry{}).Where("story_id = ?", strings.TrimSpace(key)).Count(&count).Error
	case CollectionCached:
		err = db.Model(&CachedStory{}).Where("story_id = ?", strings.TrimSpace(key)).Count(&count).Error
	case CollectionPending:
		id, parseErr := ParsePendingKey(key)
		if parseErr != nil {
			return false
		}
		err = db.Model(&PendingSubmission{}).Where("id = ?", id).Count(&count).Error
	default:
		return false
	}
	if err != nil {
		s.logError(opExists, "count_failed", err, zap.String("collection", string(collection)), zap.String("key", key))
		return false
	}
	return count > 0
}

// Clear empties the named collections.
func (s *Store) Clear(ctx context.Context, collections ...Collection) error {
	db := s.db.WithContext(ctx)
	for _, collection := range collections {
		var model any
		switch collection {
		case CollectionFavorites:
			model = &FavoriteEntry{}
		case CollectionCached:
			model = &CachedStory{}
		case CollectionPending:
			model = &PendingSubmission{}
		default:
			return newStoreError(opClear, "unknown_collection", fmt.Errorf("%w: %q", ErrUnknownCollection, collection))
		}
		if err := db.Where("1 = 1").Delete(model).Error; err != nil {
			s.logError(opClear, "delete_failed", err, zap.String("collection", string(collection)))
			return unavailable(opClear, "delete_failed", err)
		}
		s.logger.Info("collection cleared", zap.String("collection", string(collection)))
	}
	return nil
}

// Stats counts each collection. A count that cannot be read is reported as zero.
func (s *Store) Stats(ctx context.Context) Stats {
	return Stats{
		Favorites: s.count(ctx, &FavoriteEntry{}, CollectionFavorites),
		Pending:   s.count(ctx, &PendingSubmission{}, CollectionPending),
		Cached:    s.count(ctx, &CachedStory{}, CollectionCached),
	}
}

func (s *Store) count(ctx context.Context, model any, collection Collection) int64 {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Count(&count).Error; err != nil {
		s.logError(opStats, "count_failed", err, zap.String("collection", string(collection)))
		return 0
	}
	return count
}

// ReplaceCache swaps the cache contents for the given stories in one transaction.
// Every entry shares the same cachedAt stamp. Stories that fail validation are skipped.
func (s *Store) ReplaceCache(ctx context.Context, fetched []stories.Story) (int, error) {
	cachedAt := s.clock().UTC()
	entries := make([]CachedStory, 0, len(fetched))
	for _, story := range fetched {
		if err := story.Validate(); err != nil {
			s.logger.Warn("skipping invalid story",
				zap.String("operation", opReplaceCache),
				zap.String("story_id", story.ID),
				zap.Error(err))
			continue
		}
		entries = append(entries, CachedStory{StoryColumns: ColumnsFromStory(story), CachedAt: cachedAt})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&CachedStory{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(entries, 100).Error
	})
	if txErr != nil {
		s.logError(opReplaceCache, "transaction_failed", txErr, zap.Int("story_count", len(entries)))
		return 0, unavailable(opReplaceCache, "transaction_failed", txErr)
	}
	return len(entries), nil
}

// MarkPending records a delivery state transition for a queued submission.
// A failed transition increments the attempt counter and stores the cause.
func (s *Store) MarkPending(ctx context.Context, id int64, status PendingStatus, cause error) error {
	updates := map[string]any{"status": status}
	switch status {
	case StatusFailed:
		updates["attempts"] = gorm.Expr("attempts + 1")
		if cause != nil {
			updates["last_error"] = cause.Error()
		}
	case StatusPending, StatusSyncing:
	default:
		return newStoreError(opMarkPending, "invalid_status", fmt.Errorf("%w: status %q", ErrInvalidRecord, status))
	}
	result := s.db.WithContext(ctx).Model(&PendingSubmission{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		s.logError(opMarkPending, "update_failed", result.Error, zap.Int64("pending_id", id))
		return unavailable(opMarkPending, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opMarkPending, "pending_not_found", ErrNotFound)
	}
	return nil
}

// ResetInFlight returns submissions left in the syncing state to pending.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&PendingSubmission{}).
		Where("status = ?", StatusSyncing).
		Update("status", StatusPending)
	if result.Error != nil {
		s.logError(opResetInFlight, "update_failed", result.Error)
		return 0, unavailable(opResetInFlight, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("in-flight submissions reset", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	allFields := make([]zap.Field, 0, len(fields)+3)
	allFields = append(allFields,
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
	allFields = append(allFields, fields...)
	s.logger.Error("local store operation failed", allFields...)
}
