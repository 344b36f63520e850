package localstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/go-cmp/cmp"
	"gorm.io/gorm"
)

var pngPayload = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:localstore_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &steppingClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := NewStore(StoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func story(id, name, description string, createdAt time.Time) stories.Story {
	return stories.Story{ID: id, Name: name, Description: description, PhotoURL: "https://img/" + id, CreatedAt: createdAt}
}

func favoriteIDs(entries []FavoriteEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.StoryID)
	}
	return ids
}

func mustDraft(t *testing.T, description string) stories.Draft {
	t.Helper()
	draft, err := stories.NewDraft(description, stories.Photo{Filename: "photo.png", Data: pngPayload}, 1.5, 2.5)
	if err != nil {
		t.Fatalf("unexpected draft error: %v", err)
	}
	return draft
}

func TestFavoritesSearchMatchesNameOrDescription(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range []stories.Story{
		story("a", "Alice", "Trip to Paris", base),
		story("b", "Paris Hilton", "Hotel", base.Add(time.Hour)),
		story("c", "Bob", "London", base.Add(2*time.Hour)),
	} {
		if _, err := store.AddFavorite(ctx, s); err != nil {
			t.Fatalf("failed to add favorite %s: %v", s.ID, err)
		}
	}

	entries, err := store.Favorites(ctx, Query{Search: "paris"})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, favoriteIDs(entries)); diff != "" {
		t.Fatalf("unexpected search result (-want +got):\n%s", diff)
	}
}

func TestFavoritesSorting(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range []stories.Story{
		story("s1", "charlie", "one", base.Add(time.Hour)),
		story("s2", "Alpha", "two", base.Add(3*time.Hour)),
		story("s3", "bravo", "three", base),
	} {
		if _, err := store.AddFavorite(ctx, s); err != nil {
			t.Fatalf("failed to add favorite: %v", err)
		}
	}

	testCases := []struct {
		name     string
		query    Query
		expected []string
	}{
		{name: "natural order", query: Query{}, expected: []string{"s1", "s2", "s3"}},
		{name: "created defaults to descending", query: Query{SortBy: SortByCreated}, expected: []string{"s2", "s1", "s3"}},
		{name: "created ascending", query: Query{SortBy: SortByCreated, Order: OrderAsc}, expected: []string{"s3", "s1", "s2"}},
		{name: "name ascending ignores case", query: Query{SortBy: SortByName, Order: OrderAsc}, expected: []string{"s2", "s3", "s1"}},
		{name: "name descending", query: Query{SortBy: SortByName, Order: OrderDesc}, expected: []string{"s1", "s3", "s2"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			entries, err := store.Favorites(ctx, testCase.query)
			if err != nil {
				t.Fatalf("unexpected list error: %v", err)
			}
			if diff := cmp.Diff(testCase.expected, favoriteIDs(entries)); diff != "" {
				t.Fatalf("unexpected order (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPutOverwritesWholeRecord(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	lat, lon := 10.0, 20.0
	first := story("s1", "First", "with location", time.Now())
	first.Lat, first.Lon = &lat, &lon
	if _, err := store.AddFavorite(ctx, first); err != nil {
		t.Fatalf("failed to add favorite: %v", err)
	}
	if _, err := store.AddFavorite(ctx, story("s1", "Second", "no location", time.Now())); err != nil {
		t.Fatalf("failed to overwrite favorite: %v", err)
	}

	entry, err := store.Favorite(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if entry.AuthorName != "Second" || entry.Description != "no location" {
		t.Fatalf("expected overwritten fields, got %+v", entry.StoryColumns)
	}
	if entry.Lat != nil || entry.Lon != nil {
		t.Fatalf("expected location to be cleared by overwrite, got %v %v", entry.Lat, entry.Lon)
	}
	if stats := store.Stats(ctx); stats.Favorites != 1 {
		t.Fatalf("expected a single favorite, got %d", stats.Favorites)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.AddFavorite(ctx, story("s1", "Name", "desc", time.Now())); err != nil {
		t.Fatalf("failed to add favorite: %v", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		if err := store.Delete(ctx, CollectionFavorites, "s1"); err != nil {
			t.Fatalf("delete attempt %d failed: %v", attempt, err)
		}
	}
	if store.Exists(ctx, CollectionFavorites, "s1") {
		t.Fatalf("expected favorite to be gone")
	}
	if err := store.Delete(ctx, CollectionPending, "not-a-number"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestPendingQueuePreservesInsertionOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	var ids []int64
	for _, description := range []string{"third-by-name", "first-by-name", "second-by-name"} {
		pending, err := store.Enqueue(ctx, mustDraft(t, description))
		if err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
		ids = append(ids, pending.ID)
	}

	pending, err := store.Pending(ctx, Query{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	got := make([]int64, 0, len(pending))
	for _, entry := range pending {
		got = append(got, entry.ID)
		if entry.Status != StatusPending {
			t.Fatalf("expected pending status, got %q", entry.Status)
		}
		if entry.PhotoContentType != "image/png" {
			t.Fatalf("expected sniffed content type, got %q", entry.PhotoContentType)
		}
	}
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Fatalf("unexpected pending order (-want +got):\n%s", diff)
	}
	if !store.Exists(ctx, CollectionPending, PendingKey(ids[0])) {
		t.Fatalf("expected first pending entry to exist")
	}
}

func TestCollectionsAreDisjoint(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.AddFavorite(ctx, story("shared", "Name", "desc", time.Now())); err != nil {
		t.Fatalf("failed to add favorite: %v", err)
	}
	if store.Exists(ctx, CollectionCached, "shared") {
		t.Fatalf("favorite leaked into cache")
	}
	if _, err := store.ReplaceCache(ctx, []stories.Story{story("shared", "Other", "cached", time.Now())}); err != nil {
		t.Fatalf("failed to replace cache: %v", err)
	}
	if err := store.Delete(ctx, CollectionCached, "shared"); err != nil {
		t.Fatalf("failed to delete cached entry: %v", err)
	}
	if !store.Exists(ctx, CollectionFavorites, "shared") {
		t.Fatalf("deleting cached entry removed the favorite")
	}
}

func TestReplaceCacheSwapsContentsWithSharedTimestamp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.ReplaceCache(ctx, []stories.Story{story("old", "Old", "stale", time.Now())}); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}
	badLat := 120.0
	invalid := story("bad", "Bad", "out of range", time.Now())
	invalid.Lat, invalid.Lon = &badLat, &badLat
	nan := math.NaN()
	notANumber := story("nan", "NaN", "not a number", time.Now())
	notANumber.Lat, notANumber.Lon = &nan, &nan

	stored, err := store.ReplaceCache(ctx, []stories.Story{
		story("n1", "New", "one", time.Now()),
		story("n2", "New", "two", time.Now()),
		invalid,
		notANumber,
	})
	if err != nil {
		t.Fatalf("failed to replace cache: %v", err)
	}
	if stored != 2 {
		t.Fatalf("expected 2 cached stories, got %d", stored)
	}
	cached, err := store.Cached(ctx, Query{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(cached) != 2 || cached[0].StoryID != "n1" || cached[1].StoryID != "n2" {
		t.Fatalf("unexpected cache contents: %+v", cached)
	}
	if !cached[0].CachedAt.Equal(cached[1].CachedAt) {
		t.Fatalf("expected shared cachedAt, got %v and %v", cached[0].CachedAt, cached[1].CachedAt)
	}
}

func TestMarkPendingAndResetInFlight(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	pending, err := store.Enqueue(ctx, mustDraft(t, "queued"))
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := store.MarkPending(ctx, pending.ID, StatusSyncing, nil); err != nil {
		t.Fatalf("failed to mark syncing: %v", err)
	}
	reset, err := store.ResetInFlight(ctx)
	if err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected one reset submission, got %d", reset)
	}
	if err := store.MarkPending(ctx, pending.ID, StatusFailed, errors.New("upstream 503")); err != nil {
		t.Fatalf("failed to mark failed: %v", err)
	}
	entries, err := store.Pending(ctx, Query{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if entries[0].Attempts != 1 || entries[0].LastError != "upstream 503" || entries[0].Status != StatusFailed {
		t.Fatalf("unexpected failure bookkeeping: %+v", entries[0])
	}
	if err := store.MarkPending(ctx, 9999, StatusPending, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing entry, got %v", err)
	}
}

func TestClearAndStats(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.AddFavorite(ctx, story("f1", "Fav", "desc", time.Now())); err != nil {
		t.Fatalf("failed to add favorite: %v", err)
	}
	if _, err := store.Enqueue(ctx, mustDraft(t, "queued")); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := store.ReplaceCache(ctx, []stories.Story{story("c1", "C", "d", time.Now())}); err != nil {
		t.Fatalf("failed to replace cache: %v", err)
	}
	if diff := cmp.Diff(Stats{Favorites: 1, Pending: 1, Cached: 1}, store.Stats(ctx)); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
	if err := store.Clear(ctx, CollectionCached, CollectionPending); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	if diff := cmp.Diff(Stats{Favorites: 1}, store.Stats(ctx)); diff != "" {
		t.Fatalf("unexpected stats after clear (-want +got):\n%s", diff)
	}
}

func TestStorageFailuresSurfaceAsUnavailable(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close sql db: %v", err)
	}

	_, err = store.AddFavorite(ctx, story("s1", "Name", "desc", time.Now()))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	var storeErr *StoreError
	if !errors.As(err, &storeErr) || storeErr.Code() != "localstore.put.favorite_write_failed" {
		t.Fatalf("unexpected error code: %v", err)
	}
	if store.Exists(ctx, CollectionFavorites, "s1") {
		t.Fatalf("expected Exists to report false on failure")
	}
	if diff := cmp.Diff(Stats{}, store.Stats(ctx)); diff != "" {
		t.Fatalf("expected zero stats on failure (-want +got):\n%s", diff)
	}
}

func TestParseSort(t *testing.T) {
	field, order, err := ParseSort("date-asc")
	if err != nil || field != SortByCreated || order != OrderAsc {
		t.Fatalf("unexpected parse result %q %q %v", field, order, err)
	}
	field, order, err = ParseSort("name")
	if err != nil || field != SortByName || order != OrderDesc {
		t.Fatalf("unexpected parse result %q %q %v", field, order, err)
	}
	if _, _, err := ParseSort("size-desc"); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}
