package localstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
)

// Collection names one of the independent record collections.
type Collection string

const (
	// CollectionFavorites holds user-curated stories.
	CollectionFavorites Collection = "favorites"
	// CollectionPending holds offline submissions awaiting delivery.
	CollectionPending Collection = "pending"
	// CollectionCached mirrors the last successful remote fetch.
	CollectionCached Collection = "cached"
)

// Collections lists every collection in a stable order.
func Collections() []Collection {
	return []Collection{CollectionFavorites, CollectionPending, CollectionCached}
}

// ParseCollection maps user input onto a Collection.
func ParseCollection(raw string) (Collection, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "favorites", "favorite", "favourites":
		return CollectionFavorites, nil
	case "pending", "pending-stories":
		return CollectionPending, nil
	case "cached", "cache", "cached-stories":
		return CollectionCached, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, raw)
	}
}

// PendingStatus tracks the delivery state of a queued submission.
type PendingStatus string

const (
	// StatusPending marks a submission waiting for the next drain.
	StatusPending PendingStatus = "pending"
	// StatusSyncing marks a submission whose delivery is in flight.
	StatusSyncing PendingStatus = "syncing"
	// StatusFailed marks a submission whose last delivery attempt failed.
	StatusFailed PendingStatus = "failed"
)

// Record is implemented by every persisted entry type.
type Record interface {
	Collection() Collection
	Key() string
}

// StoryColumns holds the story fields shared by the favorites and cache tables.
type StoryColumns struct {
	StoryID        string    `gorm:"column:story_id;primaryKey;size:190;not null"`
	AuthorName     string    `gorm:"column:author_name;size:320;not null"`
	Description    string    `gorm:"column:description;type:text;not null"`
	PhotoURL       string    `gorm:"column:photo_url;size:1024;not null"`
	Lat            *float64  `gorm:"column:lat"`
	Lon            *float64  `gorm:"column:lon"`
	StoryCreatedAt time.Time `gorm:"column:story_created_at"`
}

// ColumnsFromStory copies a remote story into its persisted shape.
func ColumnsFromStory(story stories.Story) StoryColumns {
	return StoryColumns{
		StoryID:        strings.TrimSpace(story.ID),
		AuthorName:     story.Name,
		Description:    story.Description,
		PhotoURL:       story.PhotoURL,
		Lat:            copyFloat(story.Lat),
		Lon:            copyFloat(story.Lon),
		StoryCreatedAt: story.CreatedAt.UTC(),
	}
}

// Story converts the persisted columns back into a story.
func (c StoryColumns) Story() stories.Story {
	return stories.Story{
		ID:          c.StoryID,
		Name:        c.AuthorName,
		Description: c.Description,
		PhotoURL:    c.PhotoURL,
		CreatedAt:   c.StoryCreatedAt,
		Lat:         copyFloat(c.Lat),
		Lon:         copyFloat(c.Lon),
	}
}

// FavoriteEntry is a story the user marked as favorite.
type FavoriteEntry struct {
	StoryColumns `gorm:"embedded"`
	FavoritedAt  time.Time `gorm:"column:favorited_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (FavoriteEntry) TableName() string {
	return "favorite_stories"
}

// Collection implements Record.
func (*FavoriteEntry) Collection() Collection {
	return CollectionFavorites
}

// Key implements Record.
func (e *FavoriteEntry) Key() string {
	return e.StoryID
}

// CachedStory is one entry of the last successful remote fetch.
type CachedStory struct {
	StoryColumns `gorm:"embedded"`
	CachedAt     time.Time `gorm:"column:cached_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (CachedStory) TableName() string {
	return "cached_stories"
}

// Collection implements Record.
func (*CachedStory) Collection() Collection {
	return CollectionCached
}

// Key implements Record.
func (c *CachedStory) Key() string {
	return c.StoryID
}

// PendingSubmission is a story write queued while offline.
type PendingSubmission struct {
	ID               int64         `gorm:"column:id;primaryKey;autoIncrement"`
	Description      string        `gorm:"column:description;type:text;not null"`
	PhotoFilename    string        `gorm:"column:photo_filename;size:255;not null"`
	PhotoContentType string        `gorm:"column:photo_content_type;size:64;not null"`
	PhotoData        []byte        `gorm:"column:photo_data;not null"`
	Lat              float64       `gorm:"column:lat;not null"`
	Lon              float64       `gorm:"column:lon;not null"`
	SubmittedAt      time.Time     `gorm:"column:submitted_at;not null;index"`
	Status           PendingStatus `gorm:"column:status;size:16;not null;index"`
	Attempts         int           `gorm:"column:attempts;not null"`
	LastError        string        `gorm:"column:last_error;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingSubmission) TableName() string {
	return "pending_submissions"
}

// Collection implements Record.
func (*PendingSubmission) Collection() Collection {
	return CollectionPending
}

// Key implements Record.
func (p *PendingSubmission) Key() string {
	return PendingKey(p.ID)
}

// NewPendingSubmission builds an unsaved queue entry from a validated draft.
func NewPendingSubmission(draft stories.Draft, submittedAt time.Time) *PendingSubmission {
	contentType := draft.Photo.ContentType
	if strings.TrimSpace(contentType) == "" {
		contentType = stories.DetectContentType(draft.Photo.Filename, draft.Photo.Data)
	}
	return &PendingSubmission{
		Description:      draft.Description,
		PhotoFilename:    draft.Photo.Filename,
		PhotoContentType: contentType,
		PhotoData:        append([]byte(nil), draft.Photo.Data...),
		Lat:              draft.Coordinates.Lat(),
		Lon:              draft.Coordinates.Lon(),
		SubmittedAt:      submittedAt.UTC(),
		Status:           StatusPending,
	}
}

// Photo returns the queued photo payload.
func (p *PendingSubmission) Photo() stories.Photo {
	return stories.Photo{
		Filename:    p.PhotoFilename,
		ContentType: p.PhotoContentType,
		Data:        p.PhotoData,
	}
}

// PendingKey renders a pending identifier as a collection key.
func PendingKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParsePendingKey parses a collection key into a pending identifier.
func ParsePendingKey(key string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return id, nil
}

// Models lists the GORM models owned by the store, for schema migration.
func Models() []any {
	return []any{&FavoriteEntry{}, &PendingSubmission{}, &CachedStory{}}
}

func copyFloat(value *float64) *float64 {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
