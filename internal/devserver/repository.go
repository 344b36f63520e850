package devserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrEmailTaken      = errors.New("devserver: email is already taken")
	ErrAccountNotFound = errors.New("devserver: account not found")
	ErrWrongPassword   = errors.New("devserver: invalid password")
	ErrStoryNotFound   = errors.New("devserver: story not found")
)

// Account is a registered stub user.
type Account struct {
	UserID       string `gorm:"column:user_id;primaryKey;size:64"`
	Name         string `gorm:"column:name;not null"`
	Email        string `gorm:"column:email;not null;uniqueIndex"`
	PasswordHash []byte `gorm:"column:password_hash;not null"`
	JoinedAt     int64  `gorm:"column:joined_at_s;not null"`
}

// TableName overrides the default table name.
func (Account) TableName() string {
	return "accounts"
}

// StoryRecord is a published story with its photo payload.
type StoryRecord struct {
	StoryID          string   `gorm:"column:story_id;primaryKey;size:64"`
	OwnerID          string   `gorm:"column:owner_id;not null;index"`
	AuthorName       string   `gorm:"column:author_name;not null"`
	Description      string   `gorm:"column:description;not null"`
	PhotoContentType string   `gorm:"column:photo_content_type;not null"`
	PhotoData        []byte   `gorm:"column:photo_data"`
	Lat              *float64 `gorm:"column:lat"`
	Lon              *float64 `gorm:"column:lon"`
	PublishedAt      int64    `gorm:"column:published_at_ns;not null;index"`
}

// TableName overrides the default table name.
func (StoryRecord) TableName() string {
	return "published_stories"
}

// Models lists the schema owned by the stub server.
func Models() []any {
	return []any{&Account{}, &StoryRecord{}}
}

// Story renders the record with its photo served under photoBase.
func (r StoryRecord) Story(photoBase string) stories.Story {
	return stories.Story{
		ID:          r.StoryID,
		Name:        r.AuthorName,
		Description: r.Description,
		PhotoURL:    strings.TrimRight(photoBase, "/") + "/" + r.StoryID,
		CreatedAt:   time.Unix(0, r.PublishedAt).UTC(),
		Lat:         r.Lat,
		Lon:         r.Lon,
	}
}

// RepositoryConfig configures the stub persistence layer.
type RepositoryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	HashCost   int
	IDProvider func() string
}

// Repository persists accounts and stories for the stub server.
type Repository struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	hashCost   int
	idProvider func() string
}

// NewRepository constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errors.New("devserver: database required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hashCost := cfg.HashCost
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuid.NewString
	}
	return &Repository{db: cfg.Database, clock: clock, logger: logger, hashCost: hashCost, idProvider: idProvider}, nil
}

// Register creates an account. Emails are matched case-insensitively.
func (r *Repository) Register(ctx context.Context, name, email, password string) (Account, error) {
	email = normalizeEmail(email)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.hashCost)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}
	account := Account{
		UserID:       "user-" + r.idProvider(),
		Name:         strings.TrimSpace(name),
		Email:        email,
		PasswordHash: hash,
		JoinedAt:     r.clock().UTC().Unix(),
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Account{}).Where("email = ?", email).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrEmailTaken
		}
		return tx.Create(&account).Error
	})
	if err != nil {
		if !errors.Is(err, ErrEmailTaken) {
			r.logger.Error("account registration failed", zap.Error(err))
		}
		return Account{}, err
	}
	return account, nil
}

// Authenticate checks credentials and returns the account.
func (r *Repository) Authenticate(ctx context.Context, email, password string) (Account, error) {
	var account Account
	err := r.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(password)); err != nil {
		return Account{}, ErrWrongPassword
	}
	return account, nil
}

// Publish stores a new story for the given owner.
func (r *Repository) Publish(ctx context.Context, owner Account, description string, photo stories.Photo, lat, lon *float64) (StoryRecord, error) {
	record := StoryRecord{
		StoryID:          "story-" + r.idProvider(),
		OwnerID:          owner.UserID,
		AuthorName:       owner.Name,
		Description:      description,
		PhotoContentType: photo.ContentType,
		PhotoData:        photo.Data,
		Lat:              lat,
		Lon:              lon,
		PublishedAt:      r.clock().UTC().UnixNano(),
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		r.logger.Error("story publish failed", zap.String("owner_id", owner.UserID), zap.Error(err))
		return StoryRecord{}, err
	}
	return record, nil
}

// ListOptions narrows a story listing. A zero Size returns every story.
type ListOptions struct {
	Page         int
	Size         int
	WithLocation bool
}

// List returns stories newest first.
func (r *Repository) List(ctx context.Context, options ListOptions) ([]StoryRecord, error) {
	query := r.db.WithContext(ctx).Omit("photo_data").Order("published_at_ns DESC").Order("story_id ASC")
	if options.WithLocation {
		query = query.Where("lat IS NOT NULL AND lon IS NOT NULL")
	}
	if options.Size > 0 {
		page := options.Page
		if page < 1 {
			page = 1
		}
		query = query.Limit(options.Size).Offset((page - 1) * options.Size)
	}
	var records []StoryRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Find loads one story including its photo payload.
func (r *Repository) Find(ctx context.Context, storyID string) (StoryRecord, error) {
	var record StoryRecord
	err := r.db.WithContext(ctx).Where("story_id = ?", storyID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StoryRecord{}, ErrStoryNotFound
	}
	if err != nil {
		return StoryRecord{}, err
	}
	return record, nil
}

// Account loads an account by id.
func (r *Repository) Account(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
