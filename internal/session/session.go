package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNoSession indicates that no user is logged in.
	ErrNoSession = errors.New("session: not logged in")
	// ErrExpired indicates a session whose credential is no longer accepted.
	ErrExpired = errors.New("session: expired")
	// ErrInvalidCredentials indicates an attempt to establish a session without a token.
	ErrInvalidCredentials = errors.New("session: token is required")

	errMissingDatabase = errors.New("database handle is required")
)

// State is the lifecycle position of the local session.
type State string

const (
	// StateEstablished means a usable token is stored.
	StateEstablished State = "established"
	// StateExpired means the remote rejected the token or its expiry passed.
	StateExpired State = "expired"
	// StateCleared means the user logged out or never logged in.
	StateCleared State = "cleared"
)

const (
	keyToken    = "token"
	keyUserID   = "userId"
	keyUserName = "userName"
	keyState    = "state"
)

// Entry is one persisted key/value pair.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:64;not null"`
	Value            string `gorm:"column:entry_value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "session_entries"
}

// Credentials describes a freshly issued login.
type Credentials struct {
	Token    string
	UserID   string
	UserName string
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	State     State      `json:"state" yaml:"state"`
	UserID    string     `json:"userId,omitempty" yaml:"userId,omitempty"`
	UserName  string     `json:"userName,omitempty" yaml:"userName,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
}

// Config wires the session dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager owns the persisted session.
type Manager struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	parser *jwt.Parser
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{db: cfg.Database, clock: clock, logger: logger, parser: jwt.NewParser()}, nil
}

// Establish stores the credentials and marks the session established.
func (m *Manager) Establish(ctx context.Context, credentials Credentials) error {
	token := strings.TrimSpace(credentials.Token)
	if token == "" {
		return ErrInvalidCredentials
	}
	entries := map[string]string{
		keyToken:    token,
		keyUserID:   credentials.UserID,
		keyUserName: credentials.UserName,
		keyState:    string(StateEstablished),
	}
	if err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return m.writeEntries(tx, entries)
	}); err != nil {
		return fmt.Errorf("session: establish: %w", err)
	}
	m.logger.Info("session established", zap.String("user_id", credentials.UserID))
	return nil
}

// Expire removes the stored credentials after the remote rejected them.
func (m *Manager) Expire(ctx context.Context) error {
	if err := m.transition(ctx, StateExpired); err != nil {
		return fmt.Errorf("session: expire: %w", err)
	}
	m.logger.Warn("session expired")
	return nil
}

// Clear removes the stored credentials on user logout.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.transition(ctx, StateCleared); err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	m.logger.Info("session cleared")
	return nil
}

// State reports the lifecycle position, checking token expiry locally.
func (m *Manager) State(ctx context.Context) State {
	snapshot, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("session state unavailable", zap.Error(err))
		return StateCleared
	}
	return snapshot.State
}

// Snapshot loads the session without exposing the token.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	values, err := m.readEntries(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	token := values[keyToken]
	if token == "" {
		if State(values[keyState]) == StateExpired {
			return Snapshot{State: StateExpired}, nil
		}
		return Snapshot{State: StateCleared}, nil
	}
	snapshot := Snapshot{
		State:    StateEstablished,
		UserID:   values[keyUserID],
		UserName: values[keyUserName],
	}
	if expiresAt, ok := m.expiry(token); ok {
		snapshot.ExpiresAt = &expiresAt
		if !m.clock().Before(expiresAt) {
			snapshot.State = StateExpired
		}
	}
	return snapshot, nil
}

// UserName returns the display name of the logged-in user.
func (m *Manager) UserName(ctx context.Context) string {
	snapshot, err := m.Snapshot(ctx)
	if err != nil || snapshot.State != StateEstablished {
		return ""
	}
	return snapshot.UserName
}

// BearerToken returns the stored token for authenticated requests.
func (m *Manager) BearerToken(ctx context.Context) (string, error) {
	values, err := m.readEntries(ctx)
	if err != nil {
		return "", err
	}
	token := values[keyToken]
	if token == "" {
		if State(values[keyState]) == StateExpired {
			return "", ErrExpired
		}
		return "", ErrNoSession
	}
	if expiresAt, ok := m.expiry(token); ok && !m.clock().Before(expiresAt) {
		return "", ErrExpired
	}
	return token, nil
}

func (m *Manager) expiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := m.parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}, false
	}
	return expiresAt.Time, true
}

func (m *Manager) transition(ctx context.Context, state State) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entry_key IN ?", []string{keyToken, keyUserID, keyUserName}).Delete(&Entry{}).Error; err != nil {
			return err
		}
		return m.writeEntries(tx, map[string]string{keyState: string(state)})
	})
}

func (m *Manager) writeEntries(tx *gorm.DB, values map[string]string) error {
	updatedAt := m.clock().UTC().Unix()
	entries := make([]Entry, 0, len(values))
	for key, value := range values {
		entries = append(entries, Entry{Key: key, Value: value, UpdatedAtSeconds: updatedAt})
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entries).Error
}

func (m *Manager) readEntries(ctx context.Context) (map[string]string, error) {
	var entries []Entry
	if err := m.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("session: read: %w", err)
	}
	values := make(map[string]string, len(entries))
	for _, entry := range entries {
		values[entry.Key] = entry.Value
	}
	return values, nil
}
