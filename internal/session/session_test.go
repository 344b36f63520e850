package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

func newTestManager(testContext *testing.T, now time.Time) *Manager {
	testContext.Helper()
	dsn := fmt.Sprintf("file:session_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	manager, err := NewManager(Config{Database: db, Clock: func() time.Time { return now }})
	if err != nil {
		testContext.Fatalf("failed to build manager: %v", err)
	}
	return manager
}

func signedToken(testContext *testing.T, expiresAt time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionLifecycle(testContext *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	manager := newTestManager(testContext, now)
	ctx := context.Background()

	if state := manager.State(ctx); state != StateCleared {
		testContext.Fatalf("expected cleared state before login, got %s", state)
	}
	if _, err := manager.BearerToken(ctx); !errors.Is(err, ErrNoSession) {
		testContext.Fatalf("expected ErrNoSession, got %v", err)
	}

	token := signedToken(testContext, now.Add(time.Hour))
	if err := manager.Establish(ctx, Credentials{Token: token, UserID: "user-1", UserName: "Reader"}); err != nil {
		testContext.Fatalf("failed to establish session: %v", err)
	}
	if state := manager.State(ctx); state != StateEstablished {
		testContext.Fatalf("expected established state, got %s", state)
	}
	if name := manager.UserName(ctx); name != "Reader" {
		testContext.Fatalf("unexpected user name %q", name)
	}
	stored, err := manager.BearerToken(ctx)
	if err != nil || stored != token {
		testContext.Fatalf("unexpected bearer token %q, err %v", stored, err)
	}

	if err := manager.Expire(ctx); err != nil {
		testContext.Fatalf("failed to expire session: %v", err)
	}
	if state := manager.State(ctx); state != StateExpired {
		testContext.Fatalf("expected expired state, got %s", state)
	}
	if _, err := manager.BearerToken(ctx); !errors.Is(err, ErrExpired) {
		testContext.Fatalf("expected ErrExpired after forced logout, got %v", err)
	}

	if err := manager.Clear(ctx); err != nil {
		testContext.Fatalf("failed to clear session: %v", err)
	}
	if state := manager.State(ctx); state != StateCleared {
		testContext.Fatalf("expected cleared state, got %s", state)
	}
}

func TestSessionReportsPastExpiryBeforeAnyRequest(testContext *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	manager := newTestManager(testContext, now)
	ctx := context.Background()

	if err := manager.Establish(ctx, Credentials{Token: signedToken(testContext, now.Add(-time.Minute)), UserID: "user-1"}); err != nil {
		testContext.Fatalf("failed to establish session: %v", err)
	}
	snapshot, err := manager.Snapshot(ctx)
	if err != nil {
		testContext.Fatalf("unexpected snapshot error: %v", err)
	}
	if snapshot.State != StateExpired || snapshot.ExpiresAt == nil {
		testContext.Fatalf("expected expired snapshot with expiry, got %+v", snapshot)
	}
	if _, err := manager.BearerToken(ctx); !errors.Is(err, ErrExpired) {
		testContext.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestSessionAcceptsOpaqueTokens(testContext *testing.T) {
	manager := newTestManager(testContext, time.Now())
	ctx := context.Background()
	if err := manager.Establish(ctx, Credentials{Token: "opaque-token"}); err != nil {
		testContext.Fatalf("failed to establish session: %v", err)
	}
	token, err := manager.BearerToken(ctx)
	if err != nil || token != "opaque-token" {
		testContext.Fatalf("expected opaque token to be returned, got %q, %v", token, err)
	}
	if err := manager.Establish(ctx, Credentials{Token: "  "}); !errors.Is(err, ErrInvalidCredentials) {
		testContext.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
