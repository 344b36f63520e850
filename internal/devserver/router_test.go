package devserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/auth"
	"github.com/MarcoPoloResearchLab/storyline/internal/database"
	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
	"github.com/MarcoPoloResearchLab/storyline/internal/storyapi"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

var databaseSequence atomic.Int64

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Advance() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

type stubHarness struct {
	server *httptest.Server
	client *storyapi.Client
	token  string
}

func (h *stubHarness) BearerToken(context.Context) (string, error) {
	return h.token, nil
}

func newStubHarness(testContext *testing.T) *stubHarness {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:devserver_%d?mode=memory&cache=shared", databaseSequence.Add(1))
	db, err := database.Open(dsn, zap.NewNop(), Models()...)
	if err != nil {
		testContext.Fatalf("open database: %v", err)
	}
	testContext.Cleanup(func() { _ = database.Close(db) })

	clock := &steppingClock{current: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	harness := &stubHarness{}

	repository, err := NewRepository(RepositoryConfig{Database: db, Clock: clock.Advance, HashCost: bcrypt.MinCost})
	if err != nil {
		testContext.Fatalf("new repository: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("stub-secret"),
		Issuer:        "storyline-stub",
		Audience:      "storyline",
		TokenTTL:      time.Hour,
		Clock:         clock.Now,
	})
	if err != nil {
		testContext.Fatalf("new token issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{Repository: repository, Tokens: tokens})
	if err != nil {
		testContext.Fatalf("new handler: %v", err)
	}

	harness.server = httptest.NewServer(handler)
	testContext.Cleanup(harness.server.Close)

	client, err := storyapi.NewClient(storyapi.Config{
		BaseURL:     harness.server.URL + apiPrefix,
		Credentials: harness,
		MaxRetries:  -1,
	})
	if err != nil {
		testContext.Fatalf("new client: %v", err)
	}
	harness.client = client
	return harness
}

func (h *stubHarness) login(testContext *testing.T, name, email string) storyapi.LoginResult {
	testContext.Helper()
	ctx := context.Background()
	if err := h.client.Register(ctx, name, email, "correct-horse"); err != nil {
		testContext.Fatalf("register: %v", err)
	}
	result, err := h.client.Login(ctx, email, "correct-horse")
	if err != nil {
		testContext.Fatalf("login: %v", err)
	}
	h.token = result.Token
	return result
}

func floatPointer(value float64) *float64 {
	return &value
}

func TestStubServesStoryLifecycle(testContext *testing.T) {
	harness := newStubHarness(testContext)
	ctx := context.Background()
	result := harness.login(testContext, "Alice Reader", "alice@example.com")
	if result.Name != "Alice Reader" || result.UserID == "" {
		testContext.Fatalf("unexpected login result %+v", result)
	}

	photo := stories.Photo{Filename: "tower.png", ContentType: "image/png", Data: pngHeader}
	if err := harness.client.CreateStory(ctx, storyapi.NewStory{Description: "no location", Photo: photo}); err != nil {
		testContext.Fatalf("create story without location: %v", err)
	}
	located := storyapi.NewStory{Description: "Eiffel at dusk", Photo: photo, Lat: floatPointer(48.8584), Lon: floatPointer(2.2945)}
	if err := harness.client.CreateStory(ctx, located); err != nil {
		testContext.Fatalf("create story with location: %v", err)
	}

	all, err := harness.client.ListStories(ctx, storyapi.ListOptions{})
	if err != nil {
		testContext.Fatalf("list stories: %v", err)
	}
	if len(all) != 2 {
		testContext.Fatalf("expected two stories, got %d", len(all))
	}
	if all[0].Description != "Eiffel at dusk" {
		testContext.Fatalf("expected newest story first, got %q", all[0].Description)
	}
	if all[0].Name != "Alice Reader" || !all[0].HasLocation() {
		testContext.Fatalf("unexpected story %+v", all[0])
	}

	withLocation, err := harness.client.ListStories(ctx, storyapi.ListOptions{WithLocation: true})
	if err != nil {
		testContext.Fatalf("list located stories: %v", err)
	}
	if len(withLocation) != 1 || withLocation[0].ID != all[0].ID {
		testContext.Fatalf("unexpected located stories %+v", withLocation)
	}

	secondPage, err := harness.client.ListStories(ctx, storyapi.ListOptions{Page: 2, Size: 1})
	if err != nil {
		testContext.Fatalf("list second page: %v", err)
	}
	if len(secondPage) != 1 || secondPage[0].Description != "no location" {
		testContext.Fatalf("unexpected second page %+v", secondPage)
	}

	fetched, err := harness.client.GetStory(ctx, all[0].ID)
	if err != nil {
		testContext.Fatalf("get story: %v", err)
	}
	if fetched.ID != all[0].ID || fetched.PhotoURL == "" {
		testContext.Fatalf("unexpected fetched story %+v", fetched)
	}

	response, err := http.Get(fetched.PhotoURL)
	if err != nil {
		testContext.Fatalf("fetch photo: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK || response.Header.Get("Content-Type") != "image/png" {
		testContext.Fatalf("unexpected photo response %d %s", response.StatusCode, response.Header.Get("Content-Type"))
	}

	if _, err := harness.client.GetStory(ctx, "story-missing"); !errors.Is(err, storyapi.ErrServer) {
		testContext.Fatalf("expected server error for missing story, got %v", err)
	}
}

func TestStubRejectsInvalidAccounts(testContext *testing.T) {
	harness := newStubHarness(testContext)
	ctx := context.Background()
	harness.login(testContext, "Bob Writer", "bob@example.com")

	err := harness.client.Register(ctx, "Bob Again", "BOB@example.com", "another-pass")
	if !errors.Is(err, storyapi.ErrValidation) || storyapi.RemoteMessage(err) != "Email is already taken" {
		testContext.Fatalf("expected duplicate email rejection, got %v", err)
	}

	if err := harness.client.Register(ctx, "Carol", "carol@example.com", "short"); !errors.Is(err, storyapi.ErrValidation) {
		testContext.Fatalf("expected short password rejection, got %v", err)
	}

	_, err = harness.client.Login(ctx, "bob@example.com", "wrong-password")
	if !errors.Is(err, storyapi.ErrUnauthorized) || errors.Is(err, storyapi.ErrSessionExpired) {
		testContext.Fatalf("expected plain unauthorized error, got %v", err)
	}
	if _, err := harness.client.Login(ctx, "nobody@example.com", "whatever-pass"); !errors.Is(err, storyapi.ErrUnauthorized) {
		testContext.Fatalf("expected unauthorized for unknown account, got %v", err)
	}
}

func TestStubRejectsInvalidStories(testContext *testing.T) {
	harness := newStubHarness(testContext)
	ctx := context.Background()
	harness.login(testContext, "Dana Poster", "dana@example.com")

	oversized := make([]byte, stories.MaxPhotoBytes+1)
	copy(oversized, pngHeader)
	err := harness.client.CreateStory(ctx, storyapi.NewStory{
		Description: "too big",
		Photo:       stories.Photo{Filename: "big.png", ContentType: "image/png", Data: oversized},
	})
	var validationErr *storyapi.ValidationError
	if !errors.As(err, &validationErr) || validationErr.StatusCode != http.StatusRequestEntityTooLarge {
		testContext.Fatalf("expected 413 validation error, got %v", err)
	}

	err = harness.client.CreateStory(ctx, storyapi.NewStory{
		Description: "gif",
		Photo:       stories.Photo{Filename: "anim.gif", ContentType: "image/gif", Data: []byte("GIF89a")},
	})
	if !errors.As(err, &validationErr) || validationErr.StatusCode != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for unsupported photo type, got %v", err)
	}

	err = harness.client.CreateStory(ctx, storyapi.NewStory{
		Description: "off the map",
		Photo:       stories.Photo{Filename: "p.png", ContentType: "image/png", Data: pngHeader},
		Lat:         floatPointer(91),
		Lon:         floatPointer(0),
	})
	if !errors.Is(err, storyapi.ErrValidation) {
		testContext.Fatalf("expected invalid latitude rejection, got %v", err)
	}

	all, err := harness.client.ListStories(ctx, storyapi.ListOptions{})
	if err != nil {
		testContext.Fatalf("list stories: %v", err)
	}
	if len(all) != 0 {
		testContext.Fatalf("expected rejected stories to be absent, got %d", len(all))
	}
}

func TestStubRequiresBearerToken(testContext *testing.T) {
	harness := newStubHarness(testContext)

	response, err := http.Get(harness.server.URL + apiPrefix + "/stories")
	if err != nil {
		testContext.Fatalf("request: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 without bearer, got %d", response.StatusCode)
	}

	harness.token = "not-a-token"
	if _, err := harness.client.ListStories(context.Background(), storyapi.ListOptions{}); !errors.Is(err, storyapi.ErrSessionExpired) {
		testContext.Fatalf("expected session expiry classification, got %v", err)
	}
}

func TestRegisterRejectsMalformedBody(testContext *testing.T) {
	harness := newStubHarness(testContext)
	response, err := http.Post(harness.server.URL+apiPrefix+"/register", "application/json", bytes.NewBufferString("{"))
	if err != nil {
		testContext.Fatalf("request: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		testContext.Fatalf("expected 400, got %d", response.StatusCode)
	}
}

type stubTokenManager struct {
	validateErr error
}

func (m stubTokenManager) Issue(string, string) (string, time.Time, error) {
	return "", time.Time{}, errors.New("not implemented")
}

func (m stubTokenManager) Validate(string) (auth.AccountClaims, error) {
	return auth.AccountClaims{}, m.validateErr
}

func TestAuthorizeRequestLogLevels(testContext *testing.T) {
	testCases := []struct {
		name          string
		validateErr   error
		expectedLevel zapcore.Level
	}{
		{name: "expired", validateErr: auth.ErrExpiredToken, expectedLevel: zapcore.InfoLevel},
		{name: "invalid", validateErr: fmt.Errorf("%w: %v", auth.ErrInvalidToken, jwt.ErrSignatureInvalid), expectedLevel: zapcore.WarnLevel},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			request := httptest.NewRequest(http.MethodGet, "/v1/stories", http.NoBody)
			request.Header.Set("Authorization", "Bearer some-token")
			ctx.Request = request

			core, logs := observer.New(zapcore.DebugLevel)
			handler := &httpHandler{tokens: stubTokenManager{validateErr: testCase.validateErr}, logger: zap.New(core)}
			handler.authorizeRequest(ctx)

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
			}
			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("expected exactly one log entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.expectedLevel {
				t.Fatalf("expected %s, got %s", testCase.expectedLevel, entries[0].Level)
			}
			if entries[0].Message != "token validation failed" {
				t.Fatalf("unexpected log message: %q", entries[0].Message)
			}
		})
	}
}
