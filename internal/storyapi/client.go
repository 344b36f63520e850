package storyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/session"
	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBaseURL is the production story API.
const DefaultBaseURL = "https://story-api.dicoding.dev/v1"

const (
	requestIDHeader   = "X-Request-Id"
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second
	// retryJitterRatio spreads backoff delays by up to 20% either way.
	retryJitterRatio  = 0.2
)

const (
	opRegister    = "storyapi.register"
	opLogin       = "storyapi.login"
	opListStories = "storyapi.list_stories"
	opGetStory    = "storyapi.get_story"
	opCreateStory = "storyapi.create_story"
)

var errMissingBaseURL = errors.New("storyapi: base url is required")

// Credentials supplies the bearer token for authenticated calls.
type Credentials interface {
	BearerToken(ctx context.Context) (string, error)
}

// Config configures the HTTP gateway.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials Credentials
	Logger      *zap.Logger
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OnSessionExpired runs after the remote answers 401 to an authenticated call.
	OnSessionExpired func(ctx context.Context)
}

// Client talks to the remote story service.
type Client struct {
	baseURL          string
	httpClient       *http.Client
	credentials      Credentials
	logger           *zap.Logger
	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
	onSessionExpired func(ctx context.Context)
	jitter           func() float64
}

// LoginResult is the identity returned by a successful login.
type LoginResult struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

// NewStory is the payload of a story creation.
type NewStory struct {
	Description string
	Photo       stories.Photo
	Lat         *float64
	Lon         *float64
}

// NewStoryFromDraft converts a validated draft into a creation payload.
func NewStoryFromDraft(draft stories.Draft) NewStory {
	lat, lon := draft.Coordinates.Lat(), draft.Coordinates.Lon()
	return NewStory{Description: draft.Description, Photo: draft.Photo, Lat: &lat, Lon: &lon}
}

// ListOptions narrows a story listing.
type ListOptions struct {
	Page         int
	Size         int
	WithLocation bool
}

type envelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("storyapi: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:          baseURL,
		httpClient:       httpClient,
		credentials:      cfg.Credentials,
		logger:           logger,
		maxRetries:       maxRetries,
		baseDelay:        cfg.BaseDelay,
		maxDelay:         cfg.MaxDelay,
		onSessionExpired: cfg.OnSessionExpired,
		jitter:           rand.Float64,
	}, nil
}

// BaseURL returns the configured service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register creates a remote account.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	body := map[string]string{"name": name, "email": email, "password": password}
	return c.do(ctx, request{operation: opRegister, method: http.MethodPost, path: "/register", jsonBody: body})
}

// Login exchanges credentials for a token. Persisting the session is left to the caller.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var payload struct {
		LoginResult LoginResult `json:"loginResult"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, request{operation: opLogin, method: http.MethodPost, path: "/login", jsonBody: body}, &payload); err != nil {
		return LoginResult{}, err
	}
	if payload.LoginResult.Token == "" {
		return LoginResult{}, &ServerError{StatusCode: http.StatusOK, Message: "login response carried no token"}
	}
	return payload.LoginResult, nil
}

// ListStories fetches the story feed.
func (c *Client) ListStories(ctx context.Context, options ListOptions) ([]stories.Story, error) {
	query := url.Values{}
	if options.Page > 0 {
		query.Set("page", strconv.Itoa(options.Page))
	}
	if options.Size > 0 {
		query.Set("size", strconv.Itoa(options.Size))
	}
	if options.WithLocation {
		query.Set("location", "1")
	}
	path := "/stories"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var payload struct {
		ListStory []stories.Story `json:"listStory"`
	}
	if err := c.do(ctx, request{operation: opListStories, method: http.MethodGet, path: path, authenticated: true}, &payload); err != nil {
		return nil, err
	}
	if payload.ListStory == nil {
		return []stories.Story{}, nil
	}
	return payload.ListStory, nil
}

// GetStory fetches a single story.
func (c *Client) GetStory(ctx context.Context, storyID string) (stories.Story, error) {
	id, err := stories.NewStoryID(storyID)
	if err != nil {
		return stories.Story{}, err
	}
	var payload struct {
		Story stories.Story `json:"story"`
	}
	path := "/stories/" + url.PathEscape(id.String())
	if err := c.do(ctx, request{operation: opGetStory, method: http.MethodGet, path: path, authenticated: true}, &payload); err != nil {
		return stories.Story{}, err
	}
	return payload.Story, nil
}

// CreateStory publishes a story as a multipart upload.
func (c *Client) CreateStory(ctx context.Context, story NewStory) error {
	body, contentType, err := encodeStoryForm(story)
	if err != nil {
		return err
	}
	return c.do(ctx, request{
		operation:     opCreateStory,
		method:        http.MethodPost,
		path:          "/stories",
		rawBody:       body,
		contentType:   contentType,
		authenticated: true,
	})
}

func encodeStoryForm(story NewStory) ([]byte, string, error) {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	if err := writer.WriteField("description", story.Description); err != nil {
		return nil, "", err
	}

	contentType := story.Photo.ContentType
	if strings.TrimSpace(contentType) == "" {
		contentType = stories.DetectContentType(story.Photo.Filename, story.Photo.Data)
	}
	filename := story.Photo.Filename
	if filename == "" {
		filename = "photo"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(story.Photo.Data); err != nil {
		return nil, "", err
	}

	if story.Lat != nil && story.Lon != nil {
		if err := writer.WriteField("lat", strconv.FormatFloat(*story.Lat, 'f', -1, 64)); err != nil {
			return nil, "", err
		}
		if err := writer.WriteField("lon", strconv.FormatFloat(*story.Lon, 'f', -1, 64)); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buffer.Bytes(), writer.FormDataContentType(), nil
}

type request struct {
	operation     string
	method        string
	path          string
	jsonBody      any
	rawBody       []byte
	contentType   string
	authenticated bool
}

func (c *Client) do(ctx context.Context, req request, out ...any) error {
	bodyBytes := req.rawBody
	contentType := req.contentType
	if req.jsonBody != nil {
		encoded, err := json.Marshal(req.jsonBody)
		if err != nil {
			return err
		}
		bodyBytes = encoded
		contentType = "application/json"
	}

	var token string
	if req.authenticated {
		if c.credentials == nil {
			return &AuthError{Message: "no credentials configured"}
		}
		bearer, err := c.credentials.BearerToken(ctx)
		if err != nil {
			expired := errors.Is(err, session.ErrExpired)
			if expired && c.onSessionExpired != nil {
				c.onSessionExpired(ctx)
			}
			return &AuthError{Message: err.Error(), Expired: expired, Err: err}
		}
		token = bearer
	}

	retries := 0
	if req.method == http.MethodGet {
		retries = c.maxRetries
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, bodyReader)
		if err != nil {
			return err
		}
		requestID := newRequestID()
		httpReq.Header.Set(requestIDHeader, requestID)
		httpReq.Header.Set("Accept", "application/json")
		if contentType != "" {
			httpReq.Header.Set("Content-Type", contentType)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &NetworkError{Operation: req.operation, Err: ctxErr}
			}
			if attempt < retries {
				c.logger.Debug("retrying request after transport failure",
					zap.String("operation", req.operation),
					zap.String("request_id", requestID),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &NetworkError{Operation: req.operation, Err: waitErr}
				}
				continue
			}
			return &NetworkError{Operation: req.operation, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &NetworkError{Operation: req.operation, Err: readErr}
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < retries {
			c.logger.Debug("retrying request after server response",
				zap.String("operation", req.operation),
				zap.String("request_id", requestID),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &NetworkError{Operation: req.operation, Err: waitErr}
			}
			continue
		}

		var head envelope
		_ = json.Unmarshal(payloadBytes, &head)
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if head.Error {
				return &ServerError{StatusCode: resp.StatusCode, Message: head.Message}
			}
			for _, target := range out {
				if target == nil || len(payloadBytes) == 0 {
					continue
				}
				if err := json.Unmarshal(payloadBytes, target); err != nil {
					return &ServerError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
				}
			}
			return nil
		}

		apiErr := classify(resp.StatusCode, head.Message, req.authenticated)
		c.logger.Warn("story api request failed",
			zap.String("operation", req.operation),
			zap.String("request_id", requestID),
			zap.Int("status", resp.StatusCode),
			zap.String("message", head.Message))
		var authErr *AuthError
		if errors.As(apiErr, &authErr) && authErr.Expired && c.onSessionExpired != nil {
			c.onSessionExpired(ctx)
		}
		return apiErr
	}
}

func classify(status int, message string, authenticated bool) error {
	if message == "" {
		message = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized:
		return &AuthError{StatusCode: status, Message: message, Expired: authenticated}
	case http.StatusForbidden:
		return &AuthError{StatusCode: status, Message: message}
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return &ValidationError{StatusCode: status, Message: message}
	default:
		return &ServerError{StatusCode: status, Message: message}
	}
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, maxDelay)

	sample := 0.5
	if c.jitter != nil {
		sample = c.jitter()
	}
	factor := 1 + ((sample*2)-1)*retryJitterRatio
	return min(time.Duration(math.Round(float64(delay)*factor)), maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
