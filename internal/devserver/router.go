package devserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/auth"
	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	accountContextKey = "storyline_account"
	apiPrefix         = "/v1"
	photoRoute        = "/photos"
	// multipart framing on top of the photo limit
	formOverheadBytes = 1 << 20
)

var (
	errMissingRepository    = errors.New("repository dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates account tokens.
type TokenManager interface {
	Issue(userID, name string) (string, time.Time, error)
	Validate(token string) (auth.AccountClaims, error)
}

// Dependencies wires the stub HTTP handler.
type Dependencies struct {
	Repository *Repository
	Tokens     TokenManager
	Logger     *zap.Logger
}

// NewHTTPHandler builds the stub story API under /v1.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Repository == nil {
		return nil, errMissingRepository
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposeHeaders: []string{"X-Request-Id"},
		MaxAge:        12 * time.Hour,
	}))
	router.MaxMultipartMemory = stories.MaxPhotoBytes + formOverheadBytes

	handler := &httpHandler{
		repository: deps.Repository,
		tokens:     deps.Tokens,
		logger:     logger,
	}

	router.HEAD("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := router.Group(apiPrefix)
	api.POST("/register", handler.handleRegister)
	api.POST("/login", handler.handleLogin)
	api.GET(photoRoute+"/:id", handler.handlePhoto)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stories", handler.handleListStories)
	protected.GET("/stories/:id", handler.handleGetStory)
	protected.POST("/stories", handler.handleCreateStory)

	return router, nil
}

type httpHandler struct {
	repository *Repository
	tokens     TokenManager
	logger     *zap.Logger
}

type registerRequestPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResultPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, check := range []error{
		stories.ValidateName(request.Name),
		stories.ValidateEmail(request.Email),
		stories.ValidatePassword(request.Password),
	} {
		if check != nil {
			respondError(c, http.StatusBadRequest, check.Error())
			return
		}
	}

	if _, err := h.repository.Register(c.Request.Context(), request.Name, request.Email, request.Password); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			respondError(c, http.StatusBadRequest, "Email is already taken")
			return
		}
		respondError(c, http.StatusInternalServerError, "registration failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"error": false, "message": "User Created"})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := stories.ValidateEmail(request.Email); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	account, err := h.repository.Authenticate(c.Request.Context(), request.Email, request.Password)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		respondError(c, http.StatusUnauthorized, "User not found")
		return
	case errors.Is(err, ErrWrongPassword):
		respondError(c, http.StatusUnauthorized, "Invalid password")
		return
	case err != nil:
		h.logger.Error("login lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "login failed")
		return
	}

	token, _, err := h.tokens.Issue(account.UserID, account.Name)
	if err != nil {
		h.logger.Error("failed to issue account token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "token_issue_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"error":       false,
		"message":     "success",
		"loginResult": loginResultPayload{UserID: account.UserID, Name: account.Name, Token: token},
	})
}

func (h *httpHandler) handleListStories(c *gin.Context) {
	options := ListOptions{}
	var err error
	if options.Page, err = optionalInt(c.Query("page")); err != nil {
		respondError(c, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	if options.Size, err = optionalInt(c.Query("size")); err != nil {
		respondError(c, http.StatusBadRequest, "size must be a positive integer")
		return
	}
	options.WithLocation = c.Query("location") == "1"

	records, err := h.repository.List(c.Request.Context(), options)
	if err != nil {
		h.logger.Error("story listing failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "listing failed")
		return
	}
	base := photoBase(c.Request)
	listStory := make([]stories.Story, 0, len(records))
	for _, record := range records {
		listStory = append(listStory, record.Story(base))
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "message": "Stories fetched successfully", "listStory": listStory})
}

func (h *httpHandler) handleGetStory(c *gin.Context) {
	record, err := h.repository.Find(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrStoryNotFound) {
		respondError(c, http.StatusNotFound, "Story not found")
		return
	}
	if err != nil {
		h.logger.Error("story lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": false, "message": "Story fetched successfully", "story": record.Story(photoBase(c.Request))})
}

func (h *httpHandler) handlePhoto(c *gin.Context) {
	record, err := h.repository.Find(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, record.PhotoContentType, record.PhotoData)
}

func (h *httpHandler) handleCreateStory(c *gin.Context) {
	claims, ok := c.Get(accountContextKey)
	account, typed := claims.(auth.AccountClaims)
	if !ok || !typed {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, stories.MaxPhotoBytes+formOverheadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "Payload content length greater than maximum allowed")
			return
		}
		respondError(c, http.StatusBadRequest, "multipart form required")
		return
	}

	description := strings.TrimSpace(firstValue(form.Value["description"]))
	if description == "" {
		respondError(c, http.StatusBadRequest, stories.ErrDescriptionRequired.Error())
		return
	}

	photo, err := readPhoto(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := stories.ValidatePhoto(photo); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, stories.ErrPhotoTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		respondError(c, status, err.Error())
		return
	}

	lat, lon, err := parseLocation(firstValue(form.Value["lat"]), firstValue(form.Value["lon"]))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	owner := Account{UserID: account.UserID, Name: account.Name}
	if _, err := h.repository.Publish(c.Request.Context(), owner, description, photo, lat, lon); err != nil {
		respondError(c, http.StatusInternalServerError, "publish failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"error": false, "message": "Story created successfully"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": true, "message": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": true, "message": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": true, "message": "unauthorized"})
		return
	}
	c.Set(accountContextKey, claims)
	c.Next()
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": true, "message": message})
}

func readPhoto(c *gin.Context) (stories.Photo, error) {
	fileHeader, err := c.FormFile("photo")
	if err != nil {
		return stories.Photo{}, stories.ErrPhotoRequired
	}
	file, err := fileHeader.Open()
	if err != nil {
		return stories.Photo{}, err
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, stories.MaxPhotoBytes+1))
	if err != nil {
		return stories.Photo{}, err
	}
	return stories.Photo{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func parseLocation(rawLat, rawLon string) (*float64, *float64, error) {
	rawLat, rawLon = strings.TrimSpace(rawLat), strings.TrimSpace(rawLon)
	if rawLat == "" && rawLon == "" {
		return nil, nil, nil
	}
	if rawLat == "" || rawLon == "" {
		return nil, nil, errors.New("lat and lon must be provided together")
	}
	lat, err := strconv.ParseFloat(rawLat, 64)
	if err != nil {
		return nil, nil, stories.ErrInvalidLatitude
	}
	lon, err := strconv.ParseFloat(rawLon, 64)
	if err != nil {
		return nil, nil, stories.ErrInvalidLongitude
	}
	if _, err := stories.NewCoordinates(lat, lon); err != nil {
		return nil, nil, err
	}
	return &lat, &lon, nil
}

func optionalInt(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, errors.New("invalid integer")
	}
	return value, nil
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func photoBase(request *http.Request) string {
	scheme := "http"
	if request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + request.Host + apiPrefix + photoRoute
}
