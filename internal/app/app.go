package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/config"
	"github.com/MarcoPoloResearchLab/storyline/internal/connectivity"
	"github.com/MarcoPoloResearchLab/storyline/internal/database"
	"github.com/MarcoPoloResearchLab/storyline/internal/deferred"
	"github.com/MarcoPoloResearchLab/storyline/internal/localstore"
	"github.com/MarcoPoloResearchLab/storyline/internal/session"
	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
	"github.com/MarcoPoloResearchLab/storyline/internal/storyapi"
	"github.com/MarcoPoloResearchLab/storyline/internal/submission"
	"github.com/MarcoPoloResearchLab/storyline/internal/syncagent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Options configures the composition root.
type Options struct {
	Config config.AppConfig
	Logger *zap.Logger
	// Offline pins connectivity to offline and disables probing.
	Offline bool
	// Probe replaces the HTTP reachability probe.
	Probe      connectivity.Probe
	HTTPClient *http.Client
	Clock      func() time.Time
}

// App holds the wired client components sharing one database.
type App struct {
	Store        *localstore.Store
	Session      *session.Manager
	API          *storyapi.Client
	Scheduler    *deferred.FileScheduler
	Connectivity connectivity.Checker
	Agent        *syncagent.Agent
	Submissions  *submission.Controller

	db      *gorm.DB
	monitor *connectivity.Monitor
	logger  *zap.Logger
}

// New opens the database and wires every component.
func New(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg := opts.Config

	db, err := database.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	application := &App{db: db, logger: logger}
	if err := application.wire(opts, clock); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return application, nil
}

func (a *App) wire(opts Options, clock func() time.Time) error {
	cfg := opts.Config
	var err error

	a.Store, err = localstore.NewStore(localstore.StoreConfig{Database: a.db, Clock: clock, Logger: a.logger})
	if err != nil {
		return err
	}
	a.Session, err = session.NewManager(session.Config{Database: a.db, Clock: clock, Logger: a.logger})
	if err != nil {
		return err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.APITimeout}
	}
	a.API, err = storyapi.NewClient(storyapi.Config{
		BaseURL:     cfg.APIBaseURL,
		HTTPClient:  httpClient,
		Credentials: a.Session,
		Logger:      a.logger,
		OnSessionExpired: func(ctx context.Context) {
			if err := a.Session.Expire(ctx); err != nil {
				a.logger.Error("forced logout failed", zap.Error(err))
			}
		},
	})
	if err != nil {
		return err
	}

	a.Scheduler, err = deferred.NewFileScheduler(deferred.FileSchedulerConfig{Dir: cfg.SpoolDir, Logger: a.logger, Clock: clock})
	if err != nil {
		return err
	}

	a.Agent, err = syncagent.New(syncagent.Config{Store: a.Store, Deliverer: a.API, Logger: a.logger})
	if err != nil {
		return err
	}
	a.Agent.Attach(a.Scheduler)

	if opts.Offline {
		a.Connectivity = connectivity.Static(false)
	} else {
		probe := opts.Probe
		if probe == nil {
			probe, err = connectivity.NewHTTPProbe(cfg.APIBaseURL, httpClient, cfg.ConnectivityTimeout)
			if err != nil {
				return err
			}
		}
		a.monitor, err = connectivity.NewMonitor(connectivity.MonitorConfig{
			Probe:       probe,
			Interval:    cfg.ConnectivityInterval,
			JitterRatio: cfg.ConnectivityJitter,
			Logger:      a.logger,
		})
		if err != nil {
			return err
		}
		a.monitor.OnOnline(a.handleReconnect)
		a.Connectivity = a.monitor
	}

	a.Submissions, err = submission.NewController(submission.Config{
		Queue:        a.Store,
		Publisher:    a.API,
		Connectivity: a.Connectivity,
		Scheduler:    a.Scheduler,
		Logger:       a.logger,
	})
	return err
}

// Close releases the database.
func (a *App) Close() error {
	return database.Close(a.db)
}

func (a *App) handleReconnect(ctx context.Context) {
	a.Agent.Notify("connectivity restored")
	if err := a.Scheduler.Flush(ctx); err != nil {
		a.logger.Warn("flushing scheduled tasks failed", zap.Error(err))
	}
}

// RunDaemon runs the connectivity monitor, the spool watcher and the agent loop until
// ctx ends or one of them fails.
func (a *App) RunDaemon(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	if a.monitor != nil {
		group.Go(func() error { return a.monitor.Run(groupCtx) })
	}
	group.Go(func() error { return a.Scheduler.Run(groupCtx) })
	group.Go(func() error { return a.Agent.Run(groupCtx) })
	return group.Wait()
}

// Sync drains the queue once. A clean drain also settles any scheduled sync task.
func (a *App) Sync(ctx context.Context) (syncagent.Report, error) {
	report, err := a.Agent.Drain(ctx)
	if err != nil {
		return report, err
	}
	if report.Failed == 0 {
		if flushErr := a.Scheduler.Flush(ctx); flushErr != nil {
			a.logger.Warn("settling scheduled tasks failed", zap.Error(flushErr))
		}
	}
	return report, nil
}

// Login authenticates against the remote service and persists the session.
func (a *App) Login(ctx context.Context, email, password string) (session.Snapshot, error) {
	if err := stories.ValidateEmail(email); err != nil {
		return session.Snapshot{}, err
	}
	result, err := a.API.Login(ctx, email, password)
	if err != nil {
		return session.Snapshot{}, err
	}
	credentials := session.Credentials{Token: result.Token, UserID: result.UserID, UserName: result.Name}
	if err := a.Session.Establish(ctx, credentials); err != nil {
		return session.Snapshot{}, err
	}
	return a.Session.Snapshot(ctx)
}

// Register creates a remote account after local validation.
func (a *App) Register(ctx context.Context, name, email, password string) error {
	for _, check := range []error{stories.ValidateName(name), stories.ValidateEmail(email), stories.ValidatePassword(password)} {
		if check != nil {
			return check
		}
	}
	return a.API.Register(ctx, name, email, password)
}

// Logout clears the session. Favorites, cache and pending submissions are kept.
func (a *App) Logout(ctx context.Context) error {
	return a.Session.Clear(ctx)
}

// Feed is a story listing with its provenance.
type Feed struct {
	Stories []stories.Story `json:"stories" yaml:"stories"`
	// Offline is set when the listing came from the local cache.
	Offline  bool      `json:"offline" yaml:"offline"`
	CachedAt time.Time `json:"cachedAt,omitempty" yaml:"cachedAt,omitempty"`
}

// Feed lists remote stories and mirrors them into the cache. When the service is
// unreachable the cached stories are returned instead, filtered by query.
func (a *App) Feed(ctx context.Context, options storyapi.ListOptions, query localstore.Query) (Feed, error) {
	if a.Connectivity.Online(ctx) {
		fetched, err := a.API.ListStories(ctx, options)
		switch {
		case err == nil:
			if _, cacheErr := a.Store.ReplaceCache(ctx, fetched); cacheErr != nil {
				a.logger.Warn("refreshing story cache failed", zap.Error(cacheErr))
			}
			return Feed{Stories: fetched}, nil
		case !errors.Is(err, storyapi.ErrNetwork):
			return Feed{}, err
		}
		a.logger.Info("story service unreachable, using cache", zap.Error(err))
	}

	cached, err := a.Store.Cached(ctx, query)
	if err != nil {
		return Feed{}, err
	}
	feed := Feed{Stories: make([]stories.Story, 0, len(cached)), Offline: true}
	for _, entry := range cached {
		feed.Stories = append(feed.Stories, entry.Story())
		if entry.CachedAt.After(feed.CachedAt) {
			feed.CachedAt = entry.CachedAt
		}
	}
	return feed, nil
}

// Story fetches one story, falling back to the cache and then to favorites when offline.
func (a *App) Story(ctx context.Context, storyID string) (stories.Story, bool, error) {
	if a.Connectivity.Online(ctx) {
		story, err := a.API.GetStory(ctx, storyID)
		if err == nil {
			return story, false, nil
		}
		if !errors.Is(err, storyapi.ErrNetwork) {
			return stories.Story{}, false, err
		}
	}
	if cached, err := a.Store.CachedStory(ctx, storyID); err == nil {
		return cached.Story(), true, nil
	}
	favorite, err := a.Store.Favorite(ctx, storyID)
	if err != nil {
		return stories.Story{}, true, err
	}
	return favorite.Story(), true, nil
}

// AddFavorite stores a story as a favorite, resolving it from the cache first.
func (a *App) AddFavorite(ctx context.Context, storyID string) (localstore.FavoriteEntry, error) {
	if cached, err := a.Store.CachedStory(ctx, storyID); err == nil {
		return a.Store.AddFavorite(ctx, cached.Story())
	}
	story, _, err := a.Story(ctx, storyID)
	if err != nil {
		return localstore.FavoriteEntry{}, err
	}
	return a.Store.AddFavorite(ctx, story)
}
