// Package daemon wires the sync engine together and runs it: the
// change-feed listener, the periodic health supervisor, the status HTTP
// surface, and the settings-file watcher.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/photonotes/notesync/internal/config"
	"github.com/photonotes/notesync/internal/listener"
	"github.com/photonotes/notesync/internal/realtime"
	"github.com/photonotes/notesync/internal/service"
	"github.com/photonotes/notesync/internal/settings"
	"github.com/photonotes/notesync/internal/status"
	"github.com/photonotes/notesync/internal/store"
	"github.com/photonotes/notesync/internal/syncer"
)

// App holds everything the daemon's long-running goroutines share.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	files   *store.FS
	state   *settings.File
	tracker *status.Tracker

	mu          sync.Mutex
	listener    *listener.Listener
	accessToken string

	// restartMu serializes the stop+start sequence so the supervisor and
	// the settings watcher can never race two live subscriptions into
	// existence.
	restartMu sync.Mutex

	// dial overrides how the listener opens its feed; tests inject a fake.
	dial listener.DialFunc
}

// New builds the shared pieces from configuration. The structured JSON
// logger it installs becomes the process default.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.App.VaultPath, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	files, err := store.NewFS(cfg.App.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	state, err := settings.NewFile(cfg.App.SettingsFile)
	if err != nil {
		return nil, fmt.Errorf("init settings: %w", err)
	}
	return &App{
		cfg:     cfg,
		logger:  logger,
		files:   files,
		state:   state,
		tracker: status.NewTracker(),
	}, nil
}

// client builds a service client bound to the current access token.
func (a *App) client() (*service.Client, string, error) {
	current, err := a.state.Load()
	if err != nil {
		return nil, "", err
	}
	if current.AccessToken == "" {
		return nil, "", fmt.Errorf("no access token in %s, log in first", a.state.Path())
	}
	return service.New(service.Options{
		BaseURL:            a.cfg.Service.BaseURL,
		StorageBaseURL:     a.cfg.Service.StorageBaseURL,
		AccessToken:        current.AccessToken,
		HTTPClient:         &http.Client{Timeout: a.cfg.Service.Timeout.Std()},
		DownloadsPerSecond: a.cfg.Service.DownloadsPerSecond,
	}), current.AccessToken, nil
}

func (a *App) buildSyncer(client *service.Client) (*syncer.Syncer, error) {
	current, err := a.state.Load()
	if err != nil {
		return nil, err
	}
	return syncer.New(client, a.files, syncer.Options{
		SyncPath:      current.SyncPath,
		Concurrency:   a.cfg.Sync.Concurrency,
		RetryAttempts: a.cfg.Sync.RetryAttempts,
		RetryWait:     a.cfg.Sync.RetryWait.Std(),
		Logger:        a.logger,
		OnReport: func(info string) {
			a.tracker.SetProgress(info)
			a.logger.Info("sync progress", slog.String("info", info))
		},
	})
}

// SyncOnce runs a single reconciliation pass from the persisted
// checkpoint and saves the advanced one.
func (a *App) SyncOnce(ctx context.Context) error {
	client, _, err := a.client()
	if err != nil {
		return err
	}
	s, err := a.buildSyncer(client)
	if err != nil {
		return err
	}
	cp, err := a.state.LoadCheckpoint()
	if err != nil {
		return err
	}
	next, err := s.Sync(ctx, cp.SyncTimestamp)
	if err != nil {
		return err
	}
	if err := a.state.SaveCheckpoint(next); err != nil {
		return err
	}
	a.tracker.SetCheckpoint(next)
	return nil
}

// GenerateNote streams a generated note for the given image file,
// passing each content chunk to onChunk as it arrives.
func (a *App) GenerateNote(ctx context.Context, imageFile string, onChunk func(string)) error {
	client, _, err := a.client()
	if err != nil {
		return err
	}
	f, err := os.Open(imageFile)
	if err != nil {
		return err
	}
	defer f.Close()
	return client.MakeNote(ctx, filepath.Base(imageFile), f, onChunk)
}

// startListener opens a fresh subscription bound to the current token.
func (a *App) startListener(ctx context.Context) error {
	client, token, err := a.client()
	if err != nil {
		return err
	}
	s, err := a.buildSyncer(client)
	if err != nil {
		return err
	}
	l, err := listener.New(client, s, a.files, a.state, listener.Options{
		RealtimeURL:   a.cfg.Realtime.URL,
		APIKey:        a.cfg.Realtime.APIKey,
		Dial:          a.dial,
		RetryAttempts: a.cfg.Sync.RetryAttempts,
		RetryWait:     a.cfg.Sync.RetryWait.Std(),
		Logger:        a.logger,
		OnStatus: func(st realtime.Status) {
			a.tracker.SetFeedStatus(string(st))
		},
	})
	if err != nil {
		return err
	}
	if err := l.Start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.listener = l
	a.accessToken = token
	a.mu.Unlock()
	return nil
}

func (a *App) stopListener() {
	a.mu.Lock()
	l := a.listener
	a.listener = nil
	a.mu.Unlock()
	if l == nil {
		return
	}
	if err := l.Stop(); err != nil {
		a.logger.Warn("listener stop failed", slog.String("error", err.Error()))
	}
}

func (a *App) currentListener() *listener.Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener
}

// restartListener replaces the subscription wholesale; the feed handle
// does not self-heal. The stop+start pair runs under restartMu: both the
// supervisor and the settings watcher call in here, and an unguarded
// interleaving would leave an orphaned feed subscribed alongside the new
// one.
func (a *App) restartListener(ctx context.Context) {
	a.restartMu.Lock()
	defer a.restartMu.Unlock()
	a.stopListener()
	if err := a.startListener(ctx); err != nil {
		a.logger.Error("listener restart failed", slog.String("error", err.Error()))
	}
}

// Run is the listen daemon: it keeps one subscription alive, republishes
// its health, and reacts to settings changes until ctx is cancelled or a
// signal arrives.
func (a *App) Run(ctx context.Context) error {
	if err := a.startListener(ctx); err != nil {
		return err
	}
	defer a.stopListener()

	g, gCtx := errgroup.WithContext(ctx)

	var httpServer *http.Server
	if addr := a.cfg.App.StatusAddress(); addr != "" {
		httpServer = &http.Server{Addr: addr, Handler: status.NewRouter(a.tracker)}
		g.Go(func() error {
			a.logger.Info("status server starting", slog.String("address", addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.supervise(gCtx)
		return nil
	})

	g.Go(func() error {
		return a.watchSettings(gCtx)
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			a.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
		}
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("status server shutdown error", slog.String("error", err.Error()))
			}
		}
		return context.Canceled
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// supervise is the periodic health check: a feed in any state other than
// SUBSCRIBED is torn down and redialed, a healthy one gets a catch-up
// reconciliation to cover anything the feed may have dropped.
func (a *App) supervise(ctx context.Context) {
	interval := a.cfg.Sync.HealthInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		l := a.currentListener()
		if l == nil {
			a.restartListener(ctx)
			continue
		}
		last := l.LastStatus()
		a.tracker.SetFeedStatus(string(last))
		current, err := a.state.Load()
		if err != nil {
			a.logger.Warn("settings read failed", slog.String("error", err.Error()))
			continue
		}
		a.tracker.SetCheckpoint(settings.Checkpoint{
			LastSyncedTime: current.LastSyncedTime,
			SyncTimestamp:  current.SyncTimestamp,
		})
		if last != realtime.StatusSubscribed {
			a.logger.Warn("feed unhealthy, restarting listener", slog.String("status", string(last)))
			a.restartListener(ctx)
			continue
		}
		if !current.AutoSync {
			continue
		}
		if err := l.StartRefetch(ctx); err != nil {
			a.logger.Warn("periodic catch-up failed", slog.String("error", err.Error()))
		}
	}
}

// watchSettings restarts the listener when the settings file is rewritten
// with a different access token, e.g. after a fresh login.
func (a *App) watchSettings(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors and atomic saves replace the file.
	dir := filepath.Dir(a.state.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch settings dir: %w", err)
	}
	target := filepath.Clean(a.state.Path())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			current, err := a.state.Reload()
			if err != nil {
				a.logger.Warn("settings reload failed", slog.String("error", err.Error()))
				continue
			}
			a.mu.Lock()
			changed := current.AccessToken != a.accessToken
			a.mu.Unlock()
			if !changed {
				continue
			}
			a.logger.Info("access token changed, restarting listener")
			a.restartListener(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("settings watcher error", slog.String("error", err.Error()))
		}
	}
}
