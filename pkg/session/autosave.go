package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// AutoSaverConfig holds autosave configuration
type AutoSaverConfig struct {
	// Schedule is a standard cron expression or descriptor such as
	// "@every 5m".
	Schedule string
	Path     string
	MaxBytes int64
	Store    *Store
	Logger   zerolog.Logger
}

// AutoSaver writes the store to a memory pack on a cron schedule. Runs
// where the store has not changed since the last save are skipped.
type AutoSaver struct {
	path     string
	maxBytes int64
	store    *Store
	logger   zerolog.Logger
	cron     *cron.Cron

	mu        sync.Mutex
	saved     uint64
	hasSaved  bool
	started   bool
	lastError error
}

// NewAutoSaver validates cfg.Schedule and returns a stopped saver
func NewAutoSaver(cfg AutoSaverConfig) (*AutoSaver, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("autosave requires a session store")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("autosave requires a pack path")
	}

	a := &AutoSaver{
		path:     cfg.Path,
		maxBytes: cfg.MaxBytes,
		store:    cfg.Store,
		logger:   cfg.Logger.With().Str("component", "autosave").Logger(),
		cron:     cron.New(),
	}

	if _, err := a.cron.AddFunc(cfg.Schedule, func() {
		if _, err := a.Save(context.Background()); err != nil {
			a.logger.Error().Err(err).Str("path", a.path).Msg("Memory pack autosave failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid autosave schedule %q: %w", cfg.Schedule, err)
	}

	return a, nil
}

// Save writes the pack if the store changed since the last successful
// save and reports whether it wrote.
func (a *AutoSaver) Save(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	version := a.store.Version()
	if a.hasSaved && version == a.saved {
		return false, nil
	}

	if err := SavePack(ctx, a.path, a.store, a.maxBytes); err != nil {
		a.lastError = err
		return false, err
	}
	a.saved = version
	a.hasSaved = true
	a.lastError = nil
	return true, nil
}

// LastError returns the error of the most recent failed save
func (a *AutoSaver) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

// Start begins running the schedule
func (a *AutoSaver) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	a.cron.Start()
	a.logger.Info().Str("path", a.path).Msg("Memory pack autosave started")
}

// Stop halts the schedule, waits for a running save, then saves once more
func (a *AutoSaver) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if started {
		select {
		case <-a.cron.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err := a.Save(ctx)
	return err
}
