// Package toolserver composes the session store, remote orchestrator,
// sub-query resolver and HTTP transport supervisor behind one tool server
// reachable over stdio and, optionally, HTTP.
package toolserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/aleph/internal/config"
	"github.com/harun/aleph/internal/workspace"
	"github.com/harun/aleph/pkg/remote"
	"github.com/harun/aleph/pkg/session"
	"github.com/harun/aleph/pkg/subquery"
	"github.com/harun/aleph/pkg/transport"
	"github.com/rs/zerolog"
)

// Version is reported in the initialize handshake
const Version = "0.1.0"

// ErrMissingCapability is returned by New when the configuration asks for
// something this process cannot provide
var ErrMissingCapability = errors.New("missing capability")

const instructions = `Tools for exploring context with sessions, tasks and evidence.
Use sub_query to ask a focused question over a slice of context.
remote_* tools proxy other tool servers; serve_http exposes this server over HTTP.`

// Options configures a Server. Only Config is required.
type Options struct {
	Config *config.Config
	Logger zerolog.Logger

	// Environment overrides the process environment for backend resolution
	Environment subquery.Environment
	// Dialer overrides how remote servers are started
	Dialer remote.Dialer
	// Runner overrides the HTTP listener
	Runner transport.Runner
	// Prober overrides the readiness probe
	Prober transport.Prober
}

// Server is the composed tool server
type Server struct {
	cfg    *config.Config
	name   string
	logger zerolog.Logger

	scope     workspace.Scope
	sessions  *session.Store
	hydrator  *session.Hydrator
	autosaver *session.AutoSaver
	remote    *remote.Orchestrator
	resolver  *subquery.Resolver
	subquery  *subquery.Runner
	transport *transport.Supervisor
	registry  *Registry

	startedAt time.Time
}

// New builds a server from opts. Capability problems are reported here,
// wrapped in ErrMissingCapability, and never later.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	docs, err := ParseDocsMode(cfg.Server.ToolDocs)
	if err != nil {
		return nil, err
	}
	mode, err := workspace.ParseMode(cfg.Actions.WorkspaceMode)
	if err != nil {
		return nil, err
	}

	name := cfg.Server.Name
	if name == "" {
		name = "aleph"
	}
	logger := opts.Logger.With().Str("component", "toolserver").Logger()

	s := &Server{
		cfg:       cfg,
		name:      name,
		logger:    logger,
		sessions:  session.NewStore(),
		registry:  NewRegistry(docs),
		startedAt: time.Now(),
	}

	root, err := resolveRoot(cfg.Actions)
	if err != nil {
		return nil, err
	}
	s.scope = workspace.Scope{Root: root, Mode: mode}

	if cfg.MemoryPack.AutosaveSchedule != "" && !cfg.Actions.Enabled {
		return nil, fmt.Errorf("%w: memory pack autosave requires actions to be enabled", ErrMissingCapability)
	}

	s.remote = remote.New(remote.Config{
		DefaultTimeout: cfg.Remote.DefaultTimeout(),
		Dialer:         opts.Dialer,
		Logger:         opts.Logger,
	})

	s.resolver = subquery.NewResolver(SubQueryConfig(cfg.SubQuery), opts.Environment)
	s.subquery = subquery.NewRunner(s.resolver, opts.Logger)

	runner := opts.Runner
	if runner == nil {
		runner = &transport.HTTPRunner{Handler: s.HTTPHandler(), Logger: opts.Logger}
	}
	s.transport, err = transport.NewSupervisor(transport.Config{
		Runner: runner,
		Prober: opts.Prober,
		Policy: transport.RetryPolicy{
			Timeout:     cfg.Transport.ReadyTimeout(),
			Interval:    cfg.Transport.ProbeInterval(),
			DialTimeout: cfg.Transport.DialTimeout(),
		},
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	if err := s.registerTools(); err != nil {
		return nil, err
	}

	if cfg.Actions.Enabled {
		s.hydrator = session.NewHydrator(session.HydratorConfig{
			Path:     s.PackPath(),
			MaxBytes: cfg.Actions.MaxReadBytes,
			Store:    s.sessions,
			Logger:   opts.Logger,
		})
		s.hydrator.Hydrate(context.Background())

		if cfg.MemoryPack.AutosaveSchedule != "" {
			s.autosaver, err = session.NewAutoSaver(session.AutoSaverConfig{
				Schedule: cfg.MemoryPack.AutosaveSchedule,
				Path:     s.PackPath(),
				MaxBytes: cfg.Actions.MaxWriteBytes,
				Store:    s.sessions,
				Logger:   opts.Logger,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	logger.Info().
		Str("workspace_root", s.scope.Root).
		Str("workspace_mode", string(s.scope.Mode)).
		Bool("actions", cfg.Actions.Enabled).
		Int("tools", len(s.registry.Names())).
		Msg("Tool server initialized")

	return s, nil
}

func resolveRoot(actions config.ActionsConfig) (string, error) {
	root := actions.WorkspaceRoot
	if root == "" {
		detected, err := workspace.DetectRoot()
		if err != nil {
			if actions.Enabled {
				return "", fmt.Errorf("%w: cannot determine workspace root: %v", ErrMissingCapability, err)
			}
			return "", nil
		}
		root = detected
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if actions.Enabled {
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("%w: workspace root %s is not a directory", ErrMissingCapability, abs)
		}
	}
	return abs, nil
}

// SubQueryConfig maps the sub_query config section onto subquery.Config
func SubQueryConfig(c config.SubQueryConfig) subquery.Config {
	sc := subquery.DefaultConfig()
	sc.Backend = c.Backend
	if c.APIKeyEnv != "" {
		sc.APIKeyEnv = c.APIKeyEnv
	}
	sc.APIModel = c.Model
	sc.APIBaseURL = c.BaseURL
	if c.CLITimeoutSeconds > 0 {
		sc.CLITimeout = time.Duration(c.CLITimeoutSeconds * float64(time.Second))
	}
	if c.APITimeoutSeconds > 0 {
		sc.APITimeout = time.Duration(c.APITimeoutSeconds * float64(time.Second))
	}
	if c.MaxOutputChars > 0 {
		sc.CLIMaxOutputChars = c.MaxOutputChars
	}
	if c.MaxContextChars > 0 {
		sc.MaxContextChars = c.MaxContextChars
	}
	if c.SystemPrompt != "" {
		sc.SystemPrompt = c.SystemPrompt
	}
	return sc
}

// PackPath is the memory pack location; relative paths resolve against the
// workspace root
func (s *Server) PackPath() string {
	p := s.cfg.MemoryPack.Path
	if p == "" || filepath.IsAbs(p) || s.scope.Root == "" {
		return p
	}
	return filepath.Join(s.scope.Root, p)
}

// Start connects configured remote servers, starts autosave and, when
// enabled, the HTTP transport
func (s *Server) Start(ctx context.Context) error {
	if path := s.cfg.Remote.ServersFile; path != "" {
		specs, err := remote.LoadServerSpecs(path)
		if err != nil {
			return err
		}
		for _, spec := range specs {
			if err := s.remote.Connect(ctx, spec); err != nil {
				s.logger.Warn().Err(err).Str("server_id", spec.ID).Msg("Skipping remote server")
			}
		}
	}

	if s.autosaver != nil {
		s.autosaver.Start()
	}

	if s.cfg.Transport.Enabled {
		t := s.cfg.Transport
		if _, err := s.EnsureHTTP(ctx, t.Host, t.Port, t.Path); err != nil {
			return err
		}
	}
	return nil
}

// EnsureHTTP starts the HTTP transport if it is not already alive and
// returns its URL
func (s *Server) EnsureHTTP(ctx context.Context, host string, port int, path string) (string, error) {
	return s.transport.Ensure(ctx, host, port, path)
}

// Close stops autosave, closes remote servers and stops the transport
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.autosaver != nil {
		if err := s.autosaver.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("autosave: %w", err))
		}
	}
	s.remote.CloseAll(ctx)
	if err := s.transport.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	s.logger.Info().Msg("Tool server closed")
	return errors.Join(errs...)
}

func (s *Server) Sessions() *session.Store { return s.sessions }
func (s *Server) Remote() *remote.Orchestrator { return s.remote }
func (s *Server) Resolver() *subquery.Resolver { return s.resolver }
func (s *Server) Transport() *transport.Supervisor { return s.transport }
func (s *Server) Registry() *Registry { return s.registry }
func (s *Server) Scope() workspace.Scope { return s.scope }
