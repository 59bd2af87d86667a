package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/aleph/internal/config"
	"github.com/harun/aleph/internal/logger"
	"github.com/harun/aleph/internal/observability"
	"github.com/harun/aleph/internal/tracing"
	"github.com/harun/aleph/pkg/subquery"
	"github.com/harun/aleph/pkg/toolserver"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ToolDocsEnv sets the default tool docs mode when --tool-docs is not given
const ToolDocsEnv = "ALEPH_TOOL_DOCS"

type serveOptions struct {
	transport           string
	timeout             float64
	maxOutput           int
	enableActions       bool
	workspaceRoot       string
	workspaceMode       string
	requireConfirmation bool
	maxFileSize         int64
	maxWriteBytes       int64
	toolDocs            string
	host                string
	port                int
	path                string
	serversFile         string
	autosave            string
	auditLog            string
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tool server",
	Long: `Run the Aleph tool server.
With --transport stdio (default) requests are read from stdin and responses
written to stdout. With --transport http the server listens on
--host/--port/--path until interrupted or stopped with "aleph stop".`,
	RunE: runServe,
}

func init() {
	bindServeFlags(serveCmd.Flags(), &serveOpts)
	rootCmd.AddCommand(serveCmd)
}

func bindServeFlags(f *pflag.FlagSet, opts *serveOptions) {
	f.StringVar(&opts.transport, "transport", "stdio", "transport to serve on (stdio, http)")
	f.Float64Var(&opts.timeout, "timeout", 60, "execution timeout in seconds")
	f.IntVar(&opts.maxOutput, "max-output", 50_000, "maximum output characters")
	f.BoolVar(&opts.enableActions, "enable-actions", false, "enable action tools (remote_register, save_session)")
	f.StringVar(&opts.workspaceRoot, "workspace-root", "", "workspace root (default: ALEPH_WORKSPACE_ROOT or the nearest git root)")
	f.StringVar(&opts.workspaceMode, "workspace-mode", "fixed", "path scope for action tools (fixed, git, any)")
	f.BoolVar(&opts.requireConfirmation, "require-confirmation", false, "require confirm=true for action tools")
	f.Int64Var(&opts.maxFileSize, "max-file-size", 1_000_000_000, "max bytes read from a file, including the memory pack")
	f.Int64Var(&opts.maxWriteBytes, "max-write-bytes", 100_000_000, "max bytes written by save_session")
	f.StringVar(&opts.toolDocs, "tool-docs", "concise", "tool description verbosity (concise, full)")
	f.StringVar(&opts.host, "host", "127.0.0.1", "HTTP transport host")
	f.IntVar(&opts.port, "port", 8765, "HTTP transport port")
	f.StringVar(&opts.path, "path", "/mcp", "HTTP transport path")
	f.StringVar(&opts.serversFile, "servers", "", "JSON or YAML file of remote servers to connect at startup")
	f.StringVar(&opts.autosave, "autosave", "", "memory pack autosave schedule, e.g. \"@every 5m\" (requires --enable-actions)")
	f.StringVar(&opts.auditLog, "audit-log", "", "append audit events to this file instead of stderr")
}

// loadConfig reads the config file and applies the global flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// applyServeFlags overlays explicitly set flags onto cfg. Unset flags keep
// the config file values.
func applyServeFlags(flags *pflag.FlagSet, opts serveOptions, cfg *config.Config) error {
	set := flags.Changed

	if set("timeout") {
		cfg.Sandbox.TimeoutSeconds = opts.timeout
	}
	if set("max-output") {
		cfg.Sandbox.MaxOutputChars = opts.maxOutput
	}
	if set("enable-actions") {
		cfg.Actions.Enabled = opts.enableActions
	}
	if set("workspace-root") {
		cfg.Actions.WorkspaceRoot = opts.workspaceRoot
	}
	if set("workspace-mode") {
		cfg.Actions.WorkspaceMode = opts.workspaceMode
	}
	if set("require-confirmation") {
		cfg.Actions.RequireConfirmation = opts.requireConfirmation
	}
	if set("max-file-size") {
		cfg.Actions.MaxReadBytes = opts.maxFileSize
	}
	if set("max-write-bytes") {
		cfg.Actions.MaxWriteBytes = opts.maxWriteBytes
	}

	switch {
	case set("tool-docs"):
		cfg.Server.ToolDocs = opts.toolDocs
	default:
		if env := os.Getenv(ToolDocsEnv); env == "concise" || env == "full" {
			cfg.Server.ToolDocs = env
		}
	}

	if set("host") {
		cfg.Transport.Host = opts.host
	}
	if set("port") {
		cfg.Transport.Port = opts.port
	}
	if set("path") {
		cfg.Transport.Path = opts.path
	}
	if set("servers") {
		cfg.Remote.ServersFile = opts.serversFile
	}
	if set("autosave") {
		cfg.MemoryPack.AutosaveSchedule = opts.autosave
	}

	switch opts.transport {
	case "stdio":
	case "http":
		cfg.Transport.Enabled = true
	default:
		return fmt.Errorf("invalid transport: %s (must be: stdio, http)", opts.transport)
	}

	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return cfg.Validate()
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Service:   cfg.Server.Name,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Output:    os.Stderr,
		Redaction: cfg.Logging.Redaction,
		SecretEnv: []string{
			cfg.SubQuery.APIKeyEnv,
			subquery.DefaultAPIKeyEnv,
			subquery.FallbackAPIKeyEnv,
			subquery.AnthropicKeyEnv,
		},
		MaxSize:  cfg.Logging.MaxSize,
		MaxAge:   cfg.Logging.MaxAge,
		Compress: cfg.Logging.Compress,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd.Flags(), serveOpts, cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	if serveOpts.auditLog != "" {
		if err := observability.InitAuditLogger(serveOpts.auditLog); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer observability.GetAuditLogger().Close()
	}

	if cfg.Tracing.Enabled {
		err := tracing.InitProvider(tracing.ProviderOptions{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: toolserver.Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.ShutdownProvider(shutdownCtx)
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability.RecordConfigAudit(ctx, "config.load", "cli", map[string]interface{}{
		"config":    cfgFile,
		"transport": serveOpts.transport,
		"actions":   cfg.Actions.Enabled,
	})

	srv, err := toolserver.New(toolserver.Options{
		Config: cfg,
		Logger: log.Component("toolserver"),
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown finished with errors")
		}
	}()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	if serveOpts.transport == "http" {
		return serveHTTP(ctx, srv, cfg, log)
	}
	return serveStdio(ctx, cmd, srv)
}

func serveHTTP(ctx context.Context, srv *toolserver.Server, cfg *config.Config, log *logger.Logger) error {
	pidFile := pidFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("server is already running (PID file: %s)", pidFile)
	}
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	log.Info().Str("url", srv.Transport().Status().URL).Str("pid_file", pidFile).Msg("Serving over HTTP")
	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}

// serveStdio returns when stdin closes or ctx is canceled
func serveStdio(ctx context.Context, cmd *cobra.Command, srv *toolserver.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}
