package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimiglory/cyra/internal/auth"
	"github.com/nimiglory/cyra/internal/config"
	"github.com/nimiglory/cyra/internal/findings"
	"github.com/nimiglory/cyra/internal/report"
	"github.com/nimiglory/cyra/internal/scanjob"
	"github.com/nimiglory/cyra/internal/store"
	"github.com/nimiglory/cyra/internal/transport"
)

// app is the wiring shared by every command:
// config → store → transport → session → auth client.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.SQLiteStore
	client *auth.Client
	stdout io.Writer
	stderr io.Writer
}

func newApp(cmd *cobra.Command) (*app, error) {
	flags := cmd.Flags()

	cfgPath, _ := flags.GetString("config")
	cfg, err := config.Load(config.Sources{File: cfgPath, EnvFiles: config.DefaultEnvFiles})
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, flags)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stderr := &lockedWriter{w: cmd.ErrOrStderr()}
	logger := newLogger(stderr, cfg.Verbose)

	if dir := filepath.Dir(cfg.State); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory %q: %w", dir, err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.State)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file %q: %w", cfg.State, err)
	}

	tc, err := transport.NewClient(transport.ClientOptions{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		UserAgent: cfg.API.UserAgent,
		MaxRPS:    cfg.API.RateLimit,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	session := auth.NewSession(st, logger)
	client := auth.NewClient(tc, session,
		auth.WithLogger(logger),
		auth.WithLoggedOutHook(func() {
			fmt.Fprintln(stderr, "[!] Your session has expired. Run `cyra login` to sign in again.")
		}),
	)

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		client: client,
		stdout: cmd.OutOrStdout(),
		stderr: stderr,
	}, nil
}

// applyFlags overrides cfg with the flags the user actually set.
func applyFlags(cfg *config.Config, flags *pflag.FlagSet) {
	if flags.Changed("api") {
		cfg.API.BaseURL, _ = flags.GetString("api")
	}
	if flags.Changed("timeout") {
		cfg.API.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("rate") {
		cfg.API.RateLimit, _ = flags.GetFloat64("rate")
	}
	if flags.Changed("state") {
		cfg.State, _ = flags.GetString("state")
	}
	if flags.Changed("verbose") {
		cfg.Verbose, _ = flags.GetInt("verbose")
	}
	if flags.Changed("format") {
		cfg.Output, _ = flags.GetString("format")
	}
	if flags.Lookup("timeframe") != nil && flags.Changed("timeframe") {
		cfg.Scan.Timeframe, _ = flags.GetString("timeframe")
	}
	if flags.Lookup("interval") != nil && flags.Changed("interval") {
		cfg.Scan.Interval, _ = flags.GetDuration("interval")
	}
	if flags.Lookup("max-polls") != nil && flags.Changed("max-polls") {
		cfg.Scan.MaxPolls, _ = flags.GetInt("max-polls")
	}
}

// newLogger maps verbosity 0-3 onto Error, Warn, Info and Debug.
func newLogger(w io.Writer, verbose int) *slog.Logger {
	logLevel := slog.LevelError
	switch {
	case verbose >= 3:
		logLevel = slog.LevelDebug
	case verbose >= 2:
		logLevel = slog.LevelInfo
	case verbose >= 1:
		logLevel = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

func (a *app) Close() error {
	return a.store.Close()
}

// controller builds a scan controller over the app's client and cache.
func (a *app) controller(opts ...scanjob.Option) *scanjob.Controller {
	tf, _ := findings.ParseTimeframe(a.cfg.Scan.Timeframe)
	cfg := scanjob.DefaultConfig()
	cfg.Interval = a.cfg.Scan.Interval
	cfg.MaxPolls = a.cfg.Scan.MaxPolls
	cfg.Timeframe = tf

	cache := findings.NewCache(a.store, a.logger)
	opts = append([]scanjob.Option{scanjob.WithLogger(a.logger)}, opts...)
	return scanjob.New(a.client, cache, cfg, opts...)
}

// requireUser restores the stored session and fails when nobody is
// signed in.
func (a *app) requireUser(ctx context.Context) (*auth.User, error) {
	u, err := a.client.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("restoring session: %s", auth.UserMessage(err))
	}
	if u == nil {
		return nil, errNotSignedIn
	}
	return u, nil
}

// render writes result in the configured format to stdout or --output.
func (a *app) render(ctx context.Context, cmd *cobra.Command, result *report.Result) error {
	reporter, err := report.New(a.cfg.Output)
	if err != nil {
		return fmt.Errorf("unknown report format %q: %w", a.cfg.Output, err)
	}
	if tr, ok := reporter.(*report.TextReporter); ok {
		tr.Verbose = a.cfg.Verbose
	}

	out := a.stdout
	if outputPath, _ := cmd.Flags().GetString("output"); outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output file %q: %w", outputPath, err)
		}
		defer f.Close()
		out = f
	}

	if err := reporter.Generate(ctx, result, out); err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	return nil
}

// lockedWriter serialises writes from the poll loop and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
