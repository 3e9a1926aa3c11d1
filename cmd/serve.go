package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zoravur/pipeline-bridge/internal/app"
	"github.com/zoravur/pipeline-bridge/internal/config"
	"github.com/zoravur/pipeline-bridge/internal/journal"
	"github.com/zoravur/pipeline-bridge/internal/logbus"
	"github.com/zoravur/pipeline-bridge/internal/logutil"
	"github.com/zoravur/pipeline-bridge/internal/pipeline"
)

type serveFlags struct {
	configPath    string
	host          string
	port          int
	logLevel      string
	logFormat     string
	mirror        bool
	mirrorRoot    string
	journalDSN    string
	journalDriver string
	preload       []string
}

func serveCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "pipeline-bridge",
		Short: "Bridge pipeline documents between editors and local files",
		Long: `pipeline-bridge accepts websocket connections from pipeline editors,
keeps the pipelines they submit in memory and serves them back on request.
Operators can inspect, load and push pipelines through the HTTP API.

Examples:
  pipeline-bridge
  pipeline-bridge --port 9100 --mirror-root ./resource
  pipeline-bridge --config bridge.toml --preload flows/main.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "Config file (.toml, .yaml)")
	fl.StringVarP(&f.host, "host", "H", config.DefaultHost, "Host to bind to")
	fl.IntVarP(&f.port, "port", "p", config.DefaultPort, "Port to listen on (0 picks a free port)")
	fl.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fl.StringVar(&f.logFormat, "log-format", "console", "Log format (console, json)")
	fl.BoolVar(&f.mirror, "mirror", true, "Write submitted pipelines back to their existing local file")
	fl.StringVar(&f.mirrorRoot, "mirror-root", "", "Directory relative file paths resolve against")
	fl.StringVar(&f.journalDSN, "journal-dsn", "", "Postgres DSN for the submission journal")
	fl.StringVar(&f.journalDriver, "journal-driver", journal.DefaultDriver, "Journal driver (pgx, postgres)")
	fl.StringSliceVar(&f.preload, "preload", nil, "Pipeline files to load at startup")

	return cmd
}

// apply overrides cfg with the flags set on the command line.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Listen.Host = f.host
	}
	if changed("port") {
		cfg.Listen.Port = f.port
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("mirror") {
		cfg.Mirror.Enabled = f.mirror
	}
	if changed("mirror-root") {
		cfg.Mirror.Root = f.mirrorRoot
	}
	if changed("journal-dsn") {
		cfg.Journal.DSN = f.journalDSN
	}
	if changed("journal-driver") {
		cfg.Journal.Driver = f.journalDriver
	}
	if changed("preload") {
		cfg.Preload = append(cfg.Preload, f.preload...)
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := logbus.New()
	log, err := newLogger(cfg, bus)
	if err != nil {
		return err
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	opts := app.Options{
		Log:             log,
		Logs:            bus,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration,
		WriteTimeout:    cfg.WriteTimeout.Duration,
		Version:         version,
	}

	var persisters []pipeline.Persister
	if cfg.Mirror.Enabled {
		persisters = append(persisters, pipeline.FileMirror{Root: cfg.Mirror.Root})
	}
	if cfg.Journal.DSN != "" {
		j, err := journal.Open(ctx, cfg.Journal.Driver, cfg.Journal.DSN, log)
		if err != nil {
			return err
		}
		defer j.Close()
		persisters = append(persisters, j)
		opts.History = j
		log.Info("submission journal enabled", zap.String("driver", cfg.Journal.Driver))
	}
	if chain := pipeline.NewChain(persisters...); len(chain) > 0 {
		opts.Persister = chain
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts.Metrics = reg
	}

	srv := app.NewServer(opts)
	if err := srv.Preload(cfg.Preload...); err != nil {
		return err
	}
	if err := srv.Start(cfg.Listen.Host, cfg.Listen.Port); err != nil {
		return err
	}
	return srv.Run(ctx)
}

// newLogger builds the process logger with the log bus teed in. The bus
// always receives Info and above so on_log subscribers see lifecycle events
// even when stderr is quieter.
func newLogger(cfg *config.Config, bus *logbus.Bus) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	busLevel := zapcore.InfoLevel
	if level < busLevel {
		busLevel = level
	}
	return logutil.New(cfg.Log.Level, cfg.Log.Format, bus.Core(busLevel))
}
