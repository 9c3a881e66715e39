package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/shower.reco/internal/fsutil"
	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/pipeline"
	"github.com/banshee-data/shower.reco/internal/shower/storage/sqlite"
	"github.com/banshee-data/shower.reco/internal/telemetry"
)

const serviceName = "showerreco"

type runOptions struct {
	configPath   string
	subarrayPath string
	eventsPath   string
	dbPath       string
	workers      int
}

func (a *app) runCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconstruct a file of events",
		Long: `run reads one JSON event per line from --events ("-" for stdin), runs the
configured reconstructors over every event and stores the results in the
SQLite database named by --db (or SHOWER_RECO_DB, or the config). Without
a database the per-event results are printed as JSON lines.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "reconstruction config (.json, .yaml or .yml)")
	f.StringVar(&o.subarrayPath, "subarray", "", "subarray description (JSON)")
	f.StringVar(&o.eventsPath, "events", "-", "JSON-lines event file, - for stdin")
	f.StringVar(&o.dbPath, "db", "", "result database, overrides the config")
	f.IntVar(&o.workers, "workers", 0, "events processed concurrently, overrides the config")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("subarray")
	return cmd
}

func (a *app) openEvents(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(a.stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	return f, nil
}

func (a *app) run(ctx context.Context, o runOptions) error {
	cfg, err := a.loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.dbPath != "" {
		cfg.Database = &o.dbPath
	}
	if o.workers != 0 {
		cfg.Workers = &o.workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	osfs := fsutil.OSFileSystem{}
	sub, err := loadSubarray(osfs, o.subarrayPath)
	if err != nil {
		return err
	}

	shutdown, err := telemetry.Setup(ctx, serviceName, cfg.GetOTelEndpoint())
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			a.logger.Warn("trace shutdown", zap.Error(err))
		}
	}()

	proc, err := pipeline.New(modelFS{base: osfs, dir: cfg.GetModelDir()}, cfg, sub)
	if err != nil {
		return err
	}
	a.logger.Info("pipeline ready",
		zap.Strings("stages", proc.Stages()),
		zap.Int("workers", cfg.GetWorkers()),
	)

	var sink pipeline.Sink = newJSONSink(a.stdout)
	var dbRun *sqlite.Run
	if path := cfg.GetDatabase(); path != "" {
		store, err := sqlite.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if dbRun, err = store.BeginRun(ctx, cfgJSON); err != nil {
			return err
		}
		sink = dbRun
		a.logger.Info("recording run", zap.String("run_id", dbRun.ID), zap.String("db", path))
	}

	in, err := a.openEvents(o.eventsPath)
	if err != nil {
		return err
	}
	defer in.Close()

	events := make(chan *shower.ArrayEvent, 2*cfg.GetWorkers())
	var g errgroup.Group
	var badLines int64
	g.Go(func() error {
		var err error
		badLines, err = readEvents(ctx, in, events)
		return err
	})

	runner := &pipeline.Runner{Processor: proc, Workers: cfg.GetWorkers()}
	stats, runErr := runner.Run(ctx, events, sink)

	// A clean finish means the reader closed the channel. After a
	// cancellation the reader may still be blocked on input.
	var malformed int64
	var readErr error
	if runErr == nil {
		readErr = g.Wait()
		malformed = badLines
	}

	failed := stats.Failed + malformed
	if dbRun != nil {
		// The run is stamped even when interrupted.
		if err := dbRun.Finish(context.WithoutCancel(ctx), stats.Processed, failed); err != nil {
			return err
		}
	}
	a.logger.Info("run finished",
		zap.Int64("processed", stats.Processed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("malformed", malformed),
	)
	if readErr != nil {
		return readErr
	}
	return runErr
}
