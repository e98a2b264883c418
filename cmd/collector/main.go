// cmd/collector/main.go
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/tamzrod/tag-collector/internal/backup"
	"github.com/tamzrod/tag-collector/internal/config"
	"github.com/tamzrod/tag-collector/internal/engine"
	"github.com/tamzrod/tag-collector/internal/logging"
	"github.com/tamzrod/tag-collector/internal/status"
	"github.com/tamzrod/tag-collector/internal/writer"
	"github.com/tamzrod/tag-collector/internal/writer/sqlite"
)

type options struct {
	configPath      string
	envFile         string
	replay          bool
	statusInterval  time.Duration
	statusFile      string
	shutdownTimeout time.Duration
}

func main() {
	var opt options
	flag.StringVarP(&opt.configPath, "config", "c", "config.yaml", "path to the collector configuration file")
	flag.StringVar(&opt.envFile, "env-file", ".env", "optional dotenv file loaded before the configuration")
	flag.BoolVar(&opt.replay, "replay", false, "write pending backup files to the sink, then exit")
	flag.DurationVar(&opt.statusInterval, "status-interval", 30*time.Second, "period of the status summary (0 disables)")
	flag.StringVar(&opt.statusFile, "status-file", "", "write a JSON status report here on every status tick")
	flag.DurationVar(&opt.shutdownTimeout, "shutdown-timeout", 15*time.Second, "upper bound on a graceful shutdown")
	flag.Parse()

	boot := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if err := run(opt, boot); err != nil {
		boot.Error().Err(err).Msg("collector failed")
		os.Exit(1)
	}
}

func run(opt options, boot zerolog.Logger) error {
	// --------------------
	// Load + validate config
	// --------------------

	if err := godotenv.Load(opt.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		boot.Warn().Err(err).Str("file", opt.envFile).Msg("env file not loaded")
	}

	cfg, err := config.Load(opt.configPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	config.Normalize(cfg)

	log, closeLog, err := logging.New(cfg.Collector.Logging)
	if err != nil {
		return err
	}
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Sink
	// --------------------

	sc := cfg.Collector.Sink
	sink, err := sqlite.Open(sqlite.Config{
		Path:         sc.Path,
		BusyTimeout:  time.Duration(sc.BusyTimeoutMs) * time.Millisecond,
		DefaultTable: sc.DefaultTable,
		Tables:       sc.Tables,
	}, log)
	if err != nil {
		return err
	}

	if opt.replay {
		defer sink.Close()
		return replay(ctx, cfg, sink, log)
	}

	// --------------------
	// Engine
	// --------------------

	eng, err := engine.New(cfg, sink, log)
	if err != nil {
		_ = sink.Close()
		return err
	}
	if _, err := eng.Start(); err != nil {
		_ = eng.Shutdown(context.Background())
		return err
	}

	reportLoop(ctx, eng, opt, log)

	log.Info().Dur("timeout", opt.shutdownTimeout).Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), opt.shutdownTimeout)
	defer cancel()
	return eng.Shutdown(sctx)
}

func replay(ctx context.Context, cfg *config.Config, sink writer.Sink, log zerolog.Logger) error {
	dir, err := backup.Open(cfg.Collector.Backup.Dir, log)
	if err != nil {
		return err
	}

	st, err := writer.Replay(ctx, dir, sink, log)
	log.Info().
		Int("files", st.Files).
		Int("readings", st.Readings).
		Int("skipped", st.Skipped).
		Msg("replay finished")
	return err
}

// reportLoop blocks until ctx ends, logging a summary and refreshing the
// status file on every tick.
func reportLoop(ctx context.Context, eng *engine.Engine, opt options, log zerolog.Logger) {
	if opt.statusInterval <= 0 {
		<-ctx.Done()
		return
	}

	t := time.NewTicker(opt.statusInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep := eng.Report()

			for _, g := range rep.Engine.Groups {
				if !g.Active {
					continue
				}
				log.Info().
					Str("group", g.Name).
					Str("state", g.State).
					Stringer("health", g.Health).
					Uint64("polls", g.TotalPolls).
					Uint64("errors", g.ErrorCount).
					Uint64("overruns", g.Overruns).
					Float64("avg_poll_ms", g.AvgPollTimeMs).
					Msg("group status")
			}
			log.Info().
				Int("queue_depth", rep.Engine.QueueDepth).
				Uint64("queue_overflows", rep.Engine.QueueOverflows).
				Float64("throughput_per_sec", rep.Writer.ThroughputPerSec).
				Float64("success_rate", rep.Writer.SuccessRate).
				Int("backup_files", rep.Writer.BackupFileCount).
				Str("breaker", rep.Writer.BreakerState).
				Msg("writer status")

			if opt.statusFile != "" {
				if err := status.WriteFile(opt.statusFile, rep); err != nil {
					log.Warn().Err(err).Str("file", opt.statusFile).Msg("status file write failed")
				}
			}
		}
	}
}
