// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
)

var logger zerolog.Logger

type Globals struct {
	Config      string `help:"Path to YAML configuration file." type:"path"`
	Database    string `help:"Override storage.database_file." type:"path"`
	LogLevel    string `help:"Minimum log level (trace|debug|info|warn|error)."`
	Quiet       bool   `help:"Only log warnings and errors."`
	MetricsAddr string `help:"Serve Prometheus metrics on this address, e.g. :9090."`
}

type FullCmd struct {
	Namespace []int   `help:"Namespaces to scrape (repeatable); default is the 16 standard ones."`
	RateLimit float64 `help:"Override scraper.rate_limit (requests per second)."`
	Force     bool    `help:"Scrape even if the database is already populated."`
	DryRun    bool    `help:"Discover only; print a namespace breakdown and an ETA, write nothing."`
}

type IncrementalCmd struct {
	Since     string  `help:"Scrape changes since this RFC 3339 timestamp instead of the last run."`
	Namespace []int   `help:"Restrict the change feed to these namespaces."`
	RateLimit float64 `help:"Override scraper.rate_limit (requests per second)."`
}

type CLI struct {
	Globals
	Full        FullCmd        `cmd:"" help:"Build a cold baseline of the whole wiki."`
	Incremental IncrementalCmd `cmd:"" help:"Fetch everything that changed since the last successful run."`
}

func main() {
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("wikimirror"),
		kong.Description("Archive a MediaWiki wiki into a local queryable store."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err := kctx.Run(&cli.Globals)
	switch {
	case err == nil:
		return
	case errors.Is(err, errInterrupted):
		logger.Warn().Msg("interrupted; checkpoint retained, rerun to resume")
		os.Exit(130)
	case errors.Is(err, ErrFullScrapeRequired):
		fmt.Fprintln(os.Stderr, "no completed scrape in this database; run `wikimirror full` first")
		os.Exit(1)
	default:
		logger.Error().Err(err).Msg("scrape failed")
		os.Exit(1)
	}
}

// setup merges flags over config, validates, and wires the scraper.
func setup(g *Globals, rateLimit float64) (*Scraper, *Repository, error) {
	cfg, err := loadConfig(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if g.Database != "" {
		cfg.Storage.DatabaseFile = g.Database
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if rateLimit > 0 {
		cfg.Scraper.RateLimit = rateLimit
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	if g.Quiet && level < zerolog.WarnLevel {
		level = zerolog.WarnLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	if g.MetricsAddr != "" {
		serveMetrics(g.MetricsAddr)
	}

	if dir := cfg.Storage.DataDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	repo, err := OpenRepository(cfg.Storage.DatabaseFile)
	if err != nil {
		return nil, nil, err
	}
	return NewScraper(cfg, repo), repo, nil
}

func (cmd *FullCmd) Run(ctx context.Context, g *Globals) error {
	scraper, repo, err := setup(g, cmd.RateLimit)
	if err != nil {
		return err
	}
	defer repo.Close()

	if cmd.DryRun {
		return scraper.DryRun(ctx, cmd.Namespace)
	}

	if !cmd.Force {
		count, err := repo.CountPages()
		if err != nil {
			return err
		}
		resumable := scraper.checkpoints.Load() != nil
		if count > 0 && !resumable {
			return fmt.Errorf("database already holds %d pages; use --force to scrape anyway", count)
		}
	}

	result, err := scraper.RunFull(ctx, cmd.Namespace)
	if err != nil {
		return err
	}
	if rate := result.FailureRate(); rate > partialFailureThreshold {
		return fmt.Errorf("%d of %d pages failed (%.0f%%), above the %.0f%% threshold",
			len(result.FailedPageIDs), result.Pages, rate*100, partialFailureThreshold*100)
	}
	maybeUploadSnapshot(ctx, scraper.cfg)
	return nil
}

func (cmd *IncrementalCmd) Run(ctx context.Context, g *Globals) error {
	scraper, repo, err := setup(g, cmd.RateLimit)
	if err != nil {
		return err
	}
	defer repo.Close()

	var since *time.Time
	if cmd.Since != "" {
		t, err := time.Parse(time.RFC3339, cmd.Since)
		if err != nil {
			return fmt.Errorf("--since %q is not an RFC 3339 timestamp: %w", cmd.Since, err)
		}
		since = &t
	}

	stats, err := scraper.RunIncremental(ctx, since, cmd.Namespace)
	if err != nil {
		return err
	}
	if rate := stats.FailureRate(); rate > partialFailureThreshold {
		attempted := stats.PagesNew + stats.PagesModified + int64(len(stats.FailedPageIDs))
		return fmt.Errorf("%d of %d changed pages failed (%.0f%%), above the %.0f%% threshold",
			len(stats.FailedPageIDs), attempted, rate*100, partialFailureThreshold*100)
	}
	maybeUploadSnapshot(ctx, scraper.cfg)
	return nil
}

func maybeUploadSnapshot(ctx context.Context, cfg *Config) {
	if cfg.Storage.S3 == nil {
		return
	}
	s3, err := newS3Client(cfg.Storage.S3)
	if err != nil {
		logger.Error().Err(err).Msg("snapshot upload skipped, S3 client setup failed")
		return
	}
	if err := uploadSnapshot(ctx, s3, cfg.Storage.S3.Bucket, cfg.Storage.DatabaseFile); err != nil {
		logger.Error().Err(err).Msg("snapshot upload failed")
	}
}
