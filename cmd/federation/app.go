package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/analyze"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/cfg"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/commit"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/compose"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/db"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/extract"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/logging"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/metrics"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/plan"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/proposal"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/remote"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/replicate"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/review"
)

// app holds the components shared by commands.
type app struct {
	cfg      *cfg.Config
	log      *slog.Logger
	db       *db.DB
	client   *remote.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// loadConfig resolves configuration with the root flags bound on top.
func loadConfig(cmd *cobra.Command) (*cfg.Config, error) {
	v, err := cfg.NewViper(configFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"log.level":        "log-level",
		"log.format":       "log-format",
		"metrics.textfile": "metrics-file",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	return cfg.Load(v)
}

// openApp loads configuration and opens the database and API client.
func openApp(cmd *cobra.Command) (*app, error) {
	c, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cmd.ErrOrStderr(), c.Log.Level, c.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store, err := db.Open(c.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	tokens := c.AllTokens()
	if len(tokens) == 0 {
		log.Warn("no API tokens configured, using anonymous access")
	}
	client, err := remote.NewClient(remote.NewCredentialPool(tokens...), remote.Options{
		BaseURL:           c.GitHub.APIURL,
		Timeout:           c.GitHub.Timeout,
		RequestsPerSecond: c.GitHub.RequestsPerSecond,
		Logger:            log,
		Metrics:           m,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: c, log: log, db: store, client: client, registry: registry, metrics: m}, nil
}

// Close releases the database and writes the metrics textfile if configured.
func (a *app) Close() error {
	var errs []error
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("writing metrics: %w", err))
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) pipeline() *commit.Pipeline {
	return commit.New(a.client, a.db, commit.Options{
		SingleFileFastPath: a.cfg.Replication.SingleFileFastPath,
		Logger:             a.log,
		Metrics:            a.metrics,
	})
}

func (a *app) reviewQueue(committer review.Committer) (*review.Queue, error) {
	return review.Open(a.cfg.Review.Dir, committer, review.Options{Logger: a.log, Metrics: a.metrics})
}

func (a *app) ingestor() *analyze.Ingestor {
	return analyze.NewIngestor(a.client, a.db, nil, a.cfg.Replication.ExtractConcurrency, a.log)
}

func (a *app) planner() (*plan.Builder, error) {
	return plan.NewBuilder(a.db, plan.Options{
		Include: a.cfg.Replication.Include,
		Exclude: a.cfg.Replication.Exclude,
	}, a.log)
}

func (a *app) proposals() *proposal.Service {
	return proposal.New(a.db, a.pipeline(), a.log)
}

func (a *app) orchestrator() (*replicate.Orchestrator, error) {
	builder, err := a.planner()
	if err != nil {
		return nil, err
	}
	pipe := a.pipeline()
	queue, err := a.reviewQueue(pipe)
	if err != nil {
		return nil, err
	}
	return replicate.New(replicate.Deps{
		Store:     a.db,
		Analyzer:  a.ingestor(),
		Planner:   builder,
		Extractor: extract.New(a.client, a.log),
		Composer:  compose.NewSyntaxAware(),
		Committer: pipe,
		Review:    queue,
		Remote:    a.client,
	}, replicate.Options{
		BranchPrefix: a.cfg.Replication.BranchPrefix,
		Concurrency:  a.cfg.Replication.ExtractConcurrency,
		Logger:       a.log,
		Metrics:      a.metrics,
	}), nil
}

// withApp wraps a command body with app setup and teardown.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args, a)
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
