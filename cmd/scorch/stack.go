package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/scorchlab/scorch/audit"
	"github.com/scorchlab/scorch/config"
	"github.com/scorchlab/scorch/orchestrator"
	"github.com/scorchlab/scorch/policy"
	"github.com/scorchlab/scorch/providers"
	scorchaws "github.com/scorchlab/scorch/providers/aws"
	"github.com/scorchlab/scorch/ratelimit"
	"github.com/scorchlab/scorch/storage"
	"github.com/scorchlab/scorch/telemetry"
)

// stack wires every component a command needs from one config file.
type stack struct {
	cfg      *config.Config
	logger   *telemetry.Logger
	clients  providers.Clients
	store    storage.Store
	limits   storage.Store
	queue    providers.Queue
	orch     *orchestrator.Orchestrator
	limiter  *ratelimit.Limiter
	policies *policy.Engine
	journal  *audit.Journal
}

// buildStack constructs the engine. In local mode state lives in a
// bbolt file and the queue is in-process; otherwise everything runs
// against AWS.
func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	s := &stack{
		cfg:    cfg,
		logger: telemetry.NewLogger("scorch"),
	}

	if localMode {
		if err := s.buildLocal(cfg); err != nil {
			return nil, err
		}
	} else {
		if err := s.buildAWS(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.StoragePath != "" {
		journal, err := audit.Open(filepath.Join(filepath.Dir(cfg.StoragePath), "journal"))
		if err != nil {
			return nil, fmt.Errorf("failed to open audit journal: %w", err)
		}
		s.journal = journal
	}

	if cfg.PolicyPath != "" {
		s.policies = policy.NewEngine()
		if err := s.policies.LoadDir(ctx, cfg.PolicyPath); err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", cfg.PolicyPath, err)
		}
	}

	opts := []orchestrator.Option{}
	if s.journal != nil {
		opts = append(opts, orchestrator.WithJournal(s.journal))
	}
	s.orch, err = orchestrator.New(cfg, s.clients, s.store, s.logger, opts...)
	if err != nil {
		return nil, err
	}

	s.limiter = ratelimit.New(s.limits, cfg.Limits, s.logger.Logger)
	return s, nil
}

func (s *stack) buildAWS(ctx context.Context, cfg *config.Config) error {
	provider, err := scorchaws.New(ctx, scorchaws.Options{
		Region:      cfg.Region,
		CallTimeout: cfg.Cleanup.CallTimeout,
		Cluster:     cfg.Cluster,
		QueueURL:    cfg.QueueURL,
		Bucket:      cfg.ReportBucket,
		LedgerTable: cfg.LedgerTable,
		LimitsTable: cfg.LimiterTable,
	})
	if err != nil {
		return fmt.Errorf("failed to build AWS clients: %w", err)
	}

	s.clients = provider.Clients()
	s.store = provider.NewStateStore(cfg.LedgerTable)
	s.limits = provider.NewStateStore(cfg.LimiterTable)
	s.queue = s.clients.Queue
	return nil
}

func (s *stack) buildLocal(cfg *config.Config) error {
	path := cfg.StoragePath
	if path == "" {
		path = "./scorch.db"
	}
	store, err := storage.NewBoltStore(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}

	// Local mode still needs real cloud clients for the activities;
	// only state, queue, and reports stay on this machine.
	provider, err := scorchaws.New(context.Background(), scorchaws.Options{
		Region:      cfg.Region,
		CallTimeout: cfg.Cleanup.CallTimeout,
		Cluster:     cfg.Cluster,
	})
	if err != nil {
		return fmt.Errorf("failed to build AWS clients: %w", err)
	}

	s.clients = provider.Clients()
	s.clients.Reports = &providers.FileReportStore{Dir: "./reports"}
	s.store = store
	s.limits = store
	s.queue = providers.NewMemoryQueue()
	s.clients.Queue = s.queue
	return nil
}

// Close releases stack resources.
func (s *stack) Close() {
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.limits != nil && s.limits != s.store {
		_ = s.limits.Close()
	}
}
