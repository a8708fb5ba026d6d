package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/coordinator"
	"github.com/roach88/fieldsync/internal/localstore"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/reconciler"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
)

// noEvents is used by commands that do not observe the reconciler.
var noEvents reconciler.Events

// syncStack is every component composed from one configuration.
type syncStack struct {
	cfg        config.Config
	store      *store.Store
	local      *localstore.LocalStore
	queue      *queue.Queue
	remote     *remote.Client
	conn       connectivity.Monitor
	prober     *connectivity.Prober // nil when forced offline
	coord      *coordinator.Coordinator
	reconciler *reconciler.Reconciler
	metrics    *metrics.Metrics
}

// openStack opens the database and wires the sync components. The caller
// must Close the stack.
func openStack(ctx context.Context, cfg config.Config, events reconciler.Events) (*syncStack, error) {
	logger := slog.Default()

	st, err := store.Open(cfg.Database.Path, store.WithDriver(cfg.Database.Driver))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	s := &syncStack{cfg: cfg, store: st, metrics: metrics.New()}

	s.local = localstore.New(st, localstore.WithLogger(logger))
	s.queue, err = queue.New(ctx, st,
		queue.WithRetryPolicy(cfg.Retry.Policy()),
		queue.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open sync queue", err)
	}

	s.remote, err = remote.NewClient(cfg.Remote.BaseURL,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "invalid remote configuration", err)
	}

	if cfg.Connectivity.Offline {
		s.conn = connectivity.NewManual(false)
	} else {
		s.prober = connectivity.NewProber(cfg.HealthURL(),
			connectivity.WithInterval(cfg.Connectivity.ProbeInterval),
			connectivity.WithHTTPClient(&http.Client{Timeout: cfg.Connectivity.ProbeTimeout}),
			connectivity.WithLogger(logger),
		)
		s.conn = s.prober
	}

	validator, err := schema.New()
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load entity schemas", err)
	}

	s.coord = coordinator.New(s.local, s.queue, s.remote, s.conn,
		coordinator.WithValidator(validator),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(s.metrics),
	)
	s.reconciler = reconciler.New(s.queue, s.remote, s.conn,
		reconciler.WithWorkers(cfg.Reconciler.Workers),
		reconciler.WithInterval(cfg.Reconciler.Interval, cfg.Reconciler.Jitter),
		reconciler.WithRateLimit(cfg.Reconciler.RateLimit, cfg.Reconciler.Burst),
		reconciler.WithSettler(s.coord),
		reconciler.WithEvents(events),
		reconciler.WithLogger(logger),
		reconciler.WithMetrics(s.metrics),
	)
	return s, nil
}

// probe refreshes the connectivity state once. It is a no-op when offline.
func (s *syncStack) probe(ctx context.Context) bool {
	if s.prober == nil {
		return s.conn.IsLikelyAvailable()
	}
	up := s.prober.Probe(ctx)
	s.metrics.Connectivity(up)
	return up
}

// Close releases the database.
func (s *syncStack) Close() error {
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// closeStack closes s and logs a failure; used in defers.
func closeStack(s *syncStack) {
	if err := s.Close(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("error closing database", "error", err)
	}
}
