package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/echodb/automirror/internal/appconfig"
	"github.com/echodb/automirror/internal/breaker"
	"github.com/echodb/automirror/internal/dedup"
	"github.com/echodb/automirror/internal/executor"
	"github.com/echodb/automirror/internal/httpapi"
	"github.com/echodb/automirror/internal/kvstore"
	"github.com/echodb/automirror/internal/leader"
	"github.com/echodb/automirror/internal/listener"
	"github.com/echodb/automirror/internal/reconciler"
	"github.com/echodb/automirror/internal/stats"
	"github.com/echodb/automirror/internal/verifier"
)

var healthPortFlag int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the mirror reconciler",
	Long: `Run starts the notification listener, leader election, mirror
executor, and consistency verifier, and serves the health/metrics/verify
HTTP API until terminated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if healthPortFlag > 0 {
			cfg.HealthPort = healthPortFlag
		}
		return runReconciler(cmd.Context(), &cfg, logger)
	},
}

func init() {
	runCmd.Flags().IntVar(&healthPortFlag, "port", 0, "HTTP health/metrics port (overrides config)")
	rootCmd.AddCommand(runCmd)
}

// alwaysRunning implements httpapi's runningState for a process that has
// passed startup; liveness beyond that is carried by the stats snapshot.
type alwaysRunning struct{}

func (alwaysRunning) Running() bool { return true }

func runReconciler(ctx context.Context, cfg *appconfig.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := stats.New(cfg.Leader.WorkerID)
	defer st.Close()

	sourcePool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("connect source postgres: %w", err)
	}
	defer sourcePool.Close()

	chDB := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
		},
	})
	defer chDB.Close()

	redisClient := kvstore.NewClient(cfg.Redis)
	defer redisClient.Close()

	replicatorBreaker := breaker.New(breaker.Config{
		Name:             "replicator_api",
		FailureThreshold: cfg.ReplicatorBreaker.FailureThreshold,
		SuccessThreshold: cfg.ReplicatorBreaker.SuccessThreshold,
		Timeout:          cfg.ReplicatorBreaker.Timeout.Duration(),
	})
	postgresBreaker := breaker.New(breaker.Config{
		Name:             "postgres_connection",
		FailureThreshold: cfg.PostgresBreaker.FailureThreshold,
		SuccessThreshold: cfg.PostgresBreaker.SuccessThreshold,
		Timeout:          cfg.PostgresBreaker.Timeout.Duration(),
	})
	st.SetBreakers(
		func() stats.BreakerStatus { return toStatsStatus(replicatorBreaker.Status()) },
		func() stats.BreakerStatus { return toStatsStatus(postgresBreaker.Status()) },
	)

	if err := postgresBreaker.Call(ctx, func(callCtx context.Context) error {
		return sourcePool.Ping(callCtx)
	}); err != nil {
		return fmt.Errorf("source postgres connectivity check: %w", err)
	}

	replicatorConn, err := pgx.Connect(ctx, cfg.Replicator.DSN())
	if err != nil {
		return fmt.Errorf("connect replicator: %w", err)
	}
	defer replicatorConn.Close(context.Background())

	exec := executor.New(replicatorConn, replicatorBreaker, st, executor.Config{
		SourcePeerName: cfg.SourcePeerName,
		TargetPeerName: cfg.TargetPeerName,
		MaxRetries:     cfg.Retry.MaxRetries,
		RetryDelay:     cfg.Retry.Delay.Duration(),
		RetryBackoff:   cfg.Retry.Backoff,
	}, logger)

	vf := verifier.New(
		verifier.WrapPgPool(sourcePool),
		verifier.WrapClickHouseDB(chDB),
		verifier.Config{},
		st,
		logger,
	)

	el := leader.New(redisClient, cfg.Leader.WorkerID, cfg.Leader.TTL.Duration(), logger)
	dd := dedup.New(redisClient)
	lst := listener.New(listener.WrapConnect(cfg.Postgres.DSN()), listener.Config{
		ReconnectDelay:       cfg.Reconnect.Delay.Duration(),
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
	}, logger)

	syncSchemas := toSet(cfg.SyncSchemas)
	excludedTables := toSet(cfg.ExcludedTables)

	rec := reconciler.New(el, lst, dd, exec, vf, reconciler.NewPgTableLister(sourcePool), st, reconciler.Config{
		SyncSchemas:            syncSchemas,
		ExcludedTables:         excludedTables,
		LeaderElectionInterval: cfg.Leader.ElectionInterval.Duration(),
		ReconcileSweepInterval: cfg.ReconcileSweepInterval.Duration(),
	}, logger)

	api := httpapi.New(st, alwaysRunning{}, vf, logger)
	st.SetConnected(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return rec.RunSweepLoop(gctx, cfg.ReconcileSweepInterval.Duration()) })
	g.Go(func() error { return api.Start(gctx, cfg.HealthPort) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

func toStatsStatus(s breaker.Status) stats.BreakerStatus {
	return stats.BreakerStatus{
		Name:             s.Name,
		Phase:            string(s.Phase),
		FailureCount:     s.FailureCount,
		SuccessCount:     s.SuccessCount,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
		TimeoutSeconds:   s.TimeoutSeconds,
	}
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}
