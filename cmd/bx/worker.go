package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/notch8/bulkrax/internal/queue"
	"github.com/notch8/bulkrax/internal/schedule"
	"github.com/notch8/bulkrax/internal/status"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func newWorkerCmd() *cobra.Command {
	var (
		configPath  string
		concurrency int
		staleAfter  time.Duration
		noSchedule  bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker daemon",
		Long: `Claims and runs queued jobs until interrupted. Also enqueues scheduled
importers when they fall due and returns jobs held by dead workers to the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if staleAfter <= 0 {
				return fmt.Errorf("--stale-after must be positive")
			}
			return runWorker(cmd, configPath, concurrency, staleAfter, noSchedule)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker goroutines (default from config)")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 30*time.Minute, "release running jobs locked longer than this")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not enqueue scheduled importers")
	return cmd
}

func runWorker(cmd *cobra.Command, configPath string, concurrency int, staleAfter time.Duration, noSchedule bool) error {
	e, err := connectFromConfig(cmd, configPath)
	if err != nil {
		return err
	}
	p, err := e.pipeline()
	if err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = e.cfg.Workers.Concurrency
	}

	pool := queue.NewPool(p.Queue(), queue.PoolOptions{
		Concurrency:       concurrency,
		PollInterval:      e.cfg.Workers.PollInterval,
		HeartbeatInterval: min(queue.DefaultHeartbeatInterval, staleAfter/3),
		Logger:            e.logger,
	})
	p.Register(pool)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "Worker started (%d goroutines, kinds: %v)\n", concurrency, pool.Kinds())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	if !noSchedule {
		sched := &schedule.Scheduler{DB: e.db, Starter: p, Logger: e.logger}
		g.Go(func() error { return sched.Run(gctx, schedule.DefaultInterval) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			if n, err := p.Queue().ReleaseStale(gctx, time.Now().Add(-staleAfter)); err != nil {
				e.logger.Error("release stale jobs", "error", err)
			} else if n > 0 {
				e.logger.Warn("released stale jobs", "count", n)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		Long:  "Serves importer, exporter, run and entry status as JSON under /api, plus export artifact downloads.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := connectFromConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if port <= 0 {
				port = e.cfg.Server.Port
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return status.Start(ctx, status.StartOpts{
				DB:   e.db,
				Port: port,
				Out:  cmd.OutOrStdout(),
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}
