package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/transitwatch/gtfs-sync/internal/app/scheduler"
	"github.com/transitwatch/gtfs-sync/internal/app/worker"
	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
	"github.com/transitwatch/gtfs-sync/internal/infra/eventbus/memory"
	"github.com/transitwatch/gtfs-sync/internal/infra/storage"
	"github.com/transitwatch/gtfs-sync/pkg/common"
)

const shutdownTimeout = 30 * time.Second

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runWorker consumes triggers until SIGINT or SIGTERM. A run in progress when
// the signal arrives completes before the worker exits.
func runWorker(c *cli.Context) error {
	e, err := setup(c, "worker")
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signalContext(c.Context)
	defer stop()

	pool, err := e.openPool(ctx, !c.Bool("skip-migrations"))
	if err != nil {
		return err
	}
	defer pool.Close()

	runner, err := e.newRunner(pool)
	if err != nil {
		return err
	}

	source, err := e.newSource(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			e.log.Error(context.Background(), "Failed to close trigger source", "error", err)
		}
	}()

	ready := &atomic.Bool{}
	health := common.NewHealthServer(e.cfg.Service.HealthAddr, ready, pool.Ping)
	metricsSrv, err := common.NewMetricsServer(e.cfg.Service.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to create metrics server: %w", err)
	}

	limiter := common.NewPerMinuteLimiter(e.cfg.Trigger.MaxRunsPerMinute)
	w := worker.New(source, runner, limiter, e.log, e.tracer)

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{health.Server(), metricsSrv} {
		if srv.Addr == "" {
			continue
		}
		g.Go(func() error {
			e.log.Info(gctx, "Serving", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		ready.Store(true)
		defer ready.Store(false)
		err := w.Start(gctx)
		stop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	e.log.Info(context.Background(), "Worker shut down")
	return nil
}

// statusRecorder keeps the status of the last run it performed.
type statusRecorder struct {
	runner worker.Runner
	last   feed.JobStatus
}

func (r *statusRecorder) Run(ctx context.Context, force bool) feed.JobStatus {
	r.last = r.runner.Run(ctx, force)
	return r.last
}

// runOnce performs a single run through an in-process trigger bus so it
// follows the same path as a streamed trigger.
func runOnce(c *cli.Context) error {
	e, err := setup(c, "run")
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signalContext(c.Context)
	defer stop()

	pool, err := e.openPool(ctx, !c.Bool("skip-migrations"))
	if err != nil {
		return err
	}
	defer pool.Close()

	runner, err := e.newRunner(pool)
	if err != nil {
		return err
	}

	bus := memory.NewBus(1)
	if err := bus.Publish(ctx, trigger.New(c.Bool("force"), trigger.JobTypeGTFSSync)); err != nil {
		return err
	}
	if err := bus.Close(); err != nil {
		return err
	}

	rec := &statusRecorder{runner: runner}
	if err := worker.New(bus, rec, nil, e.log, e.tracer).Start(ctx); err != nil {
		return err
	}
	if acked, _ := bus.Acked(); acked == 0 {
		return cli.Exit(color.YellowString("Interrupted before the run started"), 1)
	}

	printStatus(rec.last)
	if !rec.last.Succeeded() {
		return cli.Exit("", 1)
	}
	return nil
}

func printStatus(s feed.JobStatus) {
	label := color.New(color.FgGreen, color.Bold).Sprint(s.Status)
	if !s.Succeeded() {
		label = color.New(color.FgRed, color.Bold).Sprint(s.Status)
	}
	fmt.Printf("Job status: %s\n", label)
	fmt.Printf("  %s\n", color.CyanString(s.Message))
}

func publishTrigger(c *cli.Context) error {
	e, err := setup(c, "trigger")
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signalContext(c.Context)
	defer stop()

	pub, err := e.newPublisher(ctx)
	if err != nil {
		return err
	}
	defer pub.Close()

	t := trigger.New(c.Bool("force"), trigger.JobTypeGTFSSync)
	if err := pub.Publish(ctx, t); err != nil {
		return err
	}
	fmt.Printf("Published trigger %s (force=%t) to %s\n", color.CyanString(t.ID), t.Force, e.cfg.Trigger.Backend)
	return nil
}

func runSchedule(c *cli.Context) error {
	e, err := setup(c, "scheduler")
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signalContext(c.Context)
	defer stop()

	pub, err := e.newPublisher(ctx)
	if err != nil {
		return err
	}
	defer pub.Close()

	s, err := scheduler.New(pub, c.Duration("interval"), trigger.JobTypeGTFSSync, c.Bool("force"), e.log)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

func runMigrate(c *cli.Context) error {
	e, err := setup(c, "migrate")
	if err != nil {
		return err
	}
	defer e.close()

	pool, err := e.openPool(c.Context, false)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := storage.RunMigrations(pool, e.cfg.Database.MigrationsPath); err != nil {
		return err
	}
	fmt.Println(color.GreenString("Migrations applied"))
	return nil
}
