package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t8nlab/titan/internal/action"
	"github.com/t8nlab/titan/internal/async"
	"github.com/t8nlab/titan/internal/config"
	"github.com/t8nlab/titan/internal/dispatch"
	"github.com/t8nlab/titan/internal/engine"
	"github.com/t8nlab/titan/internal/extension"
	"github.com/t8nlab/titan/internal/logging"
	"github.com/t8nlab/titan/internal/metrics"
	"github.com/t8nlab/titan/internal/observability"
	"github.com/t8nlab/titan/internal/sharecontext"
	"github.com/t8nlab/titan/internal/utils"
	"github.com/t8nlab/titan/internal/worker"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the action server",
		RunE:  runServe,
	}
	return cmd
}

func runServe(_ *cobra.Command, _ []string) error {
	env := config.LoadEnv()
	log := logging.Init(env.DevMode)
	defer log.Sync()

	settings, _ := config.LoadRoutesFile("routes.json")

	projectRoot := config.ProjectRoot()
	registry := extension.Load(config.ExtensionRoots(projectRoot))

	actionsDir, _ := config.FirstExistingDir(
		config.ActionDirSearchOrder(env.ActionsDir, projectRoot))
	actions := action.Scan(actionsDir)
	fastPaths := action.BuildFastPaths(actions)
	metrics.ActionsRegistered.Set(float64(len(actions)))
	metrics.FastPathsRegistered.Set(float64(len(fastPaths)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "")
	if err != nil {
		log.Warn("tracing setup failed, continuing without", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	executor := async.New(projectRoot)
	go executor.Run(ctx)
	defer executor.Close()

	share := sharecontext.New()

	threads := settings.Threads
	if threads <= 0 {
		threads = worker.DefaultWorkerCount()
	}

	pool := worker.NewPool(threads, settings.StackMB, executor.Requests, executor.EnsurePool,
		func(id int, host *worker.Worker) worker.Runner {
			return engine.New(engine.Config{
				ID:          id,
				ProjectRoot: projectRoot,
				Share:       share,
				Extensions:  registry,
				Host:        host,
				Actions:     actions,
			})
		})
	defer pool.Close()

	go reportQueueDepths(ctx, pool)

	port := env.Port
	if port == "" {
		port = settings.Port
	}
	if port == "" {
		port = "3000"
	}

	dispatcher := dispatch.New(settings.Table, fastPaths, pool, !env.DevMode)

	mux := http.NewServeMux()
	mux.Handle("/", dispatcher)
	if metricsPort := os.Getenv("TITAN_METRICS_PORT"); metricsPort != "" {
		go serveMetrics(log, metricsPort)
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	fmt.Printf("%s http://localhost:%s  %s\n",
		utils.Blue("Titan server running at:"),
		port,
		utils.Gray(fmt.Sprintf("(Threads: %d, Stack: %dMB%s)",
			threads, settings.StackMB, devSuffix(env.DevMode))))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown incomplete", zap.Error(err))
		}
	}
	return nil
}

func devSuffix(dev bool) string {
	if dev {
		return ", Dev Mode"
	}
	return ""
}

func serveMetrics(log *logging.Logger, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Warn("metrics listener failed", zap.Error(err))
	}
}

func reportQueueDepths(ctx context.Context, pool *worker.Pool) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i, depth := range pool.QueueDepths() {
				metrics.WorkerQueueDepth.WithLabelValues(strconv.Itoa(i)).Set(float64(depth))
			}
		}
	}
}
