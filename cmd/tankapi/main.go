// Command tankapi is the orchestrator's main process: it runs the API
// Front-End and the Manager side by side and spawns one tankworker
// subprocess per session.
//
// Usage:
//
//	tankapi -config tankapi.yaml
//	tankapi -addr :8888 -tests-dir ./tests
//
// When invoked as "tankapi tankworker ...", it instead runs as the isolated
// Worker process the Manager spawns; see internal/workerproc.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yandex-tank-api/tankapi/config"
	"github.com/yandex-tank-api/tankapi/httpapi"
	"github.com/yandex-tank-api/tankapi/internal/logging"
	"github.com/yandex-tank-api/tankapi/internal/workerproc"
	"github.com/yandex-tank-api/tankapi/manager"
	"github.com/yandex-tank-api/tankapi/observability"
	"github.com/yandex-tank-api/tankapi/queue"
	"github.com/yandex-tank-api/tankapi/session"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "tankworker" {
		os.Exit(workerproc.Run(os.Args[2:]))
	}
	os.Exit(runServer())
}

func runServer() int {
	configPath := flag.String("config", "", "path to a tankapi.yaml config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	testsDir := flag.String("tests-dir", "", "session working directory root (overrides config)")
	disposable := flag.Bool("disposable", false, "exit after the first session completes")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tankapi: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *testsDir != "" {
		cfg.TestsDir = *testsDir
	}
	if *disposable {
		cfg.Disposable = true
	}
	if *debug {
		cfg.Debug = true
	}

	logger := logging.New(cfg.Debug)
	logger.Info("tankapi_starting", "addr", cfg.ListenAddr, "tests_dir", cfg.TestsDir, "disposable", cfg.Disposable)

	if err := os.MkdirAll(cfg.TestsDir, 0o755); err != nil {
		logger.Error("tests_dir_create_failed", "error", err)
		return 1
	}

	shutdownTracer, err := observability.InitTracer("tankapi", cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		logger.Warn("tracer_init_failed", "error", err)
		shutdownTracer = func(context.Context) error { return nil }
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	managerQueue := queue.New[manager.Inbound]("manager_queue", 64)
	webserverQueue := queue.New[session.StatusMessage]("webserver_queue", 64)

	managerCfg := manager.DefaultConfig(cfg.TestsDir)
	managerCfg.Disposable = cfg.Disposable
	mgr := manager.New(
		managerCfg,
		logger,
		func() manager.Runner { return manager.NewProcessRunner(self, logger) },
		managerQueue,
		webserverQueue,
	)

	apiCfg := httpapi.DefaultConfig(cfg.TestsDir)
	apiCfg.ListenAddr = cfg.ListenAddr
	apiCfg.DefaultHeartbeat = cfg.Heartbeat()
	server := httpapi.New(apiCfg, logger, managerQueue, webserverQueue)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- mgr.Run(ctx) }()
	go func() { errCh <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			logger.Error("component_exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("manager_shutdown_failed", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer_shutdown_failed", "error", err)
	}

	logger.Info("tankapi_stopped")
	return 0
}
