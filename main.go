package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/codemanhq/codeman/src/api"
	"github.com/codemanhq/codeman/src/handler/scheduled"
	"github.com/codemanhq/codeman/src/handler/session"
	"github.com/codemanhq/codeman/src/lib/config"
	"github.com/codemanhq/codeman/src/lib/events"
	"github.com/codemanhq/codeman/src/lib/mux"
	"github.com/codemanhq/codeman/src/lib/state"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Debug(".env file not found")
	}

	configPath := flag.String("config", "codeman.yaml", "Path to the YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	noRequestLog := flag.Bool("no-request-log", false, "Disable HTTP request logging")
	flag.Parse()

	if level, err := logrus.ParseLevel(os.Getenv("CODEMAN_LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	backend, err := mux.Detect(cfg.MuxBinary)
	if err != nil {
		logrus.Fatalf("Failed to detect terminal multiplexer: %v", err)
	}

	store := state.NewStore(filepath.Join(cfg.DataDir, "state.json"))
	if err := store.Load(); err != nil {
		logrus.Fatalf("Failed to load persisted state: %v", err)
	}

	broker := events.NewBroker()
	manager := session.NewManager(cfg, backend, broker, store)
	runs := scheduled.NewManager(manager, store, broker)

	// Adopt durable sessions that survived the previous supervisor run,
	// then restore their scheduled deadlines.
	manager.Discover()
	runs.Restore()

	router := api.SetupRouter(api.Deps{
		Config:  cfg,
		Manager: manager,
		Runs:    runs,
		Broker:  broker,
	}, *noRequestLog)

	// Graceful disposal on SIGINT/SIGTERM; a supervising process may
	// restart us and re-adopt the multiplexer sessions.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logrus.Infof("Received %s, shutting down", sig)
		runs.Shutdown()
		manager.Shutdown()
		broker.Close()
		os.Exit(0)
	}()

	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Fatal supervisor error: %v", r)
			runs.Shutdown()
			manager.Shutdown()
			broker.Close()
			os.Exit(1)
		}
	}()

	logrus.Infof("Starting codeman supervisor on %s", cfg.Addr)
	if err := router.Run(cfg.Addr); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}
