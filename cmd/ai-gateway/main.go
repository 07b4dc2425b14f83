package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lemonhall/ai-gateway/internal/config"
	"github.com/lemonhall/ai-gateway/internal/failover"
	"github.com/lemonhall/ai-gateway/internal/forward"
	"github.com/lemonhall/ai-gateway/internal/history"
	"github.com/lemonhall/ai-gateway/internal/prober"
	"github.com/lemonhall/ai-gateway/internal/routing"
	"github.com/lemonhall/ai-gateway/internal/server"
	"github.com/lemonhall/ai-gateway/internal/stats"
	"github.com/lemonhall/ai-gateway/internal/status"
)

// Application wires every component of the gateway together.
type Application struct {
	config    *config.Config
	server    *server.Server
	prober    *prober.Prober
	history   *history.Store
	publisher *status.Publisher
	logger    *logrus.Logger
}

// NewApplication creates a fully wired application instance.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to build provider registry: %w", err)
	}

	configured := 0
	for _, p := range reg.Providers() {
		if p.Configured() {
			configured++
			logger.WithFields(logrus.Fields{
				"provider": p.Name,
				"model":    p.Model,
			}).Info("Provider configured")
		} else {
			logger.WithField("provider", p.Name).Warn("Provider credential missing, skipping")
		}
	}
	if configured == 0 {
		logger.Warn("No provider credentials found - every request will fail until one is set")
	}

	store := stats.NewStore(reg.Names())
	router := routing.NewRouter(reg, store, logger)
	forwarder := forward.New(store, cfg.Gateway.ForwardTimeout, logger)
	coordinator := failover.NewCoordinator(reg, forwarder, logger)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	app.prober = prober.New(reg, store, router, prober.Config{
		Interval:      cfg.Gateway.ProbeInterval,
		ErrorInterval: cfg.Gateway.ProbeErrorInterval,
		Timeout:       cfg.Gateway.ProbeTimeout,
	}, logger)

	if cfg.Monitor.History.Enabled {
		hist, err := history.Open(cfg.Monitor.History.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open probe history: %w", err)
		}
		app.history = hist
		app.prober.AddSink(hist)
	}

	if cfg.Monitor.MQTT.Enabled {
		pub, err := status.NewPublisher(cfg.Monitor.MQTT, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect status publisher: %w", err)
		}
		app.publisher = pub
		app.prober.AddSink(pub)
	}

	srv, err := server.NewServer(reg, store, router, coordinator, app.history, cfg.Validation, cfg.Server, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	app.server = srv

	return app, nil
}

// Run starts the prober and the HTTP server, then blocks until a
// shutdown signal arrives.
func (app *Application) Run() error {
	app.logger.Info("Starting AI gateway")

	proberCtx, stopProber := context.WithCancel(context.Background())
	proberDone := make(chan struct{})
	go func() {
		defer close(proberDone)
		app.prober.Run(proberCtx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		stopProber()
		<-proberDone
		return err
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown")

	// The prober must observe cancellation promptly; give it a bounded
	// wait before the server drains.
	stopProber()
	select {
	case <-proberDone:
	case <-time.After(5 * time.Second):
		app.logger.Warn("Prober did not stop within grace window")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if app.publisher != nil {
		app.publisher.Close()
	}
	if app.history != nil {
		if err := app.history.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close probe history")
		}
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration.
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// printUsage prints application usage information.
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY            deepseek credential\n")
	fmt.Fprintf(os.Stderr, "  SILICONFLOW_API_KEY       siliconflow credential\n")
	fmt.Fprintf(os.Stderr, "  HUOSHAN_API_KEY           huoshan credential\n")
	fmt.Fprintf(os.Stderr, "  TENCENT_API_KEY           tencent credential\n")
	fmt.Fprintf(os.Stderr, "  DASHSCOPE_API_KEY         bailian credential\n")
	fmt.Fprintf(os.Stderr, "  AI_GATEWAY_PORT           server port (default: 8000)\n")
	fmt.Fprintf(os.Stderr, "  AI_GATEWAY_LOG_LEVEL      log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  AI_GATEWAY_LOG_FORMAT     log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  AI_GATEWAY_PROBE_INTERVAL probe cadence, e.g. 300s\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *version {
		fmt.Printf("AI Gateway v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
