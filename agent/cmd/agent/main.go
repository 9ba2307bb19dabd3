// Command agent sends heartbeats for an endpoint instance.
//
// # Usage
//
//	agent --endpoint Sales --redis redis://queue.internal:6379/0
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (SVCMON_AGENT_*)
// - Config file (--config)
//
// # Examples
//
// Run with flags:
//
//	agent --endpoint Sales \
//	      --redis redis://queue.internal:6379/0 \
//	      --queue heartbeats \
//	      --interval 10s
//
// Run with config file:
//
//	agent --config /etc/svcmon/agent.yaml
//
// Run with environment variables:
//
//	SVCMON_AGENT_ENDPOINT_NAME=Sales \
//	SVCMON_AGENT_REDIS_URL=redis://queue.internal:6379/0 \
//	agent
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/svcmon/agent"
	"github.com/pilot-net/svcmon/agent/internal/config"
)

func main() {
	// Parse flags
	var (
		configFile = flag.String("config", "", "Path to config file")
		endpoint   = flag.String("endpoint", "", "Logical endpoint name")
		hostName   = flag.String("host", "", "Host name to report (default: machine hostname)")
		redisURL   = flag.String("redis", "", "Redis URL of the queue transport")
		queueName  = flag.String("queue", "", "Heartbeat queue name")
		interval   = flag.Duration("interval", 0, "Heartbeat interval")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	// Print version
	if *version {
		fmt.Printf("svcmon-agent %s\n", agent.Version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load configuration
	cfg := config.DefaultConfig()

	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		logger.Error("invalid environment", "error", err)
		os.Exit(1)
	}

	// Apply flag overrides
	if *endpoint != "" {
		cfg.Endpoint.Name = *endpoint
	}
	if *hostName != "" {
		cfg.Endpoint.Host = *hostName
	}
	if *redisURL != "" {
		cfg.Transport.RedisURL = *redisURL
	}
	if *queueName != "" {
		cfg.Transport.HeartbeatQueue = *queueName
	}
	if *interval != 0 {
		cfg.Heartbeat.Interval = *interval
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Set up signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	stats := a.Stats()
	logger.Info("agent shutdown complete", "sent", stats.Sent, "failed", stats.Failed)
}
