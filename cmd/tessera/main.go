package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zde37/tessera/internal/api"
	"github.com/zde37/tessera/internal/config"
	"github.com/zde37/tessera/internal/grid"
	"github.com/zde37/tessera/internal/transport"
	"github.com/zde37/tessera/pkg"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	host := flag.String("host", "127.0.0.1", "Host address to bind to")
	port := flag.Int("port", 8440, "Port for the gRPC server")
	httpPort := flag.Int("http-port", 8080, "Port for the HTTP API server")
	bootstrap := flag.String("bootstrap", "", "Comma separated peer addresses (host:port) to join")
	partitions := flag.Int("partitions", 0, "Number of key partitions")
	backups := flag.Int("backups", -1, "Backups per partition")
	rack := flag.String("rack", "", "Rack attribute of this node")
	authToken := flag.String("auth-token", "", "Shared secret for node authentication")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "Log format (json, console)")
	logFile := flag.String("log-file", "", "Rotated log file path")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Explicit flags win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "http-port":
			cfg.HTTPPort = *httpPort
		case "bootstrap":
			cfg.BootstrapNodes = splitPeers(*bootstrap)
		case "partitions":
			cfg.Partitions = *partitions
		case "backups":
			cfg.Backups = *backups
		case "rack":
			cfg.Rack = *rack
		case "auth-token":
			cfg.AuthToken = *authToken
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "log-file":
			cfg.LogFile = *logFile
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
		loggerConfig.AsyncWrite = true
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	pkg.SetGlobal(logger)
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Tessera node failed")
		logger.Close()
		os.Exit(1)
	}
	logger.Info().Msg("Tessera node shutdown complete")
}

func run(cfg *config.Config, logger *pkg.Logger) error {
	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("http_port", cfg.HTTPPort).
		Int("partitions", cfg.Partitions).
		Int("backups", cfg.Backups).
		Msg("Starting Tessera node")

	g, err := grid.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create grid: %w", err)
	}

	ctx := context.Background()
	if err := g.Start(ctx); err != nil {
		return fmt.Errorf("start grid: %w", err)
	}

	serverAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	grpcServer, err := transport.NewGRPCServer(g, serverAddr, cfg.AuthToken, logger)
	if err != nil {
		g.Shutdown(ctx)
		return fmt.Errorf("create gRPC server: %w", err)
	}
	if err := grpcServer.Start(); err != nil {
		g.Shutdown(ctx)
		return fmt.Errorf("start gRPC server: %w", err)
	}

	grpcClient := transport.NewGRPCClient(logger, cfg.RPCTimeout, transport.WithAuthToken(cfg.AuthToken))
	router := transport.NewRouter(g, grpcClient, logger)

	httpServer, err := api.NewServer(&api.Config{
		HTTPPort:       cfg.HTTPPort,
		RequestTimeout: cfg.LockTimeout + cfg.RPCTimeout,
	}, g, router, logger)
	if err != nil {
		cleanup(g, router, grpcServer, grpcClient, nil, logger)
		return fmt.Errorf("create HTTP API server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		cleanup(g, router, grpcServer, grpcClient, nil, logger)
		return fmt.Errorf("start HTTP API server: %w", err)
	}

	if len(cfg.BootstrapNodes) > 0 {
		logger.Info().Strs("peers", cfg.BootstrapNodes).Msg("Joining existing grid")

		joinCtx, cancel := context.WithTimeout(ctx, 4*cfg.RPCTimeout)
		err := router.Bootstrap(joinCtx, cfg.BootstrapNodes)
		cancel()
		if err != nil {
			cleanup(g, router, grpcServer, grpcClient, httpServer, logger)
			return fmt.Errorf("join grid: %w", err)
		}
	}

	logger.Info().
		Str("node_id", g.Local().ID.String()).
		Int("members", g.Topology().Snapshot().Size()).
		Int64("version", g.Topology().Version()).
		Msg("Tessera node is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cleanup(g, router, grpcServer, grpcClient, httpServer, logger)
	return nil
}

// cleanup performs graceful shutdown of all components
func cleanup(g *grid.Grid, router *transport.Router, grpcServer *transport.GRPCServer, grpcClient *transport.GRPCClient, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := router.Depart(ctx); err != nil {
		logger.Warn().Err(err).Msg("Some members were not told about the departure")
	}

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	if err := grpcServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping gRPC server")
	}

	if err := g.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down grid")
	}

	if err := grpcClient.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing gRPC client")
	}
}

func splitPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
