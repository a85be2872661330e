// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dflexy/metarr/internal/admission"
	"github.com/dflexy/metarr/internal/api"
	"github.com/dflexy/metarr/internal/breaker"
	"github.com/dflexy/metarr/internal/buildinfo"
	"github.com/dflexy/metarr/internal/cache"
	"github.com/dflexy/metarr/internal/config"
	"github.com/dflexy/metarr/internal/domain"
	"github.com/dflexy/metarr/internal/kv"
	"github.com/dflexy/metarr/internal/metadata"
	"github.com/dflexy/metarr/internal/metrics"
	"github.com/dflexy/metarr/internal/tracker"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "metarr",
		Short: "Torrent metadata and peer count resolution service",
		Long: `metarr - Resolves torrent metadata by info hash from a .torrent
mirror and live peer counts from UDP trackers, with tiered caching
and overload protection for the upstreams.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/metarr/ or %APPDATA%\\metarr\\). For backward compatibility, can also be a direct path to a .toml file")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		runServer(configDir, logPath)
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of metarr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/metarr/config.toml
- Windows: %APPDATA%\metarr\config.toml

You can specify either a directory path or a direct file path:
- Directory: metarr generate-config --config-dir /path/to/config/
- File: metarr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func runServer(configDir, logPath string) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	if logPath != "" {
		os.Setenv("METARR__LOG_PATH", logPath)
		cfg.Config.LogPath = logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting metarr")

	// Shared store is optional: without Redis every instance runs on its
	// process-local caches and breaker state alone.
	var store kv.Store
	if cfg.Config.RedisAddr != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		redisStore, err := kv.NewRedisStore(connectCtx, cfg.Config.RedisAddr, cfg.Config.RedisPassword, cfg.Config.RedisDB)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Config.RedisAddr).Msg("Failed to connect to Redis")
		}
		defer redisStore.Close()
		store = redisStore
		log.Info().Str("addr", cfg.Config.RedisAddr).Msg("Connected to Redis shared store")
	} else {
		log.Warn().Msg("No Redis configured, caches and circuit state are process-local")
	}

	tiered := cache.New(store, cache.Config{
		LocalSize:   cfg.Config.LocalCache.Size,
		LocalTTL:    cfg.Config.LocalCache.TTL(),
		NotFoundTTL: cfg.Config.Mirror.FailureTTL(),
		NoSizeTTL:   cfg.Config.Mirror.NoSizeTTL(),
		OverloadTTL: cfg.Config.Mirror.OverloadTTL(),
	})

	brk := breaker.New(store, breaker.Config{
		TimeoutThreshold:  cfg.Config.Breaker.TimeoutThreshold,
		OverloadThreshold: cfg.Config.Breaker.OverloadThreshold,
		CounterTTL:        cfg.Config.Breaker.CounterTTL(),
		Cooldown:          cfg.Config.Breaker.Cooldown(),
	})

	sem := admission.New(cfg.Config.Mirror.MaxConcurrent)
	cfg.RegisterReloadListener(func(conf *domain.Config) {
		sem.Resize(conf.Mirror.MaxConcurrent)
	})

	var m *metrics.Metrics
	errorChannel := make(chan error)

	if cfg.Config.MetricsEnabled {
		registry := prometheus.NewRegistry()
		m = metrics.New(registry)
		brk.SetTripHook(func(class string) {
			m.BreakerTrips.WithLabelValues(class).Inc()
		})

		go func() {
			metricsServer := metrics.NewServer(registry, cfg.Config.MetricsHost, cfg.Config.MetricsPort)
			errorChannel <- metricsServer.ListenAndServe()
		}()
	}

	metadataResolver := metadata.NewResolver(cfg.Config.Mirror, tiered, brk, sem, m)

	listProvider := tracker.NewListProvider(store, brk, cfg.Config.Tracker)
	peerResolver := tracker.NewPeerResolver(cfg.Config.Tracker, tiered, listProvider, sem, m)

	httpServer := api.NewServer(&api.Dependencies{
		Config:           cfg.Config,
		Version:          buildinfo.Version,
		Store:            store,
		MetadataResolver: metadataResolver,
		PeerResolver:     peerResolver,
	})

	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")

		os.Exit(1)
	}

	os.Exit(0)
}
