package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tablesync/tablesync/internal/config"
	"github.com/tablesync/tablesync/internal/health"
	"github.com/tablesync/tablesync/internal/logging"
	"github.com/tablesync/tablesync/internal/metrics"
	"github.com/tablesync/tablesync/internal/room"
	"github.com/tablesync/tablesync/internal/security"
	"github.com/tablesync/tablesync/internal/server"
	"github.com/tablesync/tablesync/internal/setup"
	"github.com/tablesync/tablesync/internal/storage"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tablesync",
		Short: "Room session server for shared tabletop documents over WebSockets",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the room session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tablesync %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s%s<roomId>\n", cfg.Server.ListenAddress, cfg.Server.PathPrefix)
			fmt.Printf("  Storage: %s (compression: %s)\n", cfg.Storage.Driver, cfg.Storage.Compression)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Empty room grace: %s\n", cfg.Room.EmptyRoomGrace)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8788/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/tablesync/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	lj := logging.Setup(cfg.Logging)
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting tablesync",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"storage", cfg.Storage.Driver,
		"health", cfg.Health.ListenAddress,
	)

	store, err := storage.Open(storage.Options{
		Driver:      cfg.Storage.Driver,
		Compression: cfg.Storage.Compression,
		Redis: storage.RedisOptions{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		},
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Room.StorageTimeout)
	err = store.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	var rl *security.RateLimiter
	if cfg.Security.ConnectionRateLimit.Enabled {
		rl = security.NewRateLimiter(cfg.Security.ConnectionRateLimit.ConnectionsPerMinute, nil)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.ConnectionRateLimit.ConnectionsPerMinute,
		)
	}

	rooms := room.NewManager(room.Options{
		Config:  cfg.Room,
		Store:   store,
		Metrics: m,
	})
	tracker := server.NewTracker()
	handler := server.NewHandler(cfg, rooms, tracker, rl, m)

	// The handler routes both /signal/<roomId> and ?room=<roomId> itself.
	wsServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(rooms, tracker, store, Version, cfg.Health.Detailed)
		healthHandler.SetMetrics(m)
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)

		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		healthServer = &http.Server{
			Addr:              cfg.Health.ListenAddress,
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("websocket server listening", "address", cfg.Server.ListenAddress, "path", cfg.Server.PathPrefix)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("websocket server error", "error", err)
		}
	}()

	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Watchdog keepalive every 15s for WatchdogSec=30s.
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}

			for _, w := range config.IsReloadSafe(cfg, newCfg) {
				slog.Warn("config reload warning", "warning", w)
			}

			cfg = cfg.ApplyReloadableFields(newCfg)
			handler.UpdateConfig(cfg)
			logging.SetLevel(cfg.Logging.Level)

			if rl != nil {
				rl.UpdateRate(cfg.Security.ConnectionRateLimit.ConnectionsPerMinute)
			} else if cfg.Security.ConnectionRateLimit.Enabled {
				slog.Warn("enabling connection rate limiting requires restart")
			}

			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining rooms",
				"signal", sig.String(),
				"rooms", rooms.RoomCount(),
				"connections", tracker.ConnectionCount(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
			defer cancel()

			handler.StartDrain()
			rooms.Close(ctx)

			var wg sync.WaitGroup
			if healthServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					healthServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				wsServer.Shutdown(ctx)
			}()
			wg.Wait()

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=tablesync - Room session server
After=network-online.target redis.service
Wants=network-online.target

[Service]
Type=notify
User=tablesync
Group=tablesync
ExecStartPre=/usr/local/bin/tablesync validate --config /etc/tablesync/config.yaml
ExecStart=/usr/local/bin/tablesync start --config /etc/tablesync/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s
TimeoutStopSec=45s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/tablesync
LogsDirectory=tablesync
StateDirectory=tablesync
LimitNOFILE=65535

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=tablesync

[Install]
WantedBy=multi-user.target
`)
}
