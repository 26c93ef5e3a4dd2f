// Command llmlb-server runs the gateway: it wires every collaborator
// package into one process and serves the OpenAI-compatible inference
// surface and the management API over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/llmlb/gateway/pkg/api"
	"github.com/llmlb/gateway/pkg/audit"
	"github.com/llmlb/gateway/pkg/auth"
	"github.com/llmlb/gateway/pkg/cleanup"
	"github.com/llmlb/gateway/pkg/config"
	"github.com/llmlb/gateway/pkg/dashboard"
	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/events"
	"github.com/llmlb/gateway/pkg/history"
	"github.com/llmlb/gateway/pkg/lock"
	"github.com/llmlb/gateway/pkg/modelhub"
	"github.com/llmlb/gateway/pkg/prober"
	"github.com/llmlb/gateway/pkg/proxy"
	"github.com/llmlb/gateway/pkg/ratelimit"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/store"
	"github.com/llmlb/gateway/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// runStop implements `llmlb-server stop --port <port>`: signal the running
// instance serving that port (found via its lock file) to shut down
// gracefully.
func runStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	port := fs.Int("port", 8080, "Port of the server instance to stop")
	_ = fs.Parse(args)

	info, err := lock.Stop(*port)
	if err != nil {
		if errors.Is(err, lock.ErrNotRunning) {
			log.Fatalf("no running server found for port %d", *port)
		}
		log.Fatalf("failed to stop server on port %d: %v", *port, err)
	}
	fmt.Printf("sent shutdown signal to pid %d (port %d, started %s)\n",
		info.PID, info.Port, info.StartedAt.Format(time.RFC3339))
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "stop" {
		runStop(os.Args[2:])
		return
	}

	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("no .env file at %s, continuing with existing environment", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	gin.SetMode(cfg.Server.GinMode)
	slog.Info("starting llmlb-server", "version", version.Full(), "port", cfg.Server.Port)

	l, err := lock.Acquire(cfg.Server.Port)
	if err != nil {
		log.Fatalf("failed to acquire server lock: %v", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			slog.Error("failed to release server lock", "error", err)
		}
	}()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load database config: %v", err)
	}
	primaryDB, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("failed to connect to primary database: %v", err)
	}
	defer func() {
		if err := primaryDB.Close(); err != nil {
			slog.Error("error closing primary database", "error", err)
		}
	}()

	var archiveDB *database.Client
	if cfg.Database.ArchiveDSN != "" {
		archiveCfg := dbCfg
		archiveCfg.DSN = cfg.Database.ArchiveDSN
		archiveDB, err = database.NewClient(ctx, archiveCfg)
		if err != nil {
			log.Fatalf("failed to connect to archive database: %v", err)
		}
		defer func() {
			if err := archiveDB.Close(); err != nil {
				slog.Error("error closing archive database", "error", err)
			}
		}()
	}

	st := store.New(primaryDB, archiveDB)

	var rdb *redis.Client
	if cfg.ModelHub.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.ModelHub.RedisAddr})
		defer func() {
			if err := rdb.Close(); err != nil {
				slog.Error("error closing redis client", "error", err)
			}
		}()
	}

	bus := events.New()

	reg := registry.New(st, bus)
	if err := reg.Reload(ctx); err != nil {
		log.Fatalf("failed to load endpoints from store: %v", err)
	}

	historyWriter := history.New(st, history.Config{
		BatchSize:     cfg.History.BatchSize,
		FlushInterval: cfg.History.FlushInterval,
		QueueDepth:    cfg.History.QueueDepth,
		RetentionDays: cfg.History.RetentionDays,
		PruneInterval: cfg.History.CleanupInterval,
	})
	historyWriter.Start(ctx)
	defer historyWriter.Stop()

	auditWriter := audit.New(st, audit.Config{
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		QueueDepth:    cfg.Audit.QueueDepth,
	})
	auditWriter.Start(ctx)
	defer auditWriter.Stop()

	// No overall client timeout: per-request deadlines come from each
	// endpoint's inference timeout, and an overall timeout would abort
	// long-lived SSE streams mid-flight. Connect and response-header
	// timeouts still guard hang scenarios.
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: cfg.Server.ConnectTimeout}).DialContext,
			ResponseHeaderTimeout: cfg.Server.HeaderTimeout,
			ForceAttemptHTTP2:     true,
		},
	}

	prb := prober.New(reg, httpClient)
	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()
	go prb.Start(probeCtx)

	px := proxy.New(reg, bus, historyWriter, auditWriter, httpClient)

	limiter := ratelimit.New(ratelimit.Config{MaxInFlight: cfg.Server.MaxInFlight}, rdb)

	jwtSecret := []byte(os.Getenv(cfg.Auth.JWTSigningKeyEnv))
	if len(jwtSecret) == 0 {
		log.Fatalf("JWT signing key not set: expected env var %s", cfg.Auth.JWTSigningKeyEnv)
	}
	authn := auth.New(st, jwtSecret, cfg.Auth.SessionTTL)

	hubOpts := []modelhub.Option{modelhub.WithFanoutLimit(cfg.ModelHub.MaxConcurrentHub)}
	if rdb != nil {
		hubOpts = append(hubOpts, modelhub.WithRedis(rdb))
	}
	hub := modelhub.New(st, reg, hubOpts...)
	downloads := modelhub.NewDownloadManager(st, reg, bus, httpClient)

	dash := dashboard.NewHub(bus)
	dashCtx, cancelDash := context.WithCancel(ctx)
	defer cancelDash()
	go dash.Run(dashCtx)

	cleanupCfg := cleanup.DefaultConfig()
	cleanupCfg.RequestHistoryRetentionDays = cfg.History.RetentionDays
	cleanupCfg.HealthCheckRetention = time.Duration(cfg.Retention.HealthCheckRetentionDays) * 24 * time.Hour
	cleanupCfg.AuditArchiveAfter = time.Duration(cfg.Audit.ArchiveAfterDays) * 24 * time.Hour
	if cfg.Retention.CronSchedule != "" {
		cleanupCfg.RequestHistorySchedule = cfg.Retention.CronSchedule
		cleanupCfg.HealthCheckSchedule = cfg.Retention.CronSchedule
		cleanupCfg.AuditArchiveSchedule = cfg.Retention.CronSchedule
	}
	cleanupSvc := cleanup.NewService(st, cleanupCfg)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	router := api.NewRouter(api.Dependencies{
		Store:     st,
		Registry:  reg,
		Proxy:     px,
		Limiter:   limiter,
		Authn:     authn,
		ModelHub:  hub,
		Downloads: downloads,
		Dashboard: dash,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.HeaderTimeout,
	}

	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown signal received, draining in-flight requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown did not complete cleanly", "error", err)
	}
	slog.Info("shutdown complete")
}
