package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"attendsync/internal/api"
	"attendsync/internal/attendance"
	"attendsync/internal/auth"
	"attendsync/internal/capture"
	"attendsync/internal/config"
	"attendsync/internal/httpmiddleware"
	"attendsync/internal/queue"
	"attendsync/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	release := cfg.Env == "production" || cfg.Env == "prod"
	if release {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, release); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App, release bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local, err := attendance.OpenLocal(cfg.LocalDBPath, cfg.Local())
	if err != nil {
		return err
	}
	defer local.Close()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		if db == nil {
			return err
		}
		log.Printf("warning: db not reachable: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	checks := map[string]api.HealthCheck{
		"local":   local.Healthy,
		"central": db.Healthy,
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(64)
		q = mem
		// Nothing else can drain an in-process queue.
		consumer := capture.NewConsumer(mem, local, cfg.DeviceID, promReg)
		go func() { _ = consumer.Run(ctx) }()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.CaptureQueueKey)
		checks["redis"] = redisClient.Healthy
	}

	signer, err := auth.NewSigner(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		return err
	}

	r := api.NewRouter(api.Deps{
		Local:    local,
		Central:  attendance.NewCentralStore(db.Client),
		Queue:    q,
		Signer:   signer,
		Limiter:  httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		Gatherer: promReg,
		Checks:   checks,
		Release:  release,

		AllowedOrigins: cfg.CORSOrigins,
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	cancel()

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}
