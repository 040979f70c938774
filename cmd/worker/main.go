package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendsync/internal/attendance"
	"attendsync/internal/capture"
	"attendsync/internal/config"
	"attendsync/internal/queue"
	"attendsync/internal/registrar"
	"attendsync/internal/store"
	"attendsync/internal/syncer"
)

// Worker records captures from the queue and runs the sync scheduler.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	local, err := attendance.OpenLocal(cfg.LocalDBPath, cfg.Local())
	if err != nil {
		log.Fatalf("local store open failed: %v", err)
	}
	defer local.Close()

	// The device must keep capturing while the central store is down.
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		if db == nil {
			log.Fatalf("central store config invalid: %v", err)
		}
		log.Printf("warning: central store not reachable: %v", err)
	}
	defer db.Close()
	central := attendance.NewCentralStore(db.Client)

	reg := registrar.New(cfg.RegistrarURL, cfg.RegistrarAPIKey, cfg.RegistrarTimeout)
	if err := reg.Health(ctx); err != nil {
		log.Printf("warning: registrar not available: %v", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var q queue.Queue
	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if cfg.QueueBackend == "memory" {
		log.Println("memory queue backend: captures are accepted by the api process only")
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.CaptureQueueKey)
	}

	orch := syncer.New(cfg.Sync(), local, central,
		reg, syncer.NewTCPProber(cfg.ProbeAddr, cfg.ProbeTimeout),
		syncer.WithMetrics(syncer.NewMetrics(promReg)))
	consumer := capture.NewConsumer(q, local, cfg.DeviceID, promReg)

	metricsSrv := newMetricsServer(cfg, promReg, map[string]func(context.Context) bool{
		"local":   local.Healthy,
		"central": db.Healthy,
		"redis":   redisClient.Healthy,
	})
	go func() {
		log.Printf("metrics listening on :%s", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = consumer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = syncer.NewScheduler(orch).Run(ctx)
	}()

	log.Printf("worker started for device %s", cfg.DeviceID)
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Println("worker stopped")
}

func newMetricsServer(cfg config.App, gatherer prometheus.Gatherer, checks map[string]func(context.Context) bool) *http.Server {
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		result := gin.H{}
		for name, check := range checks {
			ok := check(c.Request.Context())
			result[name] = ok
			// Only the local store is required while the device is offline.
			if name == "local" && !ok {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, result)
	})
	return &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
