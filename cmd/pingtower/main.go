package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pingtower/core/pkg/config"
	"github.com/pingtower/core/pkg/database"
	"github.com/pingtower/core/pkg/gate"
	"github.com/pingtower/core/pkg/incident"
	"github.com/pingtower/core/pkg/metrics"
	"github.com/pingtower/core/pkg/monitor"
	"github.com/pingtower/core/pkg/notifier"
	"github.com/pingtower/core/pkg/prober"
	"github.com/pingtower/core/pkg/scheduler"
)

func main() {
	log.Println("starting pingtower...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := database.NewDB(cfg.Database.Path, cfg.Database.WALMode)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer db.Close()

	p := prober.New(prober.Config{
		ConnectTimeoutS: cfg.Prober.ConnectTimeoutS,
		MaxAttempts:     cfg.Prober.MaxAttempts,
		BaseBackoffMS:   cfg.Prober.BaseBackoffMS,
		JitterMS:        cfg.Prober.JitterMS,
		SSLVerify:       cfg.Prober.SSLVerify,
		CABundle:        cfg.Prober.CABundle,
		InsecureRetry:   cfg.Prober.InsecureRetry,
	})

	gates := gate.New(cfg.Gates.GlobalConcurrency, cfg.Gates.GlobalRPS, cfg.ServiceLimitRules())
	log.Printf("configured %s", gates)

	notify := notifier.FromEnv(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID, cfg.Notify.WebhookURL)
	engine := incident.New(db.IncidentRepository(), notify)

	m := metrics.New()

	sched := scheduler.New(
		scheduler.Config{
			TickSeconds:     cfg.Scheduler.TickSeconds,
			TTLCleanupHours: cfg.Scheduler.TTLCleanupHours,
		},
		db.TargetRepository(),
		db.ResultRepository(),
		engine,
		p,
		gates,
		m,
	)

	ctx, cancelScheduler := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	mon := monitor.New(cfg, db, sched, m)

	if os.Getenv("PINGTOWER_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	mon.RegisterRoutes(r)

	server := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        r,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Printf("management API listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}

	cancelScheduler()
	<-schedDone

	log.Println("pingtower shutdown complete")
}
