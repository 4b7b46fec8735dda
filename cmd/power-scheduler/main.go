package main

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/cloud"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/config"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/devicelink"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/dispatch"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/energy"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/httpapi"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/lease"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/middleware"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/mqtt"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/observability"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/schedule"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/store"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/trigger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
)

const serviceName = "power-scheduler"

func main() {
	cfg, err := config.Load()
	if cfg != nil {
		setupLogging(cfg.LogLevel)
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownObs, promHandler, tracer, err := observability.SetupObservability(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownObs()

	dsn := cfg.Database.DSN
	if dsn == "" && cfg.Database.Driver == "postgres" {
		p := cfg.Postgres
		dsn = store.PostgresDSN(p.User, p.Password, p.DB, p.Host, p.Port, p.SSLMode)
	}
	db, err := store.Open(cfg.Database.Driver, dsn)
	if err != nil {
		slog.Error("db connect failed", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	cloudClient := cloud.New(cloud.Options{
		BaseURL:   cfg.Cloud.BaseURL,
		ClientID:  cfg.Cloud.ClientID,
		Secret:    cfg.Cloud.Secret,
		Timeout:   cfg.Cloud.RequestTimeout,
		OnRequest: observability.ObserveCloudRequest,
	})

	var link *devicelink.Client
	switch cfg.Link.Transport {
	case "mqtt":
		mq, err := mqtt.Connect(mqtt.Options{
			BrokerURL:      cfg.Link.MQTTBrokerURL,
			ClientID:       cfg.Link.MQTTClientID,
			QoS:            byte(cfg.Link.MQTTQoS),
			AutoReconnect:  cfg.Link.AutoReconnect,
			ConnectTimeout: cfg.Link.ConnectTimeout,
			PublishTimeout: cfg.Link.PublishTimeout,
		})
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		link = devicelink.New(mq, repo)
	case "nats":
		nc, err := devicelink.ConnectNATS(devicelink.NATSOptions{
			URL:            cfg.Link.NATSURL,
			Name:           serviceName,
			AutoReconnect:  cfg.Link.AutoReconnect,
			ConnectTimeout: cfg.Link.ConnectTimeout,
			PublishTimeout: cfg.Link.PublishTimeout,
		})
		if err != nil {
			slog.Error("nats connect failed", "error", err)
			os.Exit(1)
		}
		link = devicelink.New(nc, repo)
	default:
		slog.Info("device link disabled")
	}
	if link != nil {
		defer link.Disconnect()
	}

	stop, err := schedule.ParseStopPolicy(cfg.StopPolicy)
	if err != nil {
		slog.Error("invalid stop policy", "error", err)
		os.Exit(1)
	}
	hub := dispatch.NewReportHub(20)
	dopts := dispatch.Options{
		Schedules:     repo,
		Devices:       repo,
		Cloud:         cloudClient,
		Recorder:      repo,
		Hub:           hub,
		Tracer:        tracer,
		Evaluator:     schedule.NewEvaluator(stop),
		Lookahead:     cfg.Lookahead,
		Workers:       cfg.DispatchWorkers,
		DeviceTimeout: cfg.DispatchDeviceTimeout,
	}
	if link != nil {
		dopts.Link = link
	}
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		tl := lease.New(rdb, cfg.Redis.LeaseTTL)
		if err := tl.Ping(ctx); err != nil {
			slog.Warn("redis unreachable, ticks run unguarded until it recovers", "addr", addr, "error", err)
		}
		dopts.Guard = tl
	}
	dispatcher := dispatch.New(dopts)

	var pubKey *rsa.PublicKey
	if path := strings.TrimSpace(cfg.JWTPublicKeyPath); path != "" {
		pubKey, err = middleware.LoadRSAPublicKey(path)
		if err != nil {
			slog.Error("failed to load jwt public key", "path", path, "error", err)
			os.Exit(1)
		}
	}

	apiOpts := httpapi.Options{
		Ticks:          dispatcher,
		History:        repo,
		Energy:         energy.NewCollector(repo, cloudClient, repo),
		LinkTransport:  cfg.Link.Transport,
		Hub:            hub,
		PubKey:         pubKey,
		TickResolution: cfg.TickResolution,
	}
	if link != nil {
		apiOpts.Link = link
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Trace-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(observability.MetricsAndTracingMiddleware(tracer, serviceName))
	httpapi.New(apiOpts).Routes(r)
	r.Handle("/metrics", promHandler)

	runner := trigger.New(dispatcher, trigger.Options{Spec: cfg.TickCron, Resolution: cfg.TickResolution})
	if err := runner.Start(ctx); err != nil {
		slog.Error("tick trigger failed", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("power-scheduler listening", "addr", httpSrv.Addr, "link", cfg.Link.Transport, "stop_policy", stop)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	cancel()
	runner.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
