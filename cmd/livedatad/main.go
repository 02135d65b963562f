// Command livedatad runs the reactive-data server: a WebSocket endpoint
// speaking the DDP-style protocol over a MongoDB-compatible store, plus
// an optional Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"livedata/config"
	"livedata/core"
	"livedata/server"
	"livedata/store"
)

func main() {
	memoryStore := flag.Bool("memory", false, "use the in-memory store instead of MongoDB")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		core.Error("Configuration invalid", zap.Error(err))
		os.Exit(1)
	}
	configureLogger(cfg.LogLevel)

	st, cleanup, err := openStore(cfg, *memoryStore)
	if err != nil {
		core.Error("Store connection failed", zap.Error(err))
		os.Exit(1)
	}
	defer cleanup()

	opts := server.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		PollingThrottle:   cfg.PollingThrottle,
		PollingInterval:   cfg.PollingInterval,
		ForwardedCount:    cfg.HTTPForwardedCount,
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		opts.MetricsRegistry = registry

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			core.Info("Metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				core.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	srv := server.New(st, opts)

	mux := http.NewServeMux()
	if !cfg.DisableWebsockets {
		mux.Handle("/websocket", server.WebSocketHandler(srv))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		core.Info("Server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			core.Error("HTTP server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	core.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	srv.Close()
}

func configureLogger(level string) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		core.Warn("Unknown log level, keeping info", zap.String("level", level))
		return
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return
	}
	core.SetLogger(logger)
}

func openStore(cfg config.Config, memory bool) (store.Store, func(), error) {
	if memory {
		return store.NewMemoryStore(), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}
	st := store.NewMongoStore(client, cfg.MongoDatabase)
	cleanup := func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = st.Close(closeCtx)
	}
	return st, cleanup, nil
}
