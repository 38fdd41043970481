// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/AleutianAI/AleutianInquiry/pkg/logging"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/chunk"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/config"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/engine"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/handlers"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/observability"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/registry"
	"github.com/AleutianAI/AleutianInquiry/services/inquiry/routes"
	badgerstore "github.com/AleutianAI/AleutianInquiry/services/inquiry/store/badger"
)

// shutdownTimeout bounds graceful drain of HTTP and the registry.
const shutdownTimeout = 30 * time.Second

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if endpoint == "" {
		endpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("inquiry-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	cfg, err := config.Load(os.Getenv("INQUIRY_CONFIG"))
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		LogDir:  cfg.LogDir,
		Service: "inquiry",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	cleanup, err := initTracer(cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("FATAL: failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	storeCfg := badgerstore.DefaultConfig(cfg.DataDir)
	storeCfg.MaxRecordSize = cfg.MaxRecordSize
	storeCfg.Logger = logger.Logger
	recordStore, err := badgerstore.Open(storeCfg)
	if err != nil {
		log.Fatalf("FATAL: could not open the session store: %v", err)
	}
	defer recordStore.Close()

	codec := chunk.NewCodec(recordStore, chunk.WithLogger(logger.Logger))
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	// The echo engine stands in until a real reasoning engine is
	// attached; the boundary is the engine.Engine interface.
	eng := &engine.EchoEngine{StepDelay: 100 * time.Millisecond}

	mgr := registry.NewManager(registry.Config{
		MaxActiveSessions: cfg.MaxActiveSessions,
		IdleTimeout:       cfg.IdleTimeout,
		FeedCapacity:      cfg.FeedCapacity,
	}, eng, codec, metrics, logger.Logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("inquiry-service"))
	routes.SetupRoutes(router, handlers.StreamConfig{
		Manager:   mgr,
		Metrics:   metrics,
		Logger:    logger.Logger,
		Heartbeat: cfg.HeartbeatInterval,
	}, prometheus.DefaultGatherer)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("inquiry service listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("registry shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}
