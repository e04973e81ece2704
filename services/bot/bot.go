// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bot assembles the public edge of the retrieval service.
//
// # Description
//
// The bot service fronts the tenant engine registry over HTTP: chat
// (request/response and WebSocket streaming), lead and contact
// exports, and the freshness endpoints the crawl scheduler calls
// after a run. One process serves every tenant; per-tenant isolation
// lives below, in the registry and the engines it caches.
//
// # Construction
//
//	svc, err := bot.New(bot.Config{Port: 8000, ServiceSecret: secret})
//	if err != nil {
//	    return err
//	}
//	if err := svc.Run(); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// The service is built once on the main goroutine; after Run, gin
// serves requests concurrently and every shared structure below the
// handlers carries its own locking.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/Tidepool/services/bot/handlers"
	"github.com/AleutianAI/Tidepool/services/bot/middleware"
	"github.com/AleutianAI/Tidepool/services/bot/observability"
	"github.com/AleutianAI/Tidepool/services/bot/routes"
	"github.com/AleutianAI/Tidepool/services/bot/tenants"
	"github.com/AleutianAI/Tidepool/services/rag"
)

// =============================================================================
// Service Interface
// =============================================================================

// Service is the running edge server.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router returns the underlying gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the bot service.
type Config struct {
	// Port is the HTTP server port. Default: 8000
	Port int

	// ServiceSecret is the shared inter-service secret. Empty or the
	// placeholder "change-me" disables the auth check.
	ServiceSecret string

	// TenantsFile is the optional tenant defaults YAML. Empty means
	// requests must carry their full tenant context.
	TenantsFile string

	// Collection overrides the vector collection every engine opens.
	// Empty means the default ("scraped_content").
	Collection string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "tidepool-otel-collector:4317"
	OTelEndpoint string

	// GinMode sets the gin framework mode. Default: "release"
	GinMode string

	// EnableMetrics registers Prometheus metrics and serves /metrics.
	// Always on; the field exists so tests can assert the default.
	EnableMetrics bool
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "tidepool-otel-collector:4317"
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	cfg.EnableMetrics = true
	return cfg
}

// =============================================================================
// Service Implementation
// =============================================================================

type service struct {
	config   Config
	registry *rag.Registry
	defaults *tenants.Store
	guard    *middleware.SecretGuard
	metrics  *observability.Metrics
	requests *observability.DailyCounter
	router   *gin.Engine

	tracerCleanup func(context.Context)
	watchCancel   context.CancelFunc
}

// New builds the edge service: tracing, metrics, the tenant defaults
// file (with hot reload), the engine registry, the secret guard, and
// the router. A defaults file that does not parse is a startup error.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics {
		s.metrics = observability.InitMetrics()
	}
	s.requests = observability.NewDailyCounter()

	if err := s.initTenantDefaults(); err != nil {
		s.cleanup()
		return nil, err
	}

	s.registry = rag.NewRegistry(rag.RegistryOptions{Collection: s.config.Collection})
	s.guard = middleware.NewSecretGuard(s.config.ServiceSecret, s.metrics)
	s.initRouter()

	return s, nil
}

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting bot edge server",
		"port", s.config.Port,
		"auth_enforced", s.guard.Enforced(),
		"tenants_file", s.config.TenantsFile)

	return s.router.Run(addr)
}

// Router returns the configured gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing with an
// OTLP gRPC exporter pointed at the configured collector.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("bot-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initTenantDefaults opens the defaults file and starts the hot-reload
// watcher. No file configured is fine; a configured file that fails to
// load is not.
func (s *service) initTenantDefaults() error {
	if s.config.TenantsFile == "" {
		return nil
	}
	store, err := tenants.Open(s.config.TenantsFile, slog.Default())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := store.Watch(ctx); err != nil {
		cancel()
		slog.Warn("tenant defaults hot reload unavailable", "error", err)
	} else {
		s.watchCancel = cancel
	}
	s.defaults = store
	return nil
}

// initRouter sets up the gin router with tracing middleware and the
// full route table.
func (s *service) initRouter() {
	gin.SetMode(s.config.GinMode)
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("bot-service"))

	routes.SetupRoutes(s.router, s.guard, handlers.Deps{
		Registry: s.registry,
		Defaults: s.defaults,
		Metrics:  s.metrics,
		Requests: s.requests,
	})
}

// cleanup releases the service's resources when Run exits or when
// construction fails partway.
func (s *service) cleanup() {
	if s.watchCancel != nil {
		s.watchCancel()
	}
	if s.registry != nil {
		s.registry.CloseAll(context.Background())
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
