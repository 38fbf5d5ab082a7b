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
	"os"
	"time"

	"github.com/AleutianAI/RagflowBridge/services/bridge/config"
	"github.com/AleutianAI/RagflowBridge/services/bridge/observability"
	"github.com/AleutianAI/RagflowBridge/services/bridge/pipeline"
	"github.com/AleutianAI/RagflowBridge/services/bridge/routes"
	"github.com/AleutianAI/RagflowBridge/services/ragflow"
	"github.com/gin-gonic/gin"
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
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("ragflow-bridge")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	port := os.Getenv("BRIDGE_PORT")
	if port == "" {
		port = "12260"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	// Configuration failure keeps the process alive: the pipe endpoint
	// reports the failure to the user instead of the container crash
	// looping with nothing visible in the chat UI.
	var controller *pipeline.Controller
	valves, err := config.Load()
	if err != nil {
		var confErr *config.ConfigurationError
		if !errors.As(err, &confErr) {
			log.Fatalf("failed to load configuration: %v", err)
		}
		slog.Error("Configuration invalid; serving in degraded mode", "error", err)
		controller = pipeline.NewDegraded(err, metrics)
	} else {
		client := ragflow.NewClient(valves.Host, valves.Port, valves.APIKey)
		controller = pipeline.New(client, valves, metrics)
		slog.Info("RAGFlow client configured", "baseUrl", client.BaseURL(),
			"dataset", valves.DatasetID, "language", valves.Language)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("ragflow-bridge"))

	routes.SetupRoutes(router, controller, metrics, os.Getenv("BRIDGE_SERVICE_TOKEN"))

	log.Println("Starting the ragflow bridge server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
