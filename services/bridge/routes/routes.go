// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/RagflowBridge/services/bridge/handlers"
	"github.com/AleutianAI/RagflowBridge/services/bridge/middleware"
	"github.com/AleutianAI/RagflowBridge/services/bridge/observability"
	"github.com/AleutianAI/RagflowBridge/services/bridge/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes wires the bridge's HTTP surface onto the router.
//
// /health and /metrics are unauthenticated; the pipeline endpoints sit
// behind the service bearer token (a no-op when no token is set).
func SetupRoutes(router *gin.Engine, controller *pipeline.Controller,
	metrics *observability.BridgeMetrics, serviceToken string) {

	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler := handlers.NewPipelineHandler(controller, metrics)

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.BearerAuth(serviceToken))
	{
		pipelineGroup := v1.Group("/pipeline")
		{
			pipelineGroup.POST("/inlet", handler.HandleInlet)
			pipelineGroup.POST("/pipe", handler.HandlePipe)
			pipelineGroup.POST("/outlet", handler.HandleOutlet)
		}
		sessions := v1.Group("/sessions")
		{
			sessions.POST("/reset", handler.HandleSessionReset)
		}
	}
}
