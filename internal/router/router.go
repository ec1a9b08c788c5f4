// Package router wires the gin.Engine exactly the way the teacher's
// internal/router/router.go does: recovery, a logging middleware, CORS,
// a health check, then one /api/v1 group whose resource routes share a
// single :level path segment.
package router

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/IMAGE-ET/Orthanc-2/internal/handler"
	"github.com/IMAGE-ET/Orthanc-2/internal/middleware"
	"github.com/IMAGE-ET/Orthanc-2/internal/runtime"
)

// Router owns the configured gin.Engine.
type Router struct {
	engine *gin.Engine
}

// New builds a Router exposing rt's operations over HTTP.
func New(loggerMiddleware *middleware.LoggerMiddleware, rt *runtime.Runtime) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	resourceHandler := handler.NewResourceHandler(rt)
	instanceHandler := handler.NewInstanceHandler(rt)
	changesHandler := handler.NewChangesHandler(rt)
	queryHandler := handler.NewQueryHandler(rt)

	engine.Use(gin.Recovery())
	engine.Use(loggerMiddleware.Logger())
	engine.Use(loggerMiddleware.RequestLogger())

	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1")
	{
		api.POST("/instances", instanceHandler.Store)
		api.GET("/changes", changesHandler.Since)

		// :level is one of patients/studies/series/instances; each
		// handler validates it via handler.parseLevel.
		resources := api.Group("/:level")
		{
			resources.GET("", resourceHandler.List)
			resources.POST("/find", queryHandler.Find)
			resources.GET("/:id", resourceHandler.GetResource)
			resources.DELETE("/:id", resourceHandler.Delete)
			resources.GET("/:id/children", resourceHandler.GetChildren)
			resources.GET("/:id/parent", resourceHandler.GetParent)
			resources.GET("/:id/attachments/:contentType", resourceHandler.ReadAttachment)
			resources.PUT("/:id/attachments/:contentType", resourceHandler.AddAttachment)
		}

		api.PUT("/patients/:id/protected", resourceHandler.SetProtected)
	}

	return &Router{engine: engine}
}

// Engine returns the underlying gin.Engine, e.g. for http.Server.Handler.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
