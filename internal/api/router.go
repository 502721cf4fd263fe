// Package api exposes the queue facade over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paperoo/spool/internal/api/handlers"
	"github.com/paperoo/spool/internal/api/middleware"
)

// Queue is everything the routes call on the queue facade.
type Queue interface {
	handlers.JobQueue
	handlers.PrinterQueue
}

type Options struct {
	Queue   Queue
	Metrics http.Handler
	Reload  handlers.Reloader
	Detect  handlers.Detector
	Log     *slog.Logger
}

func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger(opts.Log), gin.Recovery())

	health := handlers.NewHealthHandler(opts.Queue)
	r.GET("/health", health.Health)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	api := r.Group("/api")
	handlers.NewJobHandler(opts.Queue).RegisterRoutes(api)
	handlers.NewPrinterHandler(opts.Queue, opts.Detect).RegisterRoutes(api)
	handlers.NewSettingsHandler(opts.Queue, opts.Reload).RegisterRoutes(api)

	return r
}
