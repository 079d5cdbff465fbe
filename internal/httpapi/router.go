// Package httpapi exposes the job manager over HTTP.
package httpapi

import (
	"context"
	"io"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/unweave/unweave/internal/device"
	"github.com/unweave/unweave/internal/model"
)

// Jobs is the job manager as seen by the handlers.
type Jobs interface {
	Submit(ctx context.Context, filename string, src io.Reader) (string, error)
	Status(id string) (model.Job, error)
	List() map[string]model.Summary
	Cancel(ctx context.Context, id string) error
}

type Dependencies struct {
	Jobs           Jobs
	Device         device.Info
	CloudMode      bool
	MaxUploadBytes int64
	OutputDir      string
	StemsURL       string
	Logger         *slog.Logger
}

// NewRouter configures the gin engine with all routes.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	h := &handler{deps: deps}
	r.GET("/health", h.health)
	r.POST("/separate", h.separate)
	r.GET("/status/:job_id", h.status)
	r.GET("/jobs", h.jobs)
	r.POST("/cancel/:job_id", h.cancel)
	if deps.OutputDir != "" {
		r.Static(deps.StemsURL, deps.OutputDir)
	}
	return r
}
