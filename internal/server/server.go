// Package server exposes the ops surface: health, metrics, manual
// consolidation, learning ingest/search, and task routing.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novamind/recall/internal/consolidate"
	"github.com/novamind/recall/internal/knowledge"
	"github.com/novamind/recall/internal/router"
)

// Warm is the slice of the warm store the handlers use.
type Warm interface {
	Upsert(ctx context.Context, l knowledge.Learning) (string, error)
	Search(ctx context.Context, query string, limit int, scoreThreshold float64, f knowledge.Filter) ([]knowledge.SearchHit, error)
}

// Hot is the trace buffer surface for task step ingest.
type Hot interface {
	Append(ctx context.Context, taskID string, phase knowledge.Phase, data map[string]interface{}) error
	Traces(ctx context.Context, taskID string) ([]knowledge.TaskTrace, error)
}

// Trigger starts a consolidation run on demand.
type Trigger interface {
	RunImmediate(ctx context.Context) consolidate.Report
}

// Deps carries the shared instances the handlers need. Any nil dependency
// turns its endpoints into 503s.
type Deps struct {
	Warm    Warm
	Hot     Hot
	Router  *router.Router
	Trigger Trigger
	Logger  *log.Logger
}

// New builds the echo instance with all routes mounted.
func New(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := deps.Logger
	if baseLogger == nil {
		baseLogger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h := &handler{deps: deps}
	v1 := e.Group("/v1")
	v1.POST("/consolidate", h.consolidate)
	v1.POST("/learnings", h.storeLearning)
	v1.GET("/learnings/search", h.searchLearnings)
	v1.POST("/traces", h.appendTrace)
	v1.GET("/traces/:task_id", h.listTraces)
	v1.POST("/route", h.route)
	return e
}
