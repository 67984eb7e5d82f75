// Package httpapi is the ambient, read-mostly admin/observability surface:
// a health check, a JSON statistics snapshot, a Prometheus scrape endpoint,
// and a backup trigger. It listens on its own TCP address, separate from
// the chat protocol's Unix-domain socket — this is operator tooling, not a
// second chat transport.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chatty/internal/metricsreg"
	"chatty/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the Echo application backing the admin surface.
type Server struct {
	echo    *echo.Echo
	store   *store.Store
	metrics *metricsreg.Registry
}

// New constructs the admin app. metrics may be nil to disable /metrics.
func New(st *store.Store, metrics *metricsreg.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, store: st, metrics: metrics}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Debug("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/stats", s.handleStats)
	s.echo.POST("/admin/backup", s.handleBackup)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthzResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{Status: "ok"})
}

type statsResponse struct {
	DeliveredTxt     int64 `json:"delivered_txt"`
	DeliveredFile    int64 `json:"delivered_file"`
	NotDeliveredTxt  int64 `json:"not_delivered_txt"`
	NotDeliveredFile int64 `json:"not_delivered_file"`
	Errors           int64 `json:"errors"`
	NUsers           int64 `json:"nusers"`
	NOnline          int64 `json:"nonline"`
}

func (s *Server) handleStats(c echo.Context) error {
	st, err := s.store.GetStats()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if s.metrics != nil {
		s.metrics.Set(metricsreg.Snapshot{
			DeliveredTxt:     st.DeliveredTxt,
			DeliveredFile:    st.DeliveredFile,
			NotDeliveredTxt:  st.NotDeliveredTxt,
			NotDeliveredFile: st.NotDeliveredFile,
			Errors:           st.Errors,
			NUsers:           st.NUsers,
			NOnline:          st.NOnline,
		})
	}
	if c.QueryParam("dump") == "1" {
		if path := c.QueryParam("path"); path != "" {
			if err := s.store.WriteStatsFile(path); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
		}
	}
	return c.JSON(http.StatusOK, statsResponse{
		DeliveredTxt:     st.DeliveredTxt,
		DeliveredFile:    st.DeliveredFile,
		NotDeliveredTxt:  st.NotDeliveredTxt,
		NotDeliveredFile: st.NotDeliveredFile,
		Errors:           st.Errors,
		NUsers:           st.NUsers,
		NOnline:          st.NOnline,
	})
}

type backupRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleBackup(c echo.Context) error {
	var req backupRequest
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "json body with a non-empty \"path\" is required")
	}
	if err := s.store.Backup(req.Path); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"path": req.Path})
}
