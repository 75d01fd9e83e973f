// Package api serves the quota administration surface over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/terminus-io/dquot/pkg/dquot"
	"github.com/terminus-io/dquot/pkg/notify"
)

// Warnings is the view of delivered warnings the API exposes.
type Warnings interface {
	List() []notify.Record
	Clear(key dquot.Key)
}

type Server struct {
	cache    *dquot.Cache
	warnings Warnings
	engine   *gin.Engine
}

// NewServer builds the router. warnings may be nil.
func NewServer(cache *dquot.Cache, warnings Warnings) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{cache: cache, warnings: warnings, engine: engine}

	v1 := engine.Group("/v1")
	v1.GET("/stats", s.getStats)
	v1.GET("/warnings", s.listWarnings)
	v1.GET("/fs", s.listFilesystems)

	q := v1.Group("/fs/:fs/:type")
	q.GET("/info", s.getInfo)
	q.PUT("/info", s.putInfo)
	q.GET("/records", s.listRecords)
	q.GET("/records/:id", s.getRecord)
	q.PUT("/records/:id", s.putRecord)
	q.POST("/sync", s.sync)
	q.POST("/on", s.quotaOn)
	q.POST("/off", s.quotaOff)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("Starting quota admin API", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		klog.Info("Quota admin API stopped")
		return nil
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		klog.V(4).InfoS("API request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "latency", time.Since(start))
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dquot.ErrNotMounted):
		return http.StatusNotFound
	case errors.Is(err, dquot.ErrInvalidType), errors.Is(err, dquot.ErrNoSuchFormat):
		return http.StatusBadRequest
	case errors.Is(err, dquot.ErrQuotaDisabled), errors.Is(err, dquot.ErrQuotaEnabled):
		return http.StatusConflict
	case errors.Is(err, dquot.ErrInvalidQuotaFile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dquot.ErrNoMemory):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		klog.ErrorS(err, "API request failed", "path", c.FullPath())
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
