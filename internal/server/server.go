// Package server exposes the kubelet-style HTTP surface: container log
// streaming and a health probe.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deislabs/krustlet-wasm3/internal/provider"
	appErr "github.com/deislabs/krustlet-wasm3/pkg/errors"
	"github.com/deislabs/krustlet-wasm3/pkg/utils/config"
	"github.com/deislabs/krustlet-wasm3/pkg/utils/logger"
)

// Config holds HTTP server settings.
type Config struct {
	Addr         string          `yaml:"addr"`
	ReadTimeout  config.Duration `yaml:"readTimeout"`
	WriteTimeout config.Duration `yaml:"writeTimeout"`
	IdleTimeout  config.Duration `yaml:"idleTimeout"`
}

// New builds the HTTP server around the provider's log surface.
func New(cfg Config, p *provider.Provider) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(p),
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
		IdleTimeout:  cfg.IdleTimeout.Std(),
	}
}

// NewRouter builds the gin handler. Split out for tests.
func NewRouter(p *provider.Provider) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/containerLogs/:namespace/:pod/:container", containerLogs(p))

	return router
}

func containerLogs(p *provider.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("follow") == "true" {
			c.String(http.StatusBadRequest, "follow is not supported")
			return
		}
		namespace := c.Param("namespace")
		pod := c.Param("pod")
		container := c.Param("container")

		c.Header("Content-Type", "text/plain; charset=utf-8")
		err := p.Logs(c.Request.Context(), namespace, pod, container, c.Writer)
		if err == nil {
			return
		}
		switch appErr.GetCode(err) {
		case appErr.PodNotFound, appErr.ContainerNotFound:
			c.String(http.StatusNotFound, "%s", err.Error())
		default:
			// Headers may already be out; best effort.
			c.String(http.StatusInternalServerError, "%s", err.Error())
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
