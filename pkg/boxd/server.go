/*
Copyright The Crucible Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package boxd is the in-sandbox execution agent. One instance runs
// inside each sandbox pod, executes code on behalf of the core, and
// serves the pod's shared workdir.
package boxd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
)

var startTime = time.Now()

// maxBodySize bounds request bodies on authenticated routes.
const maxBodySize = 256 << 20

// Config is the agent configuration, read from the environment the
// sandbox manager injects.
type Config struct {
	Port    int
	Workdir string
	Lang    string
	// MaxPids and MaxOpenFiles become rlimits on the agent process and
	// everything it spawns; zero keeps the pod defaults.
	MaxPids      int64
	MaxOpenFiles int
}

// ConfigFromEnv reads the agent configuration.
func ConfigFromEnv() Config {
	cfg := Config{
		Port:    8089,
		Workdir: "/workdir",
		Lang:    "py",
	}
	if v := os.Getenv("BOXD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("BOXD_WORKDIR"); v != "" {
		cfg.Workdir = v
	}
	if v := os.Getenv("BOXD_LANG"); v != "" {
		cfg.Lang = v
	}
	if v := os.Getenv("BOXD_MAX_PIDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxPids = n
		}
	}
	if v := os.Getenv("BOXD_MAX_OPEN_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxOpenFiles = n
		}
	}
	return cfg
}

// Server is the agent HTTP server.
type Server struct {
	engine   *gin.Engine
	config   Config
	verifier *Verifier
}

// NewServer wires the routes. The verifier may be nil only in tests;
// production always authenticates the core.
func NewServer(config Config, verifier *Verifier) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		config:   config,
		verifier: verifier,
	}

	// Probes stay open; the kubelet and the pool health sweep hit them.
	engine.GET("/ready", s.ReadyHandler)
	engine.GET("/health", s.HealthHandler)

	authed := engine.Group("/")
	if verifier != nil {
		authed.Use(verifier.Middleware())
	}
	authed.POST("/execute", s.ExecuteHandler)
	authed.POST("/files", s.UploadFileHandler)
	authed.GET("/files", s.ListFilesHandler)
	authed.GET("/files/*path", s.DownloadFileHandler)

	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("boxd serving on %s (lang %s, workdir %s)", srv.Addr, s.config.Lang, s.config.Workdir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ReadyHandler reports whether the agent can take work. Ready once the
// workdir exists and the server is up.
func (s *Server) ReadyHandler(c *gin.Context) {
	if _, err := os.Stat(s.config.Workdir); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fmt.Sprintf("workdir unavailable: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"lang":   s.config.Lang,
		"uptime": time.Since(startTime).String(),
	})
}
