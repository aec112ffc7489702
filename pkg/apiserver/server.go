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

// Package apiserver is the client-facing HTTP surface of the execution
// core: /v1/exec plus the session, file and state endpoints.
package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/config"
	"github.com/crucible-sh/crucible/pkg/files"
	"github.com/crucible-sh/crucible/pkg/kv"
	"github.com/crucible-sh/crucible/pkg/session"
	"github.com/crucible-sh/crucible/pkg/state"
)

// Executor runs one execution request end to end. Satisfied by
// orchestrator.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, req *types.ExecRequest, principal string) (*types.ExecResponse, error)
}

// Server is the public API server.
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	httpServer *http.Server

	executor Executor
	sessions *session.Registry
	states   *state.Store
	catalog  *files.Catalog
	store    kv.Store
}

// NewServer wires the public surface. states may be nil when persistent
// state is disabled; the state routes then answer 404.
func NewServer(cfg *config.Config, executor Executor, sessions *session.Registry,
	states *state.Store, catalog *files.Catalog, store kv.Store) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1000
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:   cfg,
		executor: executor,
		sessions: sessions,
		states:   states,
		catalog:  catalog,
		store:    store,
	}
	s.setupRoutes()
	return s, nil
}

// concurrencyLimitMiddleware limits the number of concurrent requests.
func (s *Server) concurrencyLimitMiddleware() gin.HandlerFunc {
	concurrency := make(chan struct{}, s.config.MaxConcurrentRequests)
	return func(c *gin.Context) {
		select {
		case concurrency <- struct{}{}:
			defer func() { <-concurrency }()
			c.Next()
		default:
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "SERVER_OVERLOADED",
				"message": "server overloaded, please try again later",
			})
			c.Abort()
		}
	}
}

// rateLimitMiddleware enforces a fixed-window per-client request cap
// backed by ratelimit:{key} counters in the KV store.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	limit := int64(s.config.RateLimitPerMinute)
	return func(c *gin.Context) {
		key := "ratelimit:" + c.ClientIP()
		n, err := s.store.IncrWindow(c.Request.Context(), key, time.Minute)
		if err != nil {
			// Counting failures must not take the service down.
			klog.Warningf("apiserver: rate limit counter %s failed: %v", key, err)
			c.Next()
			return
		}
		if n > limit {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "request rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())

	// Probes and metrics bypass concurrency and rate limits.
	s.engine.GET("/health/live", s.handleHealthLive)
	s.engine.GET("/health/ready", s.handleHealthReady)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")
	v1.Use(s.concurrencyLimitMiddleware())
	if s.config.RateLimitPerMinute > 0 {
		v1.Use(s.rateLimitMiddleware())
	}

	v1.POST("/exec", s.handleExec)

	v1.POST("/upload", s.handleUpload)
	v1.GET("/files/:session_id", s.handleListFiles)
	v1.GET("/download/:session_id/:file_id", s.handleDownload)
	v1.DELETE("/files/:session_id/:file_id", s.handleDeleteFile)

	v1.GET("/state/:session_id", s.handleStateGet)
	v1.POST("/state/:session_id", s.handleStatePut)
	v1.DELETE("/state/:session_id", s.handleStateDelete)
	v1.GET("/state/:session_id/info", s.handleStateInfo)

	v1.POST("/sessions", s.handleSessionCreate)
	v1.GET("/sessions/:id", s.handleSessionGet)
	v1.DELETE("/sessions/:id", s.handleSessionDelete)
}

// Handler exposes the configured routes, for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled. Plain HTTP is wrapped for h2c so
// gRPC-style clients multiplex long /exec calls over one connection.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.config.Port

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     h2c.NewHandler(s.engine, &http2.Server{}),
		IdleTimeout: 90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		klog.Info("Shutting down API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Server shutdown error: %v", err)
		}
	}()

	klog.Infof("API server listening on %s", addr)

	if s.config.EnableTLS {
		if s.config.TLSCert == "" || s.config.TLSKey == "" {
			return fmt.Errorf("TLS enabled but cert/key not provided")
		}
		s.httpServer.Handler = s.engine
		return s.httpServer.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
	}
	return s.httpServer.ListenAndServe()
}
