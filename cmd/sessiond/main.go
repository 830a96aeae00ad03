/*
SPDX-FileCopyrightText: Copyright (c) 2025 NVIDIA CORPORATION. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Command sessiond is the session core's entrypoint: it upgrades the
// glasses/phone upstream connection and per-app connections to websockets,
// wires a Session per authenticated user, and exposes an operator HTTP API
// for session introspection and forced eviction.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glasses-os/session-core/internal/appcatalog"
	"github.com/glasses-os/session-core/internal/auth"
	"github.com/glasses-os/session-core/internal/cache"
	"github.com/glasses-os/session-core/internal/config"
	"github.com/glasses-os/session-core/internal/dispatch"
	"github.com/glasses-os/session-core/internal/eventbus"
	"github.com/glasses-os/session-core/internal/logging"
	"github.com/glasses-os/session-core/internal/metrics"
	"github.com/glasses-os/session-core/internal/postgres"
	"github.com/glasses-os/session-core/internal/session"
	"github.com/glasses-os/session-core/internal/webhook"
	"github.com/glasses-os/session-core/internal/wsauth"
	"github.com/glasses-os/session-core/internal/wsconn"
)

var shutdownTimeout = flag.Duration("shutdown-timeout", 60*time.Second, "graceful shutdown drain timeout")

func main() {
	cfgFlags := config.RegisterFlags()
	logFlags := logging.RegisterFlags()
	metricsFlags := metrics.RegisterFlags()
	flag.Parse()

	logger := logging.InitLogger("sessiond", logFlags.ToConfig())
	cfg := cfgFlags.ToConfig()

	if err := metrics.InitMetricCreator(metricsFlags.ToMetricsConfig()); err != nil {
		logger.Warn("metrics disabled: failed to initialize OTLP exporter", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.GetMetricCreator().Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	srv, err := build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("sessiond: %v", err)
	}
	defer srv.pg.Close()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.routes(),
	}

	go func() {
		logger.Info("sessiond listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("sessiond: serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout reached, disposing remaining sessions")
			for _, userID := range srv.registry.UserIDs() {
				srv.registry.Remove(userID)
			}
			return
		case <-ticker.C:
			active := srv.registry.Len()
			if active == 0 {
				logger.Info("all sessions drained, exiting")
				return
			}
			logger.Info("waiting for sessions to drain", "active", active)
		}
	}
}

// server holds every dependency the HTTP handlers close over.
type server struct {
	logger   *slog.Logger
	cfg      config.Config
	registry *session.Registry
	catalog  appcatalog.Store
	events   eventbus.Publisher
	hooks    *webhook.Dispatcher
	validator wsauth.Validator
	pg       *postgres.Client
	roles    *auth.RoleChecker
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server, error) {
	pgCfg := postgres.DefaultConfig()
	pgCfg.Host = cfg.PostgresHost
	pgCfg.Port = cfg.PostgresPort
	pgCfg.User = cfg.PostgresUser
	pgCfg.Password = cfg.PostgresPass
	pgCfg.Database = cfg.PostgresDB

	pg, err := postgres.NewClient(ctx, pgCfg, logger)
	if err != nil {
		return nil, err
	}

	base := appcatalog.NewPostgresStore(pg.Pool())
	catalog := appcatalog.NewCachedStore(base, cache.DefaultMaxSize, cache.DefaultTTL, logger)

	var events eventbus.Publisher = eventbus.NoopPublisher{}
	if cfg.RedisEnabled {
		rp, err := eventbus.NewRedisPublisher(ctx, eventbus.Config{
			Host: cfg.RedisHost,
			Port: cfg.RedisPort,
		}, logger)
		if err != nil {
			pg.Close()
			return nil, err
		}
		events = rp
	}

	validator, err := wsauth.NewJWKSValidator(ctx, cfg.JWKSURL)
	if err != nil {
		pg.Close()
		return nil, err
	}

	return &server{
		logger:    logger,
		cfg:       cfg,
		registry:  session.NewRegistry(),
		catalog:   catalog,
		events:    events,
		hooks:     webhook.New(webhook.DefaultTimeout, logger),
		validator: validator,
		pg:        pg,
		roles:     auth.NewRoleChecker(pg.Pool(), logger),
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/glasses", s.handleGlasses)
	mux.HandleFunc("GET /ws/apps/{package}", s.handleApp)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	adminMW := auth.NewMiddleware(auth.Config{
		Enabled:     true,
		Required:    true,
		DevMode:     s.cfg.JWKSURL == "",
		RoleChecker: s.roles,
	}, s.logger)

	mux.Handle("GET /admin/sessions", adminMW(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /admin/sessions/{userId}", adminMW(http.HandlerFunc(s.handleSessionDetail)))
	mux.Handle("DELETE /admin/sessions/{userId}", adminMW(http.HandlerFunc(s.handleEvictSession)))

	return mux
}

// handleGlasses upgrades the upstream glasses/phone connection, validates
// its bearer token, and installs a new Session (or replaces the existing
// one for that user) in the registry.
func (s *server) handleGlasses(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := wsconn.Accept(w, r)
	if err != nil {
		s.logger.Warn("glasses upgrade failed", "userId", userID, "error", err)
		return
	}

	sess := s.registry.CreateOrReplace(userID, func() *session.Session {
		return session.New(userID, s.logger, s.catalog, s.events, s.hooks)
	})
	sess.AttachUpstream(conn)

	logger := s.logger.With("userId", userID)
	conn.OnClose(func() { logger.Info("glasses connection closed") })
	dispatch.RunUpstream(r.Context(), sess, conn, logger)
}

// handleApp upgrades a third-party app's connection and attaches it to the
// app's AppSession inside the already-established user Session. A missing
// Session (no glasses connection yet for this user) rejects the upgrade.
func (s *server) handleApp(w http.ResponseWriter, r *http.Request) {
	pkg := r.PathValue("package")
	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	sess, ok := s.registry.Get(userID)
	if !ok {
		http.Error(w, "no active session for user", http.StatusConflict)
		return
	}

	conn, err := wsconn.Accept(w, r)
	if err != nil {
		s.logger.Warn("app upgrade failed", "userId", userID, "package", pkg, "error", err)
		return
	}

	a := sess.GetOrCreateAppSession(pkg)
	if !a.HandleConnect(conn) {
		_ = conn.Close(1008, "app session not in a connectable state")
		return
	}

	logger := s.logger.With("userId", userID, "package", pkg)
	conn.OnClose(func() {
		a.HandleDisconnect()
		logger.Info("app connection closed")
	})
	dispatch.RunApp(r.Context(), sess, pkg, conn, logger)
}

// authenticate extracts and verifies the bearer token from either the
// Authorization header or a "token" query parameter, the latter existing
// because browser/firmware websocket clients can't always set headers on
// the upgrade request.
func (s *server) authenticate(r *http.Request) (string, error) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return s.validator.Validate(r.Context(), token)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.pg.Healthy(r.Context()) {
		http.Error(w, "postgres unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"sessions": s.registry.UserIDs()})
}

func (s *server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	sess, ok := s.registry.Get(userID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"userId": userID, "apps": sess.AppPackages()})
}

func (s *server) handleEvictSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if _, ok := s.registry.Get(userID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.registry.Remove(userID)
	info, _ := auth.InfoFromContext(r.Context())
	operator := "unknown"
	if info != nil {
		operator = info.User
	}
	s.logger.Warn("session evicted by operator", "userId", userID, "operator", operator)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
