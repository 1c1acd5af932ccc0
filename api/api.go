// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package api serves the local control surface: link status, rotation
// requests, rotation history, and Prometheus metrics. It binds to
// loopback; the bearer token is defense in depth for multi-user hosts,
// not a substitute for network isolation.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uplinkd/uplinkd/history"
	"github.com/uplinkd/uplinkd/supervisor"
)

// Controller is the supervisor surface the API drives.
type Controller interface {
	Status() supervisor.Status
	RequestRotation(trigger supervisor.RotationTrigger) bool
	SetAutoRotation(enabled bool)
	AutoRotation() (enabled bool, interval time.Duration)
}

// History reads persisted rotation records. May be nil.
type History interface {
	Recent(n int) ([]history.Record, error)
}

// Server is the control API.
type Server struct {
	log     *zap.Logger
	ctrl    Controller
	hist    History
	token   string
	version string

	// One rotation per window. Bursts of clicks from an operator UI
	// must not turn into a deep-reset storm.
	rotateLimit *rate.Limiter

	httpSrv *http.Server
}

// New builds the server. token may be empty to disable auth.
func New(log *zap.Logger, listen, token, version string, ctrl Controller, hist History) *Server {
	s := &Server{
		log:         log.Named("api"),
		ctrl:        ctrl,
		hist:        hist,
		token:       token,
		version:     version,
		rotateLimit: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
	s.httpSrv = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route tree. Split from New for httptest use.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.auth)

	r.Get("/status", s.handleStatus)
	r.Post("/rotate", s.handleRotate)
	r.Get("/history", s.handleHistory)
	r.Route("/auto-rotation", func(r chi.Router) {
		r.Get("/status", s.handleAutoRotationStatus)
		r.Post("/enable", s.setAutoRotation(true))
		r.Post("/disable", s.setAutoRotation(false))
	})
	r.Get("/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Serve blocks until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.log.Info("control API listening", zap.String("addr", s.httpSrv.Addr))
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, errorBody{Error: "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.ctrl.Status())
}

type rotateResponse struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail"`
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if !s.rotateLimit.Allow() {
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, errorBody{Error: "rotation rate limit exceeded"})
		return
	}
	if s.ctrl.RequestRotation(supervisor.TriggerManual) {
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, rotateResponse{
			Accepted: true,
			Detail:   "rotation scheduled for next supervisor tick",
		})
		return
	}
	// A request is already pending; the caller's intent is satisfied.
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, rotateResponse{
		Accepted: true,
		Detail:   "rotation already pending",
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		render.JSON(w, r, []history.Record{})
		return
	}
	n := 20
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 || v > 1000 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorBody{Error: "n must be 1..1000"})
			return
		}
		n = v
	}
	recs, err := s.hist.Recent(n)
	if err != nil {
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorBody{Error: err.Error()})
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	render.JSON(w, r, recs)
}

type autoRotationBody struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
}

func (s *Server) handleAutoRotationStatus(w http.ResponseWriter, r *http.Request) {
	enabled, interval := s.ctrl.AutoRotation()
	render.JSON(w, r, autoRotationBody{
		Enabled:  enabled,
		Interval: interval.String(),
	})
}

func (s *Server) setAutoRotation(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.ctrl.SetAutoRotation(enabled)
		s.log.Info("auto-rotation toggled", zap.Bool("enabled", enabled))
		now, interval := s.ctrl.AutoRotation()
		render.JSON(w, r, autoRotationBody{
			Enabled:  now,
			Interval: interval.String(),
		})
	}
}

type versionBody struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, versionBody{Version: s.version})
}
