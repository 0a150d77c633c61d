// Package api exposes the Controller over a loopback-only HTTP surface, for
// external tooling (scripts, a companion CLI) that wants to drive the
// Download Engine without going through the Wails-bound frontend.
//
// Grounded on the teacher's internal/api/server.go for the chi router,
// middleware chain, and audit-log wiring; the route set itself is new,
// mapping directly to spec §6's command surface rather than the teacher's
// single-URL download-job API. The concurrency-limit middleware is replaced
// with a golang.org/x/time/rate limiter (the teacher used a bare atomic
// counter keyed to a config value; token-bucket limiting is a better fit
// for bursty frontend polling and is the library this pack otherwise
// imports only for this purpose — see SPEC_FULL.md §11).
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"tachyon-sftp/internal/controller"
	"tachyon-sftp/internal/engine"
	"tachyon-sftp/internal/security"
)

// Server is the loopback control server.
type Server struct {
	ctrl    *controller.Controller
	audit   *security.AuditLogger
	log     *slog.Logger
	router  *chi.Mux
	limiter *rate.Limiter
}

// New builds a Server bound to ctrl. requestsPerSec/burst configure the
// request-rate limiter (0 disables limiting).
func New(ctrl *controller.Controller, audit *security.AuditLogger, log *slog.Logger, requestsPerSec float64, burst int) *Server {
	s := &Server{
		ctrl:   ctrl,
		audit:  audit,
		log:    log,
		router: chi.NewRouter(),
	}
	if requestsPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(requestsPerSec), burst)
	}
	s.routes()
	return s
}

// Start binds the server to 127.0.0.1:port in the background.
func (s *Server) Start(port int) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("control server failed to bind", "addr", addr, "error", err)
			return
		}
		s.log.Info("control server listening", "addr", addr)
		if err := http.Serve(conn, s.router); err != nil {
			s.log.Error("control server stopped", "error", err)
		}
	}()
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.localhostOnly)
	s.router.Use(s.rateLimit)
	s.router.Use(s.auditLog)

	s.router.Post("/api/connect", s.handleConnect)
	s.router.Post("/api/disconnect", s.handleDisconnect)
	s.router.Get("/api/list", s.handleList)
	s.router.Post("/api/queue/file", s.handleEnqueueFile)
	s.router.Post("/api/queue/folder", s.handleEnqueueFolder)
	s.router.Get("/api/queue", s.handleQueueSnapshot)
	s.router.Post("/api/control", s.handleControl)
	s.router.Post("/api/control/all", s.handleControlAll)
	s.router.Post("/api/speed-limit", s.handleSpeedLimit)
	s.router.Get("/api/config", s.handleConfig)
	s.router.Get("/api/stats/average-speed", s.handleAverageSpeed)
}

func (s *Server) localhostOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host != "127.0.0.1" && host != "::1" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auditLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := r.Method + " " + r.URL.Path
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.audit != nil {
			s.audit.Log("127.0.0.1", r.UserAgent(), action, rec.status, "")
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Connect(); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Disconnect()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	canonical, files, err := s.ctrl.ListDir(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"path": canonical, "files": files})
}

type enqueueFileRequest struct {
	RemotePath string `json:"remote_path"`
	LocalDir   string `json:"local_dir"`
}

func (s *Server) handleEnqueueFile(w http.ResponseWriter, r *http.Request) {
	var req enqueueFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctrl.EnqueueFile(req.RemotePath, req.LocalDir); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleEnqueueFolder(w http.ResponseWriter, r *http.Request) {
	var req enqueueFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.ctrl.EnqueueFolder(req.RemotePath, req.LocalDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"queued": count})
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.Engine().Snapshot())
}

type controlRequest struct {
	Action     string `json:"action"` // "pause", "resume", "cancel"
	RemoteFile string `json:"remote_file"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Action {
	case "pause":
		s.ctrl.Engine().Submit(engine.Pause(req.RemoteFile))
	case "resume":
		s.ctrl.Engine().Submit(engine.Resume(req.RemoteFile))
	case "cancel":
		s.ctrl.Engine().Submit(engine.Cancel(req.RemoteFile))
	default:
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type controlAllRequest struct {
	Action string `json:"action"` // "start", "pause", "resume"
}

func (s *Server) handleControlAll(w http.ResponseWriter, r *http.Request) {
	var req controlAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Action {
	case "start":
		s.ctrl.Engine().Submit(engine.StartAll())
	case "pause":
		s.ctrl.Engine().Submit(engine.PauseAll())
	case "resume":
		s.ctrl.Engine().Submit(engine.ResumeAll())
	default:
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type speedLimitRequest struct {
	KBPerSec int64 `json:"kb_per_sec"`
}

func (s *Server) handleSpeedLimit(w http.ResponseWriter, r *http.Request) {
	var req speedLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.ctrl.Engine().Submit(engine.SetSpeedLimit(req.KBPerSec))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.Config())
}

// handleAverageSpeed implements get_average_speed(days) (spec §8 property
// 6) for callers with no Wails binding available, e.g. headless mode.
func (s *Server) handleAverageSpeed(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			days = parsed
		}
	}
	speed, err := s.ctrl.AverageSpeed(days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"days": days, "average_bytes_per_sec": speed})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
