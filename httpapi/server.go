// Package httpapi implements the API Front-End: it terminates HTTP,
// validates requests, maintains the session view, and drives the Manager
// through the shared command queue.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yandex-tank-api/tankapi/internal/logging"
	"github.com/yandex-tank-api/tankapi/internal/safeexec"
	"github.com/yandex-tank-api/tankapi/manager"
	"github.com/yandex-tank-api/tankapi/observability"
	"github.com/yandex-tank-api/tankapi/queue"
	"github.com/yandex-tank-api/tankapi/session"
	"github.com/yandex-tank-api/tankapi/stage"
)

// transferChunkSize bounds how much of an artifact is read at once while
// streaming, matching the source's TRANSFER_SIZE_LIMIT, and also gates the
// "too large to read safely mid-test" check on GET /artifact.
const transferChunkSize = 128 * 1024

// Config controls the Front-End's behavior.
type Config struct {
	ListenAddr       string
	TestsDir         string
	DefaultHeartbeat time.Duration
	HeartbeatPoll    time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(testsDir string) Config {
	return Config{
		ListenAddr:       ":8888",
		TestsDir:         testsDir,
		DefaultHeartbeat: 600 * time.Second,
		HeartbeatPoll:    time.Second,
	}
}

// Server is the API Front-End.
type Server struct {
	cfg      Config
	logger   logging.Logger
	view     *sessionView
	cmdOut   *queue.Queue[manager.Inbound]
	statusIn *queue.Queue[session.StatusMessage]
	http     *http.Server
}

// New builds a Server. cmdOut is the manager_queue the Front-End publishes
// commands onto; statusIn is the webserver_queue it continuously drains.
func New(cfg Config, logger logging.Logger, cmdOut *queue.Queue[manager.Inbound], statusIn *queue.Queue[session.StatusMessage]) *Server {
	s := &Server{cfg: cfg, logger: logger, view: newSessionView(), cmdOut: cmdOut, statusIn: statusIn}

	mux := http.NewServeMux()
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/artifact", s.handleArtifact)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	return s
}

// Handler returns the server's HTTP handler, letting tests exercise routes
// directly against an httptest.Server or recorder without binding a port.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Serve runs the assimilation loop, heartbeat reaper, and HTTP server until
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	safeexec.Go(s.logger, "status_assimilation", func() {
		s.assimilateLoop(ctx, s.statusIn)
	}, nil)
	safeexec.Go(s.logger, "heartbeat_reaper", func() {
		s.heartbeatLoop(ctx)
	}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) assimilateLoop(ctx context.Context, statusIn *queue.Queue[session.StatusMessage]) {
	for {
		msg, err := statusIn.Recv(ctx)
		if err != nil {
			return
		}
		s.view.assimilate(msg)
	}
}

// heartbeatLoop tears a session down (advance to finished, then stop) once
// its client has gone quiet past the heartbeat deadline.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessionID, expired := s.view.expiredHeartbeat()
			if !expired {
				continue
			}
			s.logger.Warn("heartbeat_expired", "session", sessionID)
			_ = s.send(ctx, manager.RunInbound(session.RunCommand{Session: sessionID, Break: stage.Finished}))
			_ = s.send(ctx, manager.StopInbound(session.StopCommand{Session: sessionID}))
			s.view.touchHeartbeat(s.cfg.DefaultHeartbeat)
		}
	}
}

func (s *Server) send(ctx context.Context, msg manager.Inbound) error {
	return s.cmdOut.Send(ctx, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"reason": reason})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRunNew(w, r)
	case http.MethodGet:
		s.handleRunAdvance(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRunNew(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	breakAt := stage.Stage(r.URL.Query().Get("break"))
	if breakAt == "" {
		breakAt = stage.Finished
	}
	if !stage.IsValid(breakAt) {
		observability.RecordHTTPRequest("POST", "/run", http.StatusBadRequest, time.Since(start))
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid break %q", breakAt))
		return
	}

	if running, ok := s.view.running(); ok {
		observability.RecordHTTPRequest("POST", "/run", http.StatusServiceUnavailable, time.Since(start))
		writeJSON(w, http.StatusServiceUnavailable, running)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		observability.RecordHTTPRequest("POST", "/run", http.StatusInternalServerError, time.Since(start))
		writeError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}

	heartbeat := s.cfg.DefaultHeartbeat
	if hb := r.URL.Query().Get("heartbeat"); hb != "" {
		if secs, err := time.ParseDuration(hb + "s"); err == nil {
			heartbeat = secs
		}
	}

	id, err := session.GenerateID(r.URL.Query().Get("test"), time.Now(), func(candidate string) bool {
		_, statErr := os.Stat(filepath.Join(s.cfg.TestsDir, candidate))
		return statErr == nil
	})
	if err != nil {
		observability.RecordHTTPRequest("POST", "/run", http.StatusInternalServerError, time.Since(start))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.MkdirAll(filepath.Join(s.cfg.TestsDir, id), 0o755); err != nil {
		observability.RecordHTTPRequest("POST", "/run", http.StatusInternalServerError, time.Since(start))
		writeError(w, http.StatusInternalServerError, "failed to create session directory")
		return
	}

	s.view.installStarting(id, heartbeat)
	if err := s.send(r.Context(), manager.RunInbound(session.RunCommand{Session: id, Break: breakAt, Config: body})); err != nil {
		observability.RecordHTTPRequest("POST", "/run", http.StatusInternalServerError, time.Since(start))
		writeError(w, http.StatusInternalServerError, "failed to dispatch run command")
		return
	}

	observability.RecordHTTPRequest("POST", "/run", http.StatusOK, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{"session": id})
}

func (s *Server) handleRunAdvance(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.URL.Query().Get("session")
	breakAt := stage.Stage(r.URL.Query().Get("break"))

	if !stage.IsValid(breakAt) {
		observability.RecordHTTPRequest("GET", "/run", http.StatusBadRequest, time.Since(start))
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid break %q", breakAt))
		return
	}

	current, ok := s.view.get(id)
	if !ok {
		observability.RecordHTTPRequest("GET", "/run", http.StatusNotFound, time.Since(start))
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	running, isRunning := s.view.running()
	if !isRunning || running.Session != id || stage.IsEarlier(breakAt, current.Break) {
		observability.RecordHTTPRequest("GET", "/run", http.StatusTeapot, time.Since(start))
		writeError(w, http.StatusTeapot, "teapot: time travel is not supported, or session is not running")
		return
	}

	if hb := r.URL.Query().Get("heartbeat"); hb != "" {
		if secs, err := time.ParseDuration(hb + "s"); err == nil {
			s.view.touchHeartbeat(secs)
		}
	} else {
		s.view.touchHeartbeat(s.cfg.DefaultHeartbeat)
	}

	if err := s.send(r.Context(), manager.RunInbound(session.RunCommand{Session: id, Break: breakAt})); err != nil {
		observability.RecordHTTPRequest("GET", "/run", http.StatusInternalServerError, time.Since(start))
		writeError(w, http.StatusInternalServerError, "failed to dispatch run command")
		return
	}

	observability.RecordHTTPRequest("GET", "/run", http.StatusOK, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{"reason": "ok"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.URL.Query().Get("session")

	current, ok := s.view.get(id)
	if !ok {
		observability.RecordHTTPRequest("GET", "/stop", http.StatusNotFound, time.Since(start))
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if current.Status.Terminal() {
		observability.RecordHTTPRequest("GET", "/stop", http.StatusConflict, time.Since(start))
		writeError(w, http.StatusConflict, "session already stopped")
		return
	}
	s.view.touchHeartbeatIfRunning(id, s.cfg.DefaultHeartbeat)

	if err := s.send(r.Context(), manager.StopInbound(session.StopCommand{Session: id})); err != nil {
		observability.RecordHTTPRequest("GET", "/stop", http.StatusInternalServerError, time.Since(start))
		writeError(w, http.StatusInternalServerError, "failed to dispatch stop command")
		return
	}
	observability.RecordHTTPRequest("GET", "/stop", http.StatusOK, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{"reason": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.URL.Query().Get("session")
	if id == "" {
		observability.RecordHTTPRequest("GET", "/status", http.StatusOK, time.Since(start))
		writeJSON(w, http.StatusOK, s.view.all())
		return
	}
	st, ok := s.view.get(id)
	if !ok {
		observability.RecordHTTPRequest("GET", "/status", http.StatusNotFound, time.Since(start))
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.view.touchHeartbeatIfRunning(id, s.cfg.DefaultHeartbeat)
	observability.RecordHTTPRequest("GET", "/status", http.StatusOK, time.Since(start))
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.URL.Query().Get("session")
	if _, ok := s.view.get(id); !ok {
		observability.RecordHTTPRequest("GET", "/artifact", http.StatusNotFound, time.Since(start))
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.view.touchHeartbeatIfRunning(id, s.cfg.DefaultHeartbeat)
	dir := filepath.Join(s.cfg.TestsDir, id)

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			observability.RecordHTTPRequest("GET", "/artifact", http.StatusNotFound, time.Since(start))
			writeError(w, http.StatusNotFound, "no artifacts")
			return
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Type().IsRegular() {
				names = append(names, e.Name())
			}
		}
		observability.RecordHTTPRequest("GET", "/artifact", http.StatusOK, time.Since(start))
		writeJSON(w, http.StatusOK, names)
		return
	}

	path := filepath.Join(dir, filepath.Base(filename))
	info, err := os.Stat(path)
	if err != nil {
		observability.RecordHTTPRequest("GET", "/artifact", http.StatusNotFound, time.Since(start))
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	if maxsize := r.URL.Query().Get("maxsize"); maxsize != "" {
		var limit int64
		if _, err := fmt.Sscanf(maxsize, "%d", &limit); err == nil && info.Size() > limit {
			observability.RecordHTTPRequest("GET", "/artifact", http.StatusConflict, time.Since(start))
			writeError(w, http.StatusConflict, "artifact exceeds requested maxsize")
			return
		}
	}

	if info.Size() > transferChunkSize && s.view.anyPrePostprocess() {
		observability.RecordHTTPRequest("GET", "/artifact", http.StatusServiceUnavailable, time.Since(start))
		writeError(w, http.StatusServiceUnavailable, "artifact too large to read while a session is still running")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		observability.RecordHTTPRequest("GET", "/artifact", http.StatusNotFound, time.Since(start))
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.WriteHeader(http.StatusOK)
	buf := make([]byte, transferChunkSize)
	_, _ = io.CopyBuffer(w, f, buf)
	observability.RecordHTTPRequest("GET", "/artifact", http.StatusOK, time.Since(start))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.URL.Query().Get("session")
	running, ok := s.view.running()
	if !ok || running.Session != id {
		observability.RecordHTTPRequest("POST", "/upload", http.StatusNotFound, time.Since(start))
		writeError(w, http.StatusNotFound, "session is not running")
		return
	}
	s.view.touchHeartbeat(s.cfg.DefaultHeartbeat)
	filename := r.URL.Query().Get("filename")
	dir := filepath.Join(s.cfg.TestsDir, id)
	path := filepath.Join(dir, filepath.Base(filename))

	f, err := os.Create(path)
	if err != nil {
		observability.RecordHTTPRequest("POST", "/upload", http.StatusInternalServerError, time.Since(start))
		writeError(w, http.StatusInternalServerError, "failed to create upload target")
		return
	}
	defer f.Close()
	if _, err := io.Copy(f, r.Body); err != nil {
		observability.RecordHTTPRequest("POST", "/upload", http.StatusInternalServerError, time.Since(start))
		writeError(w, http.StatusInternalServerError, "failed to write upload")
		return
	}
	observability.RecordHTTPRequest("POST", "/upload", http.StatusOK, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{"reason": "ok"})
}
