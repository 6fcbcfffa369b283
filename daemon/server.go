package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/seamlessvm/seamless/config"
	"github.com/seamlessvm/seamless/types"
	"github.com/seamlessvm/seamless/vm"
)

// shutdownGracePeriod bounds draining in-flight requests on exit.
const shutdownGracePeriod = 10 * time.Second

// Server exposes the VM lifecycle over HTTP on the daemon's unix
// socket. It owns nothing but the transport; the controller owns the VM.
type Server struct {
	conf       *config.Config
	controller *vm.Controller
}

// NewServer wires the API around a controller.
func NewServer(conf *config.Config, controller *vm.Controller) *Server {
	return &Server{conf: conf, controller: controller}
}

// Serve listens on the daemon socket until ctx is cancelled, then
// drains and closes the controller.
func (s *Server) Serve(ctx context.Context) error {
	logger := log.WithFunc("daemon.Serve")
	socketPath := s.conf.DaemonSocket()
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		logger.Warnf(ctx, "chmod %s: %v", socketPath, err)
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof(ctx, "lifecycle API listening on %s", socketPath)
		if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		_ = srv.Shutdown(drainCtx)
		return s.controller.Close(context.Background())
	})

	err = g.Wait()
	_ = os.Remove(socketPath)
	return err
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("POST /v1/vm/ensure", s.handleEnsure)
	mux.HandleFunc("POST /v1/vm/start", s.handleStart)
	mux.HandleFunc("POST /v1/vm/shutdown", s.handleShutdown)
	mux.HandleFunc("POST /v1/vm/suspend", s.handleSuspend)
	mux.HandleFunc("POST /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/snapshots", s.handleListSnapshots)
	mux.HandleFunc("POST /v1/snapshots", s.handleSaveSnapshot)
	mux.HandleFunc("POST /v1/programs", s.handleLaunch)
	mux.HandleFunc("POST /v1/guest/shutdown", s.handleGuestShutdown)
	mux.HandleFunc("GET /v1/console", s.handleConsole)
	return mux
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	path, err := s.controller.ConsolePath(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConsoleResponse{PTYPath: path})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := s.controller.CurrentState()
	writeJSON(w, http.StatusOK, s.stateOf(state))
}

// stateOf annotates a state with the controller's streaming health.
func (s *Server) stateOf(state types.VMState) StateResponse {
	return stateResponse(state, s.controller.StreamingError(), s.controller.StreamingDegraded())
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller.EnsureRunning(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stateOf(state))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller.Start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stateOf(state))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller.Shutdown(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(state, nil, false))
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	state, err := s.controller.SuspendIfIdle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(state, nil, false))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !readJSON(w, r, &req) {
		return
	}
	active := s.controller.RegisterSession(r.Context(), req.Delta)
	writeJSON(w, http.StatusOK, SessionResponse{ActiveSessions: active})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	records, err := s.controller.ListSnapshots(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotListResponse{Snapshots: records})
}

func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	record, err := s.controller.SaveSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "path is required"})
		return
	}
	if err := s.controller.LaunchProgram(r.Context(), req.Path, req.Args, req.WorkingDir); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGuestShutdown(w http.ResponseWriter, r *http.Request) {
	var req GuestShutdownRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.controller.RequestGuestShutdown(r.Context(), req.TimeoutSeconds); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := classifyError(err)
	writeJSON(w, status, resp)
}
