// Package control is the thin HTTP surface over a running lap loop: pause,
// resume and stop the trading flag, inspect status, scrape metrics, and
// follow lap events over a websocket.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/journal"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/lap"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/metrics"
)

// StatusSource is the read side of a lap runner.
type StatusSource interface {
	CurrentLap() int
	Laps() []lap.Lap
	Workers() []common.Address
}

type Options struct {
	SessionID   string
	Control     *lap.Control
	Status      StatusSource
	Metrics     *metrics.Metrics
	Journal     *journal.Journal
	Broadcaster *journal.Broadcaster
	Logger      *zap.Logger
}

type Server struct {
	opts   Options
	router *mux.Router
	logger *zap.Logger
}

type Status struct {
	SessionID string          `json:"session_id"`
	Lap       int             `json:"lap"`
	Active    bool            `json:"active"`
	Paused    bool            `json:"paused"`
	Stopped   bool            `json:"stopped"`
	Workers   []string        `json:"workers"`
	Laps      []lap.Lap       `json:"laps"`
	Recent    []journal.Event `json:"recent_events,omitempty"`
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{opts: opts, router: mux.NewRouter(), logger: logger.With(zap.String("component", "control"))}

	s.router.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	s.router.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	if opts.Broadcaster != nil {
		s.router.HandleFunc("/ws", opts.Broadcaster.Handler())
	}
	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control surface listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	changed := s.opts.Control.Pause()
	s.logger.Info("pause requested", zap.Bool("changed", changed), zap.String("remote", r.RemoteAddr))
	s.respondState(w, changed)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	changed := s.opts.Control.Resume()
	s.logger.Info("resume requested", zap.Bool("changed", changed), zap.String("remote", r.RemoteAddr))
	s.respondState(w, changed)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	changed := s.opts.Control.Stop()
	s.logger.Info("stop requested", zap.Bool("changed", changed), zap.String("remote", r.RemoteAddr))
	s.respondState(w, changed)
}

func (s *Server) respondState(w http.ResponseWriter, changed bool) {
	ctl := s.opts.Control
	respondJSON(w, http.StatusOK, map[string]bool{
		"changed": changed,
		"active":  ctl.Active(),
		"paused":  ctl.Paused(),
		"stopped": ctl.Stopped(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctl := s.opts.Control
	st := Status{
		SessionID: s.opts.SessionID,
		Active:    ctl.Active(),
		Paused:    ctl.Paused(),
		Stopped:   ctl.Stopped(),
		Workers:   []string{},
		Laps:      []lap.Lap{},
		Recent:    s.opts.Journal.Recent(20),
	}
	if src := s.opts.Status; src != nil {
		st.Lap = src.CurrentLap()
		st.Laps = src.Laps()
		for _, a := range src.Workers() {
			st.Workers = append(st.Workers, a.Hex())
		}
	}
	respondJSON(w, http.StatusOK, st)
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
