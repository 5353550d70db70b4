package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/log"
	"github.com/cuemby/tierd/pkg/metrics"
	"github.com/cuemby/tierd/pkg/reconciler"
	"github.com/cuemby/tierd/pkg/schedule"
	"github.com/cuemby/tierd/pkg/types"
)

// Assignments lists the persisted UUID → mount path map
type Assignments interface {
	Assignments() []types.MountAssignment
}

// History is the read side of the state journal
type History interface {
	ListDrives() ([]*types.DriveRecord, error)
	ListTaskRuns() ([]*types.TaskRun, error)
	RecentEvents(limit int) ([]*events.Event, error)
}

// Loop exposes the control loop's latest pass
type Loop interface {
	LastReport() *reconciler.Report
	Tasks() []schedule.Status
}

// Sources feeds the /status endpoint. Any of them may be nil.
type Sources struct {
	Version     string
	Assignments Assignments
	History     History
	Loop        Loop
}

// StatusServer serves health, readiness, metrics and daemon status over
// HTTP
type StatusServer struct {
	src    Sources
	mux    *http.ServeMux
	server *http.Server
}

// NewStatusServer creates a new status HTTP server
func NewStatusServer(src Sources) *StatusServer {
	mux := http.NewServeMux()
	s := &StatusServer{
		src: src,
		mux: mux,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.HandleFunc("/status", s.statusHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start listens on addr and serves until Shutdown
func (s *StatusServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown
func (s *StatusServer) Serve(ln net.Listener) error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (s *StatusServer) GetHandler() http.Handler {
	return s.mux
}
