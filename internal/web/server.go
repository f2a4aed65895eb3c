// Package web provides an HTTP status server for the hydro-node daemon.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/hydro-node/internal/dispatch"
	"github.com/sweeney/hydro-node/internal/health"
	"github.com/sweeney/hydro-node/internal/status"
)

// Queue is the read-only view of the dispatcher the server renders.
type Queue interface {
	Pending() []dispatch.Queued
	InFlight(channel string) (string, bool)
}

// Options configures a Server. Queue and Gatherer may be nil.
type Options struct {
	Tracker  *status.Tracker
	Queue    Queue
	Gatherer prometheus.Gatherer
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	queue      Queue
}

// New creates a Server that reads state from the tracker.
func New(addr string, opts Options) *Server {
	s := &Server{tracker: opts.Tracker, queue: opts.Queue}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)
	r.HandleFunc("/channels/{name}", s.handleChannel).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap, s.pending())
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// ChannelJSON is the per-channel detail served at /channels/{name}.
type ChannelJSON struct {
	Channel  health.ChannelHealth `json:"channel"`
	InFlight string               `json:"in_flight,omitempty"`
	Queued   []QueuedJSON         `json:"queued"`
}

// QueuedJSON is one waiting command.
type QueuedJSON struct {
	CmdID      string `json:"cmd_id"`
	DurationMs int64  `json:"duration_ms"`
	Arrived    string `json:"arrived"`
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	snap := s.tracker.Snapshot()
	ch, ok := snap.Health.Channel(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	out := ChannelJSON{Channel: ch, Queued: []QueuedJSON{}}
	if s.queue != nil {
		if id, busy := s.queue.InFlight(name); busy {
			out.InFlight = id
		}
		for _, q := range s.queue.Pending() {
			if q.Channel != name {
				continue
			}
			out.Queued = append(out.Queued, QueuedJSON{
				CmdID:      q.CmdID,
				DurationMs: q.Duration.Milliseconds(),
				Arrived:    q.Arrived.UTC().Format("2006-01-02T15:04:05Z"),
			})
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) pending() []dispatch.Queued {
	if s.queue == nil {
		return nil
	}
	return s.queue.Pending()
}
