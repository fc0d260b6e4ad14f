// Package statusapi serves a local read-only HTTP API while the connect
// daemon runs.
//
// It exposes the paired agents with their endpoints and live connection
// phase, a health probe, and Prometheus metrics. The listener binds to
// loopback by default; nothing here mutates state and no credentials are
// ever returned.
package statusapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentlink/client/internal/conn"
	"github.com/agentlink/client/internal/registry"
	"github.com/agentlink/client/internal/storage"
)

// Server wires the status API over the store and controller.
type Server struct {
	store      *storage.SQLiteStore
	controller *registry.Controller
}

// New creates a status API server.
func New(store *storage.SQLiteStore, controller *registry.Controller) *Server {
	return &Server{store: store, controller: controller}
}

// agentView is the wire shape for one agent.
type agentView struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	Phase          string         `json:"phase"`
	SessionID      string         `json:"sessionId,omitempty"`
	SupportsResume bool           `json:"supportsResume"`
	PreferredKind  string         `json:"preferredKind,omitempty"`
	Endpoints      []endpointView `json:"endpoints"`

	// PendingApprovals lists tool-permission requests the live connection
	// is waiting on. Empty unless the agent is connected and the host has
	// asked something.
	PendingApprovals []approvalView `json:"pendingApprovals"`
}

// approvalView is the wire shape for one outstanding permission request.
type approvalView struct {
	RequestID string `json:"requestId"`
	Title     string `json:"title"`
}

// endpointView is the wire shape for one endpoint. URLs are included;
// tokens and secrets never appear here.
type endpointView struct {
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	URL             string `json:"url"`
	Priority        int    `json:"priority"`
	Active          bool   `json:"active"`
	LastConnectedAt string `json:"lastConnectedAt,omitempty"`
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/agents", s.handleAgents)
	r.Get("/v1/agents/{id}", s.handleAgent)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// ListenAndServe serves the API until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	log.Printf("statusapi: listening on %s", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents()
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		view, err := s.agentView(agent)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, *view)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": views})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}

	view, err := s.agentView(agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) agentView(agent *storage.Agent) (*agentView, error) {
	endpoints, err := s.store.ListEndpoints(agent.ID)
	if err != nil {
		return nil, err
	}

	view := &agentView{
		ID:               agent.ID,
		Name:             agent.Name,
		Status:           agent.Status,
		Phase:            string(conn.PhaseDisconnected),
		SessionID:        agent.SessionID,
		SupportsResume:   agent.SupportsResume,
		PreferredKind:    string(agent.PreferredKind),
		Endpoints:        make([]endpointView, 0, len(endpoints)),
		PendingApprovals: []approvalView{},
	}

	if m := s.controller.Machine(agent.ID); m != nil {
		view.Phase = string(m.State().Phase)
		for _, req := range m.PendingApprovals() {
			view.PendingApprovals = append(view.PendingApprovals, approvalView{
				RequestID: req.RequestID,
				Title:     req.Title,
			})
		}
	}

	for _, ep := range endpoints {
		ev := endpointView{
			ID:       ep.ID,
			Kind:     string(ep.Kind),
			URL:      ep.URL,
			Priority: ep.Priority,
			Active:   ep.Active,
		}
		if !ep.LastConnectedAt.IsZero() {
			ev.LastConnectedAt = ep.LastConnectedAt.Format(time.RFC3339Nano)
		}
		view.Endpoints = append(view.Endpoints, ev)
	}

	return view, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("statusapi: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	log.Printf("statusapi: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
