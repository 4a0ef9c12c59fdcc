// Package httpserver implements syncd's HTTP contract (spec §6): the
// webhook receiver, read-only Store projections, and liveness/readiness
// probes. It uses the standard library's net/http plus Go 1.22+
// http.ServeMux path patterns rather than a routing framework, since no
// wired dependency in this tree covers that concern.
package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/syncd/internal/domain"
	"github.com/teranos/syncd/internal/ingest"
	"github.com/teranos/syncd/internal/store"
	"github.com/teranos/syncd/internal/supervisor"
)

// Supervisor is the subset of internal/supervisor.Supervisor the HTTP
// server depends on.
type Supervisor interface {
	Ready() bool
	NodeStatus() map[string]supervisor.NodeHealth
	Store() *store.Store
	Ingestor() *ingest.Ingestor
}

// Server answers syncd's HTTP contract.
type Server struct {
	mux *http.ServeMux
	sup Supervisor
	log *zap.SugaredLogger
}

// New builds a Server and registers every route from §6.
func New(sup Supervisor, log *zap.SugaredLogger) *Server {
	s := &Server{mux: http.NewServeMux(), sup: sup, log: log}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /webhook/{node_name}", s.handleWebhook)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/queue", s.handleQueue)
	s.mux.HandleFunc("GET /api/events/pending", s.handlePendingEvents)
	s.mux.HandleFunc("GET /api/events/waiting", s.handleWaitingEvents)
	s.mux.HandleFunc("GET /api/sync-log", s.handleSyncLog)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	nodeName := r.PathValue("node_name")
	requestID := uuid.New().String()

	var payload ingest.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.log.Warnw("webhook rejected: malformed body", "request_id", requestID, "node", nodeName, "error", err)
		writeError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return
	}

	result, err := s.sup.Ingestor().Ingest(nodeName, payload)
	if err != nil {
		s.log.Warnw("webhook rejected", "request_id", requestID, "node", nodeName, "error", err)
		writeIngestError(w, err)
		return
	}
	s.log.Infow("webhook accepted", "request_id", requestID, "node", nodeName, "intent_ids", result.IntentIDs)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id":          requestID,
		"intent_ids":          result.IntentIDs,
		"generated_passwords": result.GeneratedPasswords,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready": s.sup.Ready(),
		"nodes": s.sup.NodeStatus(),
	})
}

// handleQueue is a combined view across both open states, convenient for a
// single-glance dashboard query.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	pending, err := s.sup.Store().ListPending(domain.StatePending, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	waiting, err := s.sup.Store().ListPending(domain.StateWaitingItem, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":      pending,
		"waiting_item": waiting,
	})
}

func (s *Server) handlePendingEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	events, err := s.sup.Store().ListPending(domain.StatePending, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleWaitingEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	events, err := s.sup.Store().ListPending(domain.StateWaitingItem, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	filter := store.SyncLogFilter{
		SourceNode: r.URL.Query().Get("source_node"),
		TargetNode: r.URL.Query().Get("target_node"),
		Username:   r.URL.Query().Get("username"),
	}
	entries, err := s.sup.Store().QuerySyncLog(filter, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.sup.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit = 100
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
