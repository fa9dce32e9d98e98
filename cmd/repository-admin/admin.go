package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-repository/pkg/containment"
	"github.com/dd0wney/cluso-repository/pkg/health"
	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
	"github.com/dd0wney/cluso-repository/pkg/transaction"
)

// adminAPI serves operational endpoints over the transaction manager and
// the committed view of the containment index.
type adminAPI struct {
	mgr     *transaction.Manager
	index   containment.Index
	checker *health.Checker
	metrics *metrics.Registry
	logger  logging.Logger
}

func (a *adminAPI) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.Handle("GET /health", a.checker.HTTPHandler())
	mux.Handle("GET /ready", a.checker.ReadinessHandler())
	mux.HandleFunc("GET /transactions", a.handleTransactions)
	mux.HandleFunc("POST /transactions/cleanup", a.handleCleanup)
	mux.HandleFunc("GET /containment/children", a.handleChildren)
	mux.HandleFunc("GET /containment/parent", a.handleParent)
	return a.logRequests(mux)
}

func (a *adminAPI) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("admin request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Latency(time.Since(start)))
	})
}

type transactionStats struct {
	Registered int `json:"registered"`
	Open       int `json:"open"`
}

func (a *adminAPI) handleTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, transactionStats{Registered: a.mgr.Len(), Open: a.mgr.OpenCount()})
}

func (a *adminAPI) handleCleanup(w http.ResponseWriter, r *http.Request) {
	a.mgr.CleanupClosedTransactions(r.Context())
	writeJSON(w, http.StatusOK, transactionStats{Registered: a.mgr.Len(), Open: a.mgr.OpenCount()})
}

type childrenResponse struct {
	Parent   string   `json:"parent"`
	Deleted  bool     `json:"deleted"`
	Children []string `json:"children"`
}

// handleChildren lists the children of ?id in the committed view. A
// memento identifier lists the children at that instant; ?deleted=true
// lists tombstoned children instead.
func (a *adminAPI) handleChildren(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceParam(w, r)
	if !ok {
		return
	}
	deleted, _ := strconv.ParseBool(r.URL.Query().Get("deleted"))

	seq := a.index.GetContains(r.Context(), nil, id)
	if deleted {
		seq = a.index.GetContainsDeleted(r.Context(), nil, id)
	}
	resp := childrenResponse{Parent: id.FullID(), Deleted: deleted, Children: []string{}}
	for child := range seq.All() {
		resp.Children = append(resp.Children, child)
	}
	if err := seq.Err(); err != nil {
		a.logger.Error("failed to list children", logging.ResourceID(id.FullID()), logging.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type parentResponse struct {
	ID          string `json:"id"`
	Parent      string `json:"parent,omitempty"`
	LastUpdated string `json:"last_updated,omitempty"`
}

func (a *adminAPI) handleParent(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceParam(w, r)
	if !ok {
		return
	}
	parent, err := a.index.GetContainedBy(r.Context(), nil, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if parent == "" {
		writeError(w, http.StatusNotFound, "no containment recorded for "+id.FullID())
		return
	}
	resp := parentResponse{ID: id.FullID(), Parent: parent}
	if updated, err := a.index.ContainmentLastUpdated(r.Context(), nil, id); err == nil && !updated.IsZero() {
		resp.LastUpdated = updated.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func resourceParam(w http.ResponseWriter, r *http.Request) (identifier.ResourceID, bool) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return identifier.ResourceID{}, false
	}
	return identifier.New(raw), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
