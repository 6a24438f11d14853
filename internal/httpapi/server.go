// Package httpapi exposes the syncer and the dashboard tables over a small
// JSON API, plus a websocket feed of table change events.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/salespipe/leadsync/internal/leadsync"
)

const maxImportBodyBytes = 8 << 20

type ServerConfig struct {
	// AuthToken guards every /v1 route when set. /health stays open.
	AuthToken string
}

type Server struct {
	syncer   *leadsync.Syncer
	store    leadsync.TableStore
	notifier *leadsync.Notifier
	cfg      ServerConfig
	logger   *logrus.Logger
}

func NewServer(syncer *leadsync.Syncer, store leadsync.TableStore, notifier *leadsync.Notifier, logger *logrus.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Server{
		syncer:   syncer,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := r.Header.Get("X-Correlation-Id")
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.syncer.Status())
	case r.URL.Path == "/v1/sync" && r.Method == http.MethodPost:
		s.handleSync(w, r, correlationID)
	case r.URL.Path == "/v1/import" && r.Method == http.MethodPost:
		s.handleImport(w, r, correlationID)
	case r.URL.Path == "/v1/leads" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"items": s.syncer.Leads()})
	case strings.HasPrefix(r.URL.Path, "/v1/tables/") && r.Method == http.MethodGet:
		s.handleTable(w, r, correlationID)
	case r.URL.Path == "/v1/subscribe" && r.Method == http.MethodGet:
		s.handleSubscribe(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	presented := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	report, err := s.syncer.SyncOnce(r.Context())
	if err != nil {
		s.logger.WithError(err).Warn("manual sync failed")
		if errors.Is(err, leadsync.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusBadGateway, "sync_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", correlationID)
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "empty csv body", correlationID)
		return
	}
	report, err := s.syncer.ImportCSV(r.Context(), string(body))
	if err != nil {
		s.logger.WithError(err).Warn("csv import failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request, correlationID string) {
	table := strings.TrimPrefix(r.URL.Path, "/v1/tables/")
	opts := listOptionsFromQuery(r)
	ctx := r.Context()

	var (
		items any
		err   error
	)
	switch table {
	case leadsync.TableLeads:
		items, err = s.store.ListLeads(ctx, opts)
	case leadsync.TableSalesPersons:
		items, err = s.store.ListSalesPersons(ctx, opts)
	case leadsync.TableLeadSources:
		items, err = s.store.ListLeadSources(ctx, opts)
	case leadsync.TablePipelineStages:
		items, err = s.store.ListPipelineStages(ctx, opts)
	case leadsync.TableStageAssignments:
		items, err = s.store.ListStageAssignments(ctx, opts)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown table: "+table, correlationID)
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("table", table).Warn("table listing failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func listOptionsFromQuery(r *http.Request) leadsync.ListOptions {
	opts := leadsync.ListOptions{
		OrderBy:    strings.TrimSpace(r.URL.Query().Get("orderBy")),
		Descending: strings.EqualFold(r.URL.Query().Get("order"), "desc"),
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		opts.Limit = limit
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	payload := map[string]string{
		"code":    code,
		"message": message,
	}
	if correlationID != "" {
		payload["correlationId"] = correlationID
	}
	writeJSON(w, status, payload)
}
