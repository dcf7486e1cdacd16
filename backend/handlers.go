// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/apptrackit/trackit-sync/internal/auth"
	"github.com/apptrackit/trackit-sync/measure"
	"github.com/apptrackit/trackit-sync/transport"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Handlers serves the metrics REST API
type Handlers struct {
	repo   Repository
	logger *slog.Logger
}

// NewHandlers creates the metrics handlers over repo
func NewHandlers(repo Repository, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{repo: repo, logger: logger}
}

// HandleCreate stores a new entry: POST /metrics
func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "authentication_failed", "user identity missing")
		return
	}
	userID := caller.UserID

	var req transport.CreateMetricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "failed to parse create request")
		return
	}
	if _, ok := measure.KindForRemoteType(req.MetricTypeID); !ok {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "unknown metric_type_id "+strconv.Itoa(req.MetricTypeID))
		return
	}
	if msg := validateValue(req.Value, req.Date); msg != "" {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	id, err := h.repo.Create(r.Context(), Entry{
		UserID:         userID,
		MetricTypeID:   req.MetricTypeID,
		Value:          req.Value,
		Day:            req.Date,
		IsHealthBridge: req.IsHealthBridge,
	})
	if err != nil {
		h.logger.Error("failed to create metric entry", "user_id", userID, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "create_failed", "failed to store metric entry")
		return
	}

	h.logger.Debug("metric entry created", "user_id", userID, "device_id", caller.DeviceID, "entry_id", id, "metric_type_id", req.MetricTypeID)
	writeJSON(w, http.StatusCreated, transport.CreateMetricResponse{Success: true, EntryID: id})
}

// HandleUpdate changes value and date of an entry: PUT /metrics/{id}
func (h *Handlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "authentication_failed", "user identity missing")
		return
	}
	userID := caller.UserID
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}

	var req transport.UpdateMetricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "failed to parse update request")
		return
	}
	if msg := validateValue(req.Value, req.Date); msg != "" {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	if err := h.repo.Update(r.Context(), userID, id, req.Value, req.Date); err != nil {
		h.writeRepoError(w, "update_failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.SimpleResponse{Success: true})
}

// HandleDelete removes an entry: DELETE /metrics/{id}
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "authentication_failed", "user identity missing")
		return
	}
	userID := caller.UserID
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), userID, id); err != nil {
		h.writeRepoError(w, "delete_failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.SimpleResponse{Success: true})
}

// HandleList returns a page of the user's entries: GET /metrics?limit=&offset=
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "authentication_failed", "user identity missing")
		return
	}
	userID := caller.UserID

	limit := defaultPageSize
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > maxPageSize {
			writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	offset := 0
	if s := r.URL.Query().Get("offset"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "offset must be >= 0")
			return
		}
		offset = v
	}

	entries, total, err := h.repo.List(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list metric entries", "user_id", userID, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "list_failed", "failed to list metric entries")
		return
	}

	resp := transport.ListMetricsResponse{Success: true, Total: total, Entries: make([]json.RawMessage, 0, len(entries))}
	for _, e := range entries {
		hb := e.IsHealthBridge
		raw, err := json.Marshal(transport.MetricEntry{
			ID:             e.ID,
			MetricTypeID:   e.MetricTypeID,
			Value:          strconv.FormatFloat(e.Value, 'f', -1, 64),
			Date:           e.Day,
			IsHealthBridge: &hb,
			CreatedAt:      e.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			h.logger.Error("failed to encode metric entry", "entry_id", e.ID, "error", err)
			writeError(w, h.logger, http.StatusInternalServerError, "list_failed", "failed to encode metric entries")
			return
		}
		resp.Entries = append(resp.Entries, raw)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports liveness without authentication: GET /health
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, transport.HealthResponse{Status: "ok"})
}

func (h *Handlers) entryID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "missing or invalid id")
		return 0, false
	}
	return id, true
}

func (h *Handlers) writeRepoError(w http.ResponseWriter, code string, id int64, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, h.logger, http.StatusNotFound, "not_found", "metric entry "+strconv.FormatInt(id, 10)+" not found")
		return
	}
	h.logger.Error("metric entry operation failed", "entry_id", id, "error", err)
	writeError(w, h.logger, http.StatusInternalServerError, code, "failed to modify metric entry")
}

func validateValue(value float64, day string) string {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return "value must be a positive number"
	}
	if _, err := time.Parse(measure.DayLayout, day); err != nil {
		return "date must be YYYY-MM-DD"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, transport.ErrorResponse{Success: false, Error: errorCode, Message: message})
	logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
