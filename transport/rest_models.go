// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package transport

import "encoding/json"

// CreateMetricRequest is the body of POST /metrics
type CreateMetricRequest struct {
	MetricTypeID   int     `json:"metric_type_id"`   // Remote numeric type id (see measure.Kind.RemoteTypeID)
	Value          float64 `json:"value"`            // Measured value in the kind's unit
	Date           string  `json:"date"`             // Calendar day, YYYY-MM-DD
	IsHealthBridge bool    `json:"is_health_bridge"` // Reading imported from the device health store
}

// CreateMetricResponse is returned by POST /metrics
type CreateMetricResponse struct {
	Success bool   `json:"success"`
	EntryID int64  `json:"entry_id"`
	Error   string `json:"error,omitempty"`
}

// UpdateMetricRequest is the body of PUT /metrics/{id}
type UpdateMetricRequest struct {
	Value float64 `json:"value"`
	Date  string  `json:"date"` // YYYY-MM-DD
}

// SimpleResponse is returned by PUT and DELETE on /metrics/{id}
type SimpleResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// MetricEntry is a single entry of GET /metrics as the backend writes it.
// Values are transmitted as decimal strings.
type MetricEntry struct {
	ID             int64  `json:"id"`
	MetricTypeID   int    `json:"metric_type_id"`
	Value          string `json:"value"`
	Date           string `json:"date"`                       // YYYY-MM-DD
	IsHealthBridge *bool  `json:"is_health_bridge,omitempty"` // Optional; absent means manual
	CreatedAt      string `json:"created_at,omitempty"`       // RFC3339, optional
}

// ListMetricsResponse is returned by GET /metrics?limit=&offset=.
// Entries stay raw so one malformed entry never fails the whole page.
type ListMetricsResponse struct {
	Success bool              `json:"success"`
	Entries []json.RawMessage `json:"entries"`
	Total   int               `json:"total"`
	Error   string            `json:"error,omitempty"`
}

// ErrorResponse is written by the backend for non-2xx responses
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string `json:"status"`
}
