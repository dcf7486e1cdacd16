// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds configuration for the server
type ServerConfig struct {
	Repository  Repository    // defaults to an in-memory repository
	JWTSecret   string        // signing secret for bearer tokens
	TokenTTL    time.Duration // lifetime of tokens issued by /dummy-signin
	Logger      *slog.Logger
	LogRequests bool
}

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Repository Repository
	JWTAuth    *JWTAuth
	Handler    http.Handler
	Logger     *slog.Logger
}

// TestServer is a running server on a local httptest listener
type TestServer struct {
	*ServerComponents
	HTTPServer *httptest.Server
}

type signinRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

// SigninResponse is returned by POST /dummy-signin
type SigninResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      string `json:"user"`
	Device    string `json:"device"`
}

// SetupServer wires repository, authentication and routes.
// It is shared by the server main and by tests.
func SetupServer(config *ServerConfig) (*ServerComponents, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	repo := config.Repository
	if repo == nil {
		repo = NewMemoryRepository()
	}
	jwtSecret := config.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "your-secret-key-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}
	ttl := config.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	jwtAuth := NewJWTAuth(jwtSecret, logger)
	handlers := NewHandlers(repo, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HandleHealth)

	// Dummy signin returns a token for the given user and device; any password is accepted
	mux.HandleFunc("POST /dummy-signin", func(w http.ResponseWriter, r *http.Request) {
		var req signinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, logger, http.StatusBadRequest, "invalid_request", "invalid JSON")
			return
		}
		if req.User == "" {
			writeError(w, logger, http.StatusBadRequest, "invalid_request", "user required")
			return
		}
		if req.Device == "" {
			req.Device = "device-" + strconv.FormatInt(time.Now().UnixNano(), 36)
		}
		tok, err := jwtAuth.GenerateToken(req.User, req.Device, ttl)
		if err != nil {
			writeError(w, logger, http.StatusInternalServerError, "token_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, SigninResponse{Token: tok, ExpiresIn: int64(ttl / time.Second), User: req.User, Device: req.Device})
		logger.Info("Generated dummy JWT", "user", req.User, "device", req.Device)
	})

	protect := func(h http.HandlerFunc) http.Handler {
		return LoggingMiddleware(config.LogRequests, jwtAuth.Middleware(h), logger)
	}
	mux.Handle("POST /metrics", protect(handlers.HandleCreate))
	mux.Handle("GET /metrics", protect(handlers.HandleList))
	mux.Handle("PUT /metrics/{id}", protect(handlers.HandleUpdate))
	mux.Handle("DELETE /metrics/{id}", protect(handlers.HandleDelete))

	return &ServerComponents{
		Repository: repo,
		JWTAuth:    jwtAuth,
		Handler:    mux,
		Logger:     logger,
	}, nil
}

// NewTestServer starts the server on a local listener
func NewTestServer(config *ServerConfig) (*TestServer, error) {
	components, err := SetupServer(config)
	if err != nil {
		return nil, err
	}
	return &TestServer{
		ServerComponents: components,
		HTTPServer:       httptest.NewServer(components.Handler),
	}, nil
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.HTTPServer != nil {
		ts.HTTPServer.Close()
	}
}

// URL returns the base URL of the test server
func (ts *TestServer) URL() string {
	return ts.HTTPServer.URL
}

// GenerateToken generates a token for testing
func (ts *TestServer) GenerateToken(userID, deviceID string, duration time.Duration) (string, error) {
	return ts.JWTAuth.GenerateToken(userID, deviceID, duration)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs method, path, status and duration of every request
func LoggingMiddleware(enableLogging bool, next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enableLogging {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
