// Package server exposes the remote data contract as a JSON REST API with JWT
// authentication, for clients that reach the record store over HTTP.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mobiletoly/go-offsync/internal/auth"
	"github.com/mobiletoly/go-offsync/offsync"
	"github.com/rs/cors"
)

// StoreFor returns the record store scoped to a tenant
type StoreFor func(tenantID string) offsync.Remote

// Config holds configuration for the HTTP server
type Config struct {
	AllowedOrigins  []string // CORS origins for browser clients (empty = none)
	MaxPayloadBytes int64    // Maximum request body size (0 = 1 MiB)
}

// Server represents the HTTP server for the REST API
type Server struct {
	stores  StoreFor
	auth    *JWTAuth
	config  *Config
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// NewServer creates a new server instance
func NewServer(stores StoreFor, jwtAuth *JWTAuth, config *Config, logger *slog.Logger) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		stores: stores,
		auth:   jwtAuth,
		config: config,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()

	s.handler = cors.New(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type", TenantHeader},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler(s.mux)
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.mux.Handle("POST /rest/{table}", s.auth.Middleware(http.HandlerFunc(s.handleCreate)))
	s.mux.Handle("PATCH /rest/{table}/{id}", s.auth.Middleware(http.HandlerFunc(s.handleUpdate)))
	s.mux.Handle("DELETE /rest/{table}/{id}", s.auth.Middleware(http.HandlerFunc(s.handleDelete)))
	s.mux.Handle("GET /rest/{table}", s.auth.Middleware(http.HandlerFunc(s.handleFetch)))

	// Health check endpoint (no auth required)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) store(r *http.Request) (offsync.Remote, bool) {
	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		return nil, false
	}
	return s.stores(tenantID), true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body exceeds limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return nil, false
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON")
		return nil, false
	}
	return body, true
}

// handleCreate handles POST /rest/{table}
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "Missing tenant")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	table := r.PathValue("table")
	rec, err := store.Create(r.Context(), table, body)
	if err != nil {
		s.writeStoreError(w, "create", table, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleUpdate handles PATCH /rest/{table}/{id}
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "Missing tenant")
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	table, id := r.PathValue("table"), r.PathValue("id")
	rec, err := store.Update(r.Context(), table, id, body)
	if err != nil {
		s.writeStoreError(w, "update", table, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDelete handles DELETE /rest/{table}/{id}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "Missing tenant")
		return
	}
	table, id := r.PathValue("table"), r.PathValue("id")
	if err := store.Delete(r.Context(), table, id); err != nil {
		s.writeStoreError(w, "delete", table, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFetch handles GET /rest/{table}?field=value
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "Missing tenant")
		return
	}
	filter := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			filter[k] = v[0]
		}
	}
	table := r.PathValue("table")
	recs, err := store.Fetch(r.Context(), table, filter)
	if err != nil {
		s.writeStoreError(w, "fetch", table, err)
		return
	}
	if recs == nil {
		recs = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// writeStoreError maps the offsync error taxonomy onto HTTP statuses
func (s *Server) writeStoreError(w http.ResponseWriter, op, table string, err error) {
	var (
		ce *offsync.ConflictError
		ne *offsync.NetworkError
	)
	switch {
	case errors.Is(err, offsync.ErrUnknownTable):
		writeError(w, http.StatusNotFound, "unknown_table", err.Error())
	case errors.Is(err, offsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, offsync.ErrBadPayload):
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &ne):
		s.logger.Warn("Record store unavailable", "op", op, "table", table, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Record store unavailable")
	default:
		s.logger.Error("Record store failure", "op", op, "table", table, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
