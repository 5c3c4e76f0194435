// Package apiServer exposes the distributor over HTTP with JSON
// request and response bodies. Errors use a JSON-RPC style envelope so
// clients can branch on a stable numeric code.
package apiServer

import (
	"log/slog"
	"net/http"

	antdist "github.com/antdist/antdist"
)

type Server struct {
	mux  *http.ServeMux
	dist *antdist.Distributor
	log  *slog.Logger
	auth AuthFunc
}

func New(dist *antdist.Distributor, opts ...Option) *Server {
	s := &Server{
		mux:  http.NewServeMux(),
		dist: dist,
		log:  slog.Default(),
		auth: defaultAuth,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /publish", s.handlePublish)
	s.mux.HandleFunc("GET /apps/{app}/latest", s.handleLatest)
	s.mux.HandleFunc("GET /apps/{app}/history", s.handleHistory)
	s.mux.HandleFunc("GET /apps/{app}/manifest", s.handleManifest)
	s.mux.HandleFunc("POST /install", s.handleInstall)
	s.mux.HandleFunc("POST /estimate", s.handleEstimate)
	s.mux.HandleFunc("POST /upload", s.handleUpload)
	s.mux.HandleFunc("GET /download", s.handleDownload)
	s.mux.HandleFunc("DELETE /cache", s.handleClearCache)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)

	allowedHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowedHeaders == "" {
		allowedHeaders = "Content-Type, Accept, Authorization"
	}
	w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.auth(r); err != nil {
		s.log.Warn("authentication failed", "error", err)
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized", "unauthorized")
		return
	}

	s.mux.ServeHTTP(w, r)
}
