package apiServer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/antdist/antdist/pkg/address"
	"github.com/antdist/antdist/pkg/graph"
	"github.com/antdist/antdist/pkg/manifest"
)

// maxBodyBytes bounds request bodies; artifacts above this go through
// the library API, not HTTP.
const maxBodyBytes = 64 << 20

type publishRequest struct {
	AppID    string          `json:"appId"`
	Manifest json.RawMessage `json:"manifest"`
	Parents  []string        `json:"parents,omitempty"`
}

type entryView struct {
	Entry       string   `json:"entry"`
	ManifestURI string   `json:"manifestUri"`
	Parents     []string `json:"parents"`
	Created     string   `json:"created"`
}

func viewOf(ref graph.EntryRef) entryView {
	parents := make([]string, 0, len(ref.Entry.Parents))
	for _, p := range ref.Entry.Parents {
		parents = append(parents, p.Hex())
	}
	return entryView{
		Entry:       ref.Address.Hex(),
		ManifestURI: address.EncodeURI(ref.Entry.Manifest),
		Parents:     parents,
		Created:     time.UnixMilli(ref.Entry.Created).UTC().Format(time.RFC3339),
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.AppID == "" || len(req.Manifest) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid_params", "appId and manifest are required")
		return
	}

	parents := make([]address.Address, 0, len(req.Parents))
	for _, p := range req.Parents {
		addr, err := address.FromHex(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid_params", fmt.Sprintf("invalid parent %q: %v", p, err))
			return
		}
		parents = append(parents, addr)
	}

	result, err := s.dist.Publish(r.Context(), req.AppID, req.Manifest, parents...)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"uri":   result.URI,
		"entry": result.Entry.Hex(),
		"cost":  result.Cost,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	ref, err := s.dist.ResolveLatest(r.Context(), r.PathValue("app"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ref))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid_params", "limit must be a non-negative integer")
			return
		}
	}

	it, err := s.dist.History(r.PathValue("app"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	entries := []entryView{}
	for limit == 0 || len(entries) < limit {
		ref, err := it.Next(r.Context())
		if errors.Is(err, graph.Done) {
			break
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		entries = append(entries, viewOf(ref))
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	ref, err := s.dist.ResolveLatest(r.Context(), r.PathValue("app"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	_, data, err := s.dist.FetchManifest(r.Context(), ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Antdist-Entry", ref.Address.Hex())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var comp manifest.Component
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&comp); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid_request", fmt.Sprintf("invalid component: %v", err))
		return
	}
	if comp.ID == "" || comp.Version == "" {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid_params", "component id and version are required")
		return
	}

	data, err := s.dist.Install(r.Context(), comp)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid_request", fmt.Sprintf("read body: %v", err))
		return
	}

	estimate, err := s.dist.Estimate(r.Context(), data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid_request", fmt.Sprintf("read body: %v", err))
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid_params", "empty body")
		return
	}

	uri, err := s.dist.Upload(r.Context(), data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"uri": uri})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid_params", "uri query parameter is required")
		return
	}

	data, err := s.dist.Download(r.Context(), uri)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.dist.ClearCache(); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.dist.Healthy(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"healthy": healthy})
}
