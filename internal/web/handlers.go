package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/inkpad/inkpad/api"
	"github.com/inkpad/inkpad/internal/db"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writeJSON: encode error", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// authEmail extracts the authenticated email injected by the access proxy,
// or nil for anonymous requests.
func (s *Server) authEmail(r *http.Request) *string {
	email := strings.TrimSpace(r.Header.Get(s.cfg.AuthHeader))
	if email == "" {
		return nil
	}
	return &email
}

// handleSocket upgrades to a websocket and runs the editing session
// protocol until the client disconnects.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p := s.registry.Acquire(id)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "id", id, "err", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	_ = p.Connect(r.Context(), conn, s.authEmail(r))
}

// handleText returns the document's current text: the live session's if
// one is loaded, otherwise whatever the store has. Unknown documents read
// as empty.
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var text string
	if p, ok := s.registry.Lookup(id); ok {
		text = p.Text()
	} else {
		doc, err := s.db.LoadDocument(id)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to load document")
			return
		default:
			text = doc.Text
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

// Stats describes the server state returned from /api/stats.
type Stats struct {
	// StartTime is when the server started, in seconds since Unix epoch.
	StartTime int64 `json:"start_time"`
	// NumDocuments is the number of live in-memory sessions.
	NumDocuments int `json:"num_documents"`
	// DatabaseSize is the number of documents in the store.
	DatabaseSize int `json:"database_size"`
	// DatabaseBytes is the store's file size in bytes.
	DatabaseBytes int64 `json:"database_bytes"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.db.CountDocuments()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count documents")
		return
	}
	bytes, err := s.db.Size()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read database size")
		return
	}
	writeJSON(w, http.StatusOK, Stats{
		StartTime:     s.startTime.Unix(),
		NumDocuments:  s.registry.Len(),
		DatabaseSize:  count,
		DatabaseBytes: bytes,
	})
}

const idCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateDocumentID returns a random 6-character document id.
func generateDocumentID() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = idCharset[rand.IntN(len(idCharset))]
	}
	return string(b)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	metas, err := s.db.ListDocuments()
	if err != nil {
		slog.Error("failed to list documents", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if metas == nil {
		metas = []db.DocumentMeta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

type createDocumentRequest struct {
	Name *string `json:"name"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := generateDocumentID()
	meta, err := s.db.CreateDocument(id, req.Name)
	if err != nil {
		slog.Error("failed to create document", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create document")
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	meta, err := s.db.GetDocumentMeta(id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		slog.Error("failed to get document", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get document")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type renameDocumentRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req renameDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	err := s.db.RenameDocument(id, req.Name)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		slog.Error("failed to rename document", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to rename document")
		return
	}

	meta, err := s.db.GetDocumentMeta(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get document")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Drop the live session first so connected clients are cut off.
	s.registry.Remove(id)

	err := s.db.SoftDeleteDocument(id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		slog.Error("failed to delete document", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
