package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"govex/internal/core"
	"govex/internal/entity"

	"github.com/go-chi/chi/v5"
)

type codexResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Checksum  string `json:"checksum"`
	URL       string `json:"url,omitempty"`
	Code      string `json:"code,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleImportCodex(w http.ResponseWriter, r *http.Request) {
	var imp core.CodexImport
	if err := json.NewDecoder(r.Body).Decode(&imp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	codex, err := s.registry.Import(r.Context(), imp)
	if err != nil {
		s.writeDomainError(w, err, "codex", imp.Name)
		return
	}
	writeJSON(w, http.StatusCreated, codexToResponse(codex, false))
}

func (s *Server) handleGetCodex(w http.ResponseWriter, r *http.Request) {
	ident := chi.URLParam(r, "codexIdent")
	codex, err := s.registry.Resolve(r.Context(), ident)
	if err != nil {
		s.writeDomainError(w, err, "codex", ident)
		return
	}
	withCode := strings.EqualFold(r.URL.Query().Get("code"), "true") ||
		r.URL.Query().Get("code") == "1"
	writeJSON(w, http.StatusOK, codexToResponse(codex, withCode))
}

func (s *Server) handleListCodexes(w http.ResponseWriter, r *http.Request) {
	from := parseIntDefault(r.URL.Query().Get("from"), 0)
	count := parseIntDefault(r.URL.Query().Get("count"), 50)
	order := parseOrder(r.URL.Query().Get("order"), entity.OrderAsc)

	codexes, err := s.store.ListCodexes(r.Context(), from, count, order)
	if err != nil {
		s.logger.Error("list codexes", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list codexes")
		return
	}
	res := make([]codexResponse, 0, len(codexes))
	for _, codex := range codexes {
		res = append(res, codexToResponse(codex, false))
	}
	writeJSON(w, http.StatusOK, res)
}

func codexToResponse(codex *core.Codex, withCode bool) codexResponse {
	resp := codexResponse{
		ID:        codex.ID,
		Name:      codex.Name,
		Checksum:  codex.Checksum,
		URL:       codex.URL,
		CreatedAt: codex.CreatedAt.UTC().Format(time.RFC3339),
	}
	if withCode {
		resp.Code = codex.Code
	}
	return resp
}
