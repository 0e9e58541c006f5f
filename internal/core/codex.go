package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CodexImport is the payload accepted when registering a codex. Code and URL
// are mutually exclusive. Checksum, when declared, is verified against the
// actual content before the codex is stored.
type CodexImport struct {
	Name     string `json:"name"`
	Code     string `json:"code,omitempty"`
	URL      string `json:"url,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Replace  bool   `json:"replace,omitempty"`
}

// CodexRegistry stores checksummed source units and resolves them to
// executable code for the engine.
type CodexRegistry struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// NewCodexRegistry constructs a registry over the given store.
func NewCodexRegistry(store Store, logger *slog.Logger) *CodexRegistry {
	return &CodexRegistry{
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Checksum returns the content hash used for codex integrity checks.
func Checksum(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Import registers a codex from inline source or a remote URL. Re-importing
// an existing name fails with ErrConflict unless Replace is set.
func (r *CodexRegistry) Import(ctx context.Context, imp CodexImport) (*Codex, error) {
	name := strings.TrimSpace(imp.Name)
	if name == "" {
		return nil, fmt.Errorf("codex name is required")
	}
	if (imp.Code == "") == (imp.URL == "") {
		return nil, fmt.Errorf("codex %s: exactly one of code or url must be given", name)
	}

	code := imp.Code
	if imp.URL != "" {
		fetched, err := r.fetch(ctx, imp.URL)
		if err != nil {
			return nil, err
		}
		code = fetched
	}

	sum := Checksum(code)
	if imp.Checksum != "" && !strings.EqualFold(imp.Checksum, sum) {
		return nil, fmt.Errorf("%w: codex %s: declared %s, computed %s",
			ErrChecksumMismatch, name, imp.Checksum, sum)
	}

	existing, err := r.store.GetCodex(ctx, name)
	switch {
	case err == nil:
		if !imp.Replace {
			return nil, fmt.Errorf("%w: codex %s already exists", ErrConflict, name)
		}
		referenced, err := r.store.CodexReferenced(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		if referenced {
			r.logger.Warn("replacing codex referenced by existing calls", "codex", name)
		}
		existing.Code = code
		existing.URL = imp.URL
		existing.Checksum = sum
		if err := r.store.ReplaceCodex(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	case errors.Is(err, ErrNotFound):
		codex := &Codex{
			ID:       NewID(),
			Name:     name,
			Code:     code,
			URL:      imp.URL,
			Checksum: sum,
		}
		if err := r.store.InsertCodex(ctx, codex); err != nil {
			return nil, err
		}
		return codex, nil
	default:
		return nil, err
	}
}

// Resolve loads a codex by id or name and verifies its stored checksum
// before handing the code to the caller.
func (r *CodexRegistry) Resolve(ctx context.Context, idOrName string) (*Codex, error) {
	codex, err := r.store.GetCodex(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if sum := Checksum(codex.Code); sum != codex.Checksum {
		return nil, fmt.Errorf("%w: codex %s: stored %s, computed %s",
			ErrChecksumMismatch, codex.Name, codex.Checksum, sum)
	}
	return codex, nil
}

func (r *CodexRegistry) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build codex fetch request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch codex from %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch codex from %s: unexpected status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read codex body: %w", err)
	}
	return string(data), nil
}
