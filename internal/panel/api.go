package panel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rendis/credvault/internal/integrity"
	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/pkg/schema"
)

const maxBodyBytes = 1 << 20

// createRequest is the POST /api/credentials body after defaults.
type createRequest struct {
	ID          string            `json:"id"`
	Value       string            `json:"value"`
	Scopes      []string          `json:"scopes"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
	Provider    string            `json:"provider"`
	Service     string            `json:"service"`
}

// handleCreateCredential adds or replaces a credential. Scopes default to
// global, provider to "manual" and service to "user".
func (s *PanelServer) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var data json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid credential: %v", err))
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateCredentialInput(raw); err != nil {
			writeVaultError(w, err)
			return
		}
	}

	body := createRequest{Provider: "manual", Service: "user"}
	if err := json.Unmarshal(data, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid credential: %v", err))
		return
	}
	if body.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if len(body.Scopes) == 0 {
		body.Scopes = []string{schema.ScopeGlobal}
	}

	meta := make(map[string]string, len(body.Metadata)+2)
	for k, v := range body.Metadata {
		meta[k] = v
	}
	meta["provider"] = body.Provider
	meta["service"] = body.Service

	ctx := logging.WithCredentialID(r.Context(), body.ID)
	err := s.deps.Vault.AddCredential(ctx, schema.Credential{
		ID:          body.ID,
		Value:       body.Value,
		Description: body.Description,
		Scopes:      body.Scopes,
		Metadata:    meta,
	})
	if err != nil {
		logging.LogWith(ctx, s.deps.Logger).Error("add credential failed", slog.String("error", err.Error()))
		writeVaultError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"id":      body.ID,
	})
}

func (s *PanelServer) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.WithCredentialID(r.Context(), id)

	removed, err := s.deps.Vault.RemoveCredential(ctx, id)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// handleVerify runs an integrity check immediately.
func (s *PanelServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		writeError(w, http.StatusServiceUnavailable, "integrity checker is not configured")
		return
	}
	res := s.deps.Checker.Check(r.Context(), integrity.TriggerManual)
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"ok":     res.OK(),
		"result": res,
	})
}
