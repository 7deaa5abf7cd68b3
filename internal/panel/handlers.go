package panel

import (
	"net/http"
	"sort"

	"github.com/rendis/credvault/internal/expressions"
	"github.com/rendis/credvault/internal/store"
)

const defaultAuditLimit = 50

// handleListCredentials returns summaries, optionally filtered by a
// selector: ?where=<expression>&engine=cel|expr|jq.
func (s *PanelServer) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	summaries := s.deps.Vault.ListCredentials()

	where := r.URL.Query().Get("where")
	if where == "" {
		writeJSON(w, http.StatusOK, summaries)
		return
	}
	if s.deps.Engines == nil {
		writeError(w, http.StatusBadRequest, "selectors are not enabled")
		return
	}
	engine, err := s.deps.Engines.Get(r.URL.Query().Get("engine"))
	if err != nil {
		writeVaultError(w, err)
		return
	}
	selected, err := expressions.Select(r.Context(), engine, where, summaries)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, selected)
}

func (s *PanelServer) handleDescribeCredential(w http.ResponseWriter, r *http.Request) {
	c, ok := s.deps.Vault.GetCredential(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	writeJSON(w, http.StatusOK, c.Summary())
}

// handleAppKeys lists the names, never the values, projected for an app.
func (s *PanelServer) handleAppKeys(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appID")
	env := s.deps.Vault.EnvForApp(appID)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeJSON(w, http.StatusOK, map[string]any{
		"app_id": appID,
		"keys":   keys,
	})
}

func (s *PanelServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log is not configured")
		return
	}
	q := r.URL.Query()
	entries, err := s.deps.Store.ListAudit(r.Context(), store.AuditFilter{
		VaultPath:    s.deps.Vault.Path(),
		CredentialID: q.Get("credential_id"),
		Action:       q.Get("action"),
		Actor:        q.Get("actor"),
		Limit:        queryInt(r, "limit", defaultAuditLimit),
	})
	if err != nil {
		writeVaultError(w, err)
		return
	}
	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type statusResponse struct {
	Path        string `json:"path"`
	Credentials int    `json:"credentials"`
	LastCheck   any    `json:"last_check,omitempty"`
}

func (s *PanelServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Path:        s.deps.Vault.Path(),
		Credentials: len(s.deps.Vault.ListCredentials()),
	}
	if s.deps.Checker != nil {
		if last, ok := s.deps.Checker.Last(); ok {
			resp.LastCheck = last
		}
	}
	if resp.LastCheck == nil && s.deps.Store != nil {
		if v, err := s.deps.Store.LastVerification(r.Context(), resp.Path); err == nil && v != nil {
			resp.LastCheck = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
