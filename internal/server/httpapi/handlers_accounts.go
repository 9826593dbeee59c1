package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/finvault/finvault/internal/common"
	"github.com/go-chi/chi/v5"
)

// maxCredentialBody bounds credential payloads; schemas are small forms, not
// documents.
const maxCredentialBody = 64 << 10

type accountResponse struct {
	ID             string    `json:"id"`
	BrokerCode     string    `json:"brokerCode"`
	Name           string    `json:"name"`
	HasCredentials bool      `json:"hasCredentials"`
	KeyVersion     int64     `json:"keyVersion,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type createAccountRequest struct {
	BrokerCode  string          `json:"brokerCode"`
	Name        string          `json:"name"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.List(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, accountResponse{
			ID:             a.ID,
			BrokerCode:     a.BrokerCode,
			Name:           a.Name,
			HasCredentials: len(a.EncryptedCredentials) > 0,
			KeyVersion:     a.KeyVersion,
			CreatedAt:      a.CreatedAt,
			UpdatedAt:      a.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCredentialBody)).Decode(&req); err != nil {
		writeError(w, common.ErrInvalidInput)
		return
	}
	defer common.WipeByteArray(req.Credentials)

	account, err := s.accounts.Create(r.Context(), userIDFromContext(r.Context()), req.BrokerCode, req.Name, req.Credentials)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse{
		ID:             account.ID,
		BrokerCode:     account.BrokerCode,
		Name:           account.Name,
		HasCredentials: len(account.EncryptedCredentials) > 0,
		KeyVersion:     account.KeyVersion,
		CreatedAt:      account.CreatedAt,
		UpdatedAt:      account.UpdatedAt,
	})
}

func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	payload, err := s.accounts.GetCredentials(r.Context(), userIDFromContext(r.Context()), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer common.WipeByteArray(payload)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCredentialBody))
	if err != nil {
		writeError(w, common.ErrInvalidInput)
		return
	}
	defer common.WipeByteArray(payload)

	err = s.accounts.UpdateCredentials(r.Context(), userIDFromContext(r.Context()), chi.URLParam(r, "accountID"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	err := s.accounts.Delete(r.Context(), userIDFromContext(r.Context()), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.accounts.Sync(r.Context(), userIDFromContext(r.Context()), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
