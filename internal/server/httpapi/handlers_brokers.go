package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/finvault/finvault/internal/server/models"
	"github.com/go-chi/chi/v5"
)

type brokerResponse struct {
	Code             string          `json:"code"`
	Name             string          `json:"name"`
	IntegrationType  string          `json:"integrationType"`
	BankIdentifier   string          `json:"bankIdentifier,omitempty"`
	FinTSServer      string          `json:"fintsServer,omitempty"`
	APIBaseURL       string          `json:"apiBaseUrl,omitempty"`
	Country          string          `json:"country"`
	CredentialSchema json.RawMessage `json:"credentialSchema"`
	SupportsAutoSync bool            `json:"supportsAutoSync"`
}

func toBrokerResponse(b *models.Broker) brokerResponse {
	return brokerResponse{
		Code:             b.Code,
		Name:             b.Name,
		IntegrationType:  b.IntegrationType,
		BankIdentifier:   b.BankIdentifier,
		FinTSServer:      b.FinTSServer,
		APIBaseURL:       b.APIBaseURL,
		Country:          b.Country,
		CredentialSchema: b.CredentialSchema,
		SupportsAutoSync: b.SupportsAutoSync,
	}
}

func (s *Server) handleListBrokers(w http.ResponseWriter, r *http.Request) {
	brokers, err := s.brokers.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]brokerResponse, 0, len(brokers))
	for _, b := range brokers {
		resp = append(resp, toBrokerResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBroker(w http.ResponseWriter, r *http.Request) {
	broker, err := s.brokers.GetByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBrokerResponse(broker))
}
