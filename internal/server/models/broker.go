package models

// Broker integration types.
const (
	IntegrationFinTS   = "fints"
	IntegrationREST    = "rest"
	IntegrationGraphQL = "graphql"
)

// Broker is a catalog entry for a supported financial institution. The
// credential schema is a JSON document describing the fields a client must
// collect; the server stores and serves it verbatim.
type Broker struct {
	Code             string
	Name             string
	IntegrationType  string
	BankIdentifier   string
	FinTSServer      string
	APIBaseURL       string
	Country          string
	CredentialSchema []byte
	SupportsAutoSync bool
	IsActive         bool
}
