// Package brokersync defines the seam between the credential store and the
// institution-specific integrations (FinTS, REST, GraphQL). The integrations
// themselves live outside this server; everything here sees decrypted
// credentials only as in-memory bytes scoped to one request.
package brokersync

import (
	"context"
	"errors"
	"time"

	"github.com/finvault/finvault/internal/server/models"
)

// ErrUnsupportedIntegration is returned when no adapter is registered for a
// broker's integration type.
var ErrUnsupportedIntegration = errors.New("unsupported integration type")

// Balance is one reported position, with the amount kept as a decimal string
// exactly as the institution reported it.
type Balance struct {
	Name     string `json:"name,omitempty"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// Result is the outcome of one sync call.
type Result struct {
	Balances  []Balance `json:"balances"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Syncer fetches balances from an institution using decrypted credentials.
// Implementations must not retain, log, or persist the credential bytes;
// the caller wipes them when the call returns.
type Syncer interface {
	Fetch(ctx context.Context, broker *models.Broker, credentials []byte) (*Result, error)
}

// Dispatcher routes sync calls to the adapter registered for the broker's
// integration type.
type Dispatcher struct {
	adapters map[string]Syncer
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{adapters: make(map[string]Syncer)}
}

// Register binds an adapter to an integration type (models.IntegrationFinTS
// and friends), replacing any previous binding.
func (d *Dispatcher) Register(integrationType string, s Syncer) {
	d.adapters[integrationType] = s
}

func (d *Dispatcher) Fetch(ctx context.Context, broker *models.Broker, credentials []byte) (*Result, error) {
	adapter, ok := d.adapters[broker.IntegrationType]
	if !ok {
		return nil, ErrUnsupportedIntegration
	}
	return adapter.Fetch(ctx, broker, credentials)
}
