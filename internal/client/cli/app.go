// Package cli implements the interactive FinVault command-line client. All
// key derivation happens here: the server sees the password only on legacy
// logins, and the KEK only as a per-request header.
package cli

import (
	"bufio"
	"context"
	"os"

	"github.com/finvault/finvault/internal/client/api"
	"github.com/finvault/finvault/internal/client/config"
	"github.com/finvault/finvault/internal/common"
)

type App struct {
	config *config.Config
	client *api.Client
	reader *bufio.Reader

	userName   string
	kek        []byte
	keyVersion int64
}

func NewApp(c *config.Config) (*App, error) {
	return &App{
		config: c,
		client: api.New(c.ServerEndpointAddr),
		reader: bufio.NewReader(os.Stdin),
	}, nil
}

func (a *App) Run(ctx context.Context) {
	defer a.clearSession()
	a.Root(ctx)
}

func (a *App) isLoggedIn() bool {
	return a.userName != ""
}

func (a *App) clearSession() {
	common.WipeByteArray(a.kek)
	a.kek = nil
	a.keyVersion = 0
	a.userName = ""
}
