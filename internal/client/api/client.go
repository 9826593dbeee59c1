// Package api is the HTTP client for the FinVault server. It keeps the
// session token pair and attaches the per-request KEK header for
// credential-bearing calls.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/finvault/finvault/internal/common"
)

// ErrUnavailable indicates the server could not be reached at all, as opposed
// to an error response from it.
var ErrUnavailable = errors.New("server unavailable")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SaltBundle mirrors the salt endpoint response.
type SaltBundle struct {
	AuthSalt   []byte `json:"authSalt"`
	KekSalt    []byte `json:"kekSalt"`
	Migrated   bool   `json:"migrated"`
	KeyVersion int64  `json:"keyVersion"`
}

// LoginResult is the session state after a successful login. Kek is set only
// for password logins, where the server derived it for this request.
type LoginResult struct {
	Migrated   bool
	KeyVersion int64
	Kek        []byte
}

// User mirrors the /api/auth/me response.
type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	Migrated   bool      `json:"migrated"`
	KeyVersion int64     `json:"keyVersion"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Broker mirrors a catalog entry.
type Broker struct {
	Code             string          `json:"code"`
	Name             string          `json:"name"`
	IntegrationType  string          `json:"integrationType"`
	Country          string          `json:"country"`
	CredentialSchema json.RawMessage `json:"credentialSchema"`
	SupportsAutoSync bool            `json:"supportsAutoSync"`
}

// Account mirrors a linked account.
type Account struct {
	ID             string    `json:"id"`
	BrokerCode     string    `json:"brokerCode"`
	Name           string    `json:"name"`
	HasCredentials bool      `json:"hasCredentials"`
	KeyVersion     int64     `json:"keyVersion"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SyncResult mirrors a sync response.
type SyncResult struct {
	Balances []struct {
		Name     string `json:"name"`
		Currency string `json:"currency"`
		Amount   string `json:"amount"`
	} `json:"balances"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// keyMaterial attaches the KEK headers to one request. Zero value sends
// nothing.
type keyMaterial struct {
	kek        []byte
	keyVersion int64
}

// Salts fetches the salt bundle for a username. No authentication required.
func (c *Client) Salts(ctx context.Context, userName string) (*SaltBundle, error) {
	var out SaltBundle
	err := c.do(ctx, http.MethodGet, "/api/auth/salt?username="+userName, nil, keyMaterial{}, false, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// NewSalts fetches a fresh salt pair for a password change.
func (c *Client) NewSalts(ctx context.Context) (*SaltBundle, error) {
	var out SaltBundle
	if err := c.do(ctx, http.MethodGet, "/api/auth/salt/new", nil, keyMaterial{}, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterMigrated creates an account from client-derived key material and
// stores the returned session tokens.
func (c *Client) RegisterMigrated(ctx context.Context, userName, email string, authSalt, kekSalt, authSecret, wrappedUserKey, userKeyNonce []byte) error {
	body := map[string]any{
		"username":       userName,
		"email":          email,
		"authSalt":       authSalt,
		"kekSalt":        kekSalt,
		"authSecret":     authSecret,
		"wrappedUserKey": wrappedUserKey,
		"userKeyNonce":   userKeyNonce,
	}
	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", body, keyMaterial{}, false, &out); err != nil {
		return err
	}
	c.setTokens(out.AccessToken, out.RefreshToken)
	return nil
}

// Login authenticates with the derived authentication secret.
func (c *Client) Login(ctx context.Context, userName string, authSecret []byte) (*LoginResult, error) {
	return c.login(ctx, map[string]any{"username": userName, "authSecret": authSecret})
}

// LoginPassword authenticates with the plaintext password. Needed for legacy
// accounts, whose first such login migrates them; the response then carries
// the server-derived KEK.
func (c *Client) LoginPassword(ctx context.Context, userName string, password []byte) (*LoginResult, error) {
	return c.login(ctx, map[string]any{"username": userName, "password": string(password)})
}

func (c *Client) login(ctx context.Context, body map[string]any) (*LoginResult, error) {
	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		Migrated     bool   `json:"migrated"`
		KeyVersion   int64  `json:"keyVersion"`
		Kek          []byte `json:"kek"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, keyMaterial{}, false, &out); err != nil {
		return nil, err
	}
	c.setTokens(out.AccessToken, out.RefreshToken)
	return &LoginResult{Migrated: out.Migrated, KeyVersion: out.KeyVersion, Kek: out.Kek}, nil
}

// Refresh rotates the token pair.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", map[string]any{"refreshToken": refresh}, keyMaterial{}, false, &out); err != nil {
		return err
	}
	c.setTokens(out.AccessToken, out.RefreshToken)
	return nil
}

// Logout revokes the refresh token and clears the session.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()

	err := c.do(ctx, http.MethodPost, "/api/auth/logout", map[string]any{"refreshToken": refresh}, keyMaterial{}, true, nil)
	c.setTokens("", "")
	return err
}

// ChangePasswordMigrated submits a full key rotation derived client-side.
func (c *Client) ChangePasswordMigrated(ctx context.Context, oldAuthSecret, newAuthSecret, newAuthSalt, newKekSalt, oldKek, newKek []byte) error {
	body := map[string]any{
		"oldAuthSecret": oldAuthSecret,
		"newAuthSecret": newAuthSecret,
		"newAuthSalt":   newAuthSalt,
		"newKekSalt":    newKekSalt,
		"oldKek":        oldKek,
		"newKek":        newKek,
	}
	return c.do(ctx, http.MethodPost, "/api/auth/password", body, keyMaterial{}, true, nil)
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, keyMaterial{}, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Brokers lists the institution catalog.
func (c *Client) Brokers(ctx context.Context) ([]Broker, error) {
	var out []Broker
	if err := c.do(ctx, http.MethodGet, "/api/brokers", nil, keyMaterial{}, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Accounts lists the user's linked accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var out []Account
	if err := c.do(ctx, http.MethodGet, "/api/accounts", nil, keyMaterial{}, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAccount links an account; credentials (if any) require the KEK.
func (c *Client) CreateAccount(ctx context.Context, brokerCode, name string, credentials json.RawMessage, kek []byte, keyVersion int64) (*Account, error) {
	body := map[string]any{"brokerCode": brokerCode, "name": name}
	if len(credentials) > 0 {
		body["credentials"] = credentials
	}
	var out Account
	if err := c.do(ctx, http.MethodPost, "/api/accounts", body, keyMaterial{kek: kek, keyVersion: keyVersion}, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Credentials fetches an account's decrypted credential payload.
func (c *Client) Credentials(ctx context.Context, accountID string, kek []byte, keyVersion int64) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/accounts/"+accountID+"/credentials", nil, keyMaterial{kek: kek, keyVersion: keyVersion}, true, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateCredentials replaces an account's credential payload.
func (c *Client) UpdateCredentials(ctx context.Context, accountID string, credentials json.RawMessage, kek []byte, keyVersion int64) error {
	return c.do(ctx, http.MethodPut, "/api/accounts/"+accountID+"/credentials", credentials, keyMaterial{kek: kek, keyVersion: keyVersion}, true, nil)
}

// DeleteAccount unlinks an account, destroying its credential ciphertext.
func (c *Client) DeleteAccount(ctx context.Context, accountID string) error {
	return c.do(ctx, http.MethodDelete, "/api/accounts/"+accountID, nil, keyMaterial{}, true, nil)
}

// Sync triggers a balance fetch for an account.
func (c *Client) Sync(ctx context.Context, accountID string, kek []byte, keyVersion int64) (*SyncResult, error) {
	var out SyncResult
	err := c.do(ctx, http.MethodPost, "/api/accounts/"+accountID+"/sync", nil, keyMaterial{kek: kek, keyVersion: keyVersion}, true, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) setTokens(access, refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = access
	c.refreshToken = refresh
}

// do runs one request. body may be nil, a json.RawMessage sent verbatim, or
// any value to marshal. out may be nil for empty responses.
func (c *Client) do(ctx context.Context, method, path string, body any, km keyMaterial, authed bool, out any) error {
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case json.RawMessage:
			reader = bytes.NewReader(b)
		default:
			encoded, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		c.mu.Lock()
		token := c.accessToken
		c.mu.Unlock()
		req.Header.Set(common.AccessTokenHeaderName, "Bearer "+token)
	}
	if len(km.kek) > 0 {
		req.Header.Set(common.KEKHeaderName, base64.StdEncoding.EncodeToString(km.kek))
		if km.keyVersion > 0 {
			req.Header.Set(common.KeyVersionHeaderName, strconv.FormatInt(km.keyVersion, 10))
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
