package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/dbx"
	"github.com/finvault/finvault/internal/logging"
	"github.com/finvault/finvault/internal/server/models"
	accountsrepo "github.com/finvault/finvault/internal/server/repositories/accounts"
	brokersrepo "github.com/finvault/finvault/internal/server/repositories/brokers"
	refreshrepo "github.com/finvault/finvault/internal/server/repositories/refreshtokens"
	usersrepo "github.com/finvault/finvault/internal/server/repositories/users"
)

// --- helpers ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

// captureLogger records formatted log lines so tests can assert what was
// (and was not) logged.
type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) log(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg+" "+fmt.Sprint(args...))
}

func (l *captureLogger) Debug(_ context.Context, msg string, args ...any) { l.log(msg, args...) }
func (l *captureLogger) Info(_ context.Context, msg string, args ...any)  { l.log(msg, args...) }
func (l *captureLogger) Warn(_ context.Context, msg string, args ...any)  { l.log(msg, args...) }
func (l *captureLogger) Error(_ context.Context, msg string, args ...any) { l.log(msg, args...) }
func (l *captureLogger) With(args ...any) logging.Logger                  { return l }

func (l *captureLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

// --- in-memory repositories ---

type memUsersRepo struct {
	mu      sync.Mutex
	users   map[string]*models.User
	nextID  int
	saveErr error

	// getHook, when set, runs at the start of GetByID outside the lock.
	// Tests use it to hold a lookup open while a concurrent call arrives.
	getHook func()
}

func newMemUsersRepo() *memUsersRepo {
	return &memUsersRepo{users: make(map[string]*models.User)}
}

func (r *memUsersRepo) Create(_ context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	u := *user
	u.ID = fmt.Sprintf("u-%d", r.nextID)
	u.CreatedAt = time.Now()
	r.users[u.ID] = &u
	out := u
	return &out, nil
}

func (r *memUsersRepo) GetByUserName(_ context.Context, userName string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.UserName == userName {
			out := *u
			return &out, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *memUsersRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	if r.getHook != nil {
		r.getHook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	out := *u
	return &out, nil
}

func (r *memUsersRepo) SaveKeyMaterial(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	if _, ok := r.users[user.ID]; !ok {
		return common.ErrNotFound
	}
	u := *user
	r.users[user.ID] = &u
	return nil
}

func (r *memUsersRepo) put(u *models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

type memAccountsRepo struct {
	mu        sync.Mutex
	accounts  map[string]*models.Account
	nextID    int
	listErr   error
	updateErr error
}

func newMemAccountsRepo() *memAccountsRepo {
	return &memAccountsRepo{accounts: make(map[string]*models.Account)}
}

func (r *memAccountsRepo) Create(_ context.Context, account *models.Account) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	a := *account
	a.ID = fmt.Sprintf("a-%d", r.nextID)
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	r.accounts[a.ID] = &a
	out := a
	return &out, nil
}

func (r *memAccountsRepo) ListByUser(_ context.Context, userID string) ([]*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*models.Account
	for _, a := range r.accounts {
		if a.UserID == userID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memAccountsRepo) GetByID(_ context.Context, userID, accountID string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok || a.UserID != userID {
		return nil, common.ErrNotFound
	}
	out := *a
	return &out, nil
}

func (r *memAccountsRepo) UpdateCredentials(_ context.Context, accountID string, ciphertext, nonce []byte, keyVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	a, ok := r.accounts[accountID]
	if !ok {
		return common.ErrNotFound
	}
	a.EncryptedCredentials = ciphertext
	a.CredentialsNonce = nonce
	a.KeyVersion = keyVersion
	a.UpdatedAt = time.Now()
	return nil
}

func (r *memAccountsRepo) Delete(_ context.Context, userID, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok || a.UserID != userID {
		return common.ErrNotFound
	}
	delete(r.accounts, accountID)
	return nil
}

func (r *memAccountsRepo) put(a *models.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = a
}

func (r *memAccountsRepo) get(accountID string) *models.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := *r.accounts[accountID]
	return &a
}

type memRefreshRepo struct {
	mu     sync.Mutex
	tokens map[string]*models.RefreshToken
}

func newMemRefreshRepo() *memRefreshRepo {
	return &memRefreshRepo{tokens: make(map[string]*models.RefreshToken)}
}

func (r *memRefreshRepo) Create(_ context.Context, userID string, token string, validity time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = &models.RefreshToken{Token: token, UserID: userID, Expires: time.Now().Add(validity)}
	return nil
}

func (r *memRefreshRepo) Find(_ context.Context, token string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok {
		return nil, common.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (r *memRefreshRepo) Delete(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
	return nil
}

func (r *memRefreshRepo) DeleteForUser(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, t := range r.tokens {
		if t.UserID == userID {
			delete(r.tokens, token)
		}
	}
	return nil
}

func (r *memRefreshRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

type memBrokersRepo struct {
	brokers map[string]*models.Broker
}

func newMemBrokersRepo() *memBrokersRepo {
	return &memBrokersRepo{brokers: map[string]*models.Broker{
		"dkb": {Code: "dkb", Name: "DKB", IntegrationType: models.IntegrationFinTS, IsActive: true},
	}}
}

func (r *memBrokersRepo) List(_ context.Context) ([]*models.Broker, error) {
	var out []*models.Broker
	for _, b := range r.brokers {
		out = append(out, b)
	}
	return out, nil
}

func (r *memBrokersRepo) GetByCode(_ context.Context, code string) (*models.Broker, error) {
	b, ok := r.brokers[code]
	if !ok {
		return nil, common.ErrNotFound
	}
	return b, nil
}

// memRepoManager hands out the same in-memory repositories regardless of the
// DBTX, so service code paths that switch between db and tx see one store.
type memRepoManager struct {
	users    *memUsersRepo
	accounts *memAccountsRepo
	refresh  *memRefreshRepo
	brokers  *memBrokersRepo
}

func newMemRepoManager() *memRepoManager {
	return &memRepoManager{
		users:    newMemUsersRepo(),
		accounts: newMemAccountsRepo(),
		refresh:  newMemRefreshRepo(),
		brokers:  newMemBrokersRepo(),
	}
}

func (m *memRepoManager) RunMigrations(context.Context, *sql.DB) error         { return nil }
func (m *memRepoManager) Users(dbx.DBTX) usersrepo.Repository                  { return m.users }
func (m *memRepoManager) RefreshTokens(dbx.DBTX) refreshrepo.Repository        { return m.refresh }
func (m *memRepoManager) Accounts(dbx.DBTX) accountsrepo.Repository            { return m.accounts }
func (m *memRepoManager) Brokers(db dbx.DBTX) brokersrepo.Repository           { return m.brokers }
