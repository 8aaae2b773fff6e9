// Package account maintains the in-memory view of the credential pool and
// applies the selection, rotation, and health policies on top of the durable
// store.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/router-for-me/iflowbridge/internal/config"
	"github.com/router-for-me/iflowbridge/internal/store"
)

// RefreshResult carries the outcome of an OAuth token refresh performed on
// behalf of the manager.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	APIKey       string
	Email        string
}

// TokenRefresher refreshes an OAuth credential. Implemented by the auth
// service; injected so the manager stays independent of vendor plumbing.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// Manager presents a single "current best account" to callers and applies a
// deterministic rotation policy across the pool.
type Manager struct {
	mu        sync.Mutex
	st        *store.Store
	storage   *store.AccountStorage
	strategy  string
	refresher TokenRefresher
	refreshSF singleflight.Group
}

// LoadFromDisk loads the persisted pool and wraps it with the chosen
// strategy. A corrupt or lock-unavailable store degrades to an empty pool so
// the host process keeps running.
func LoadFromDisk(ctx context.Context, st *store.Store, strategy string) *Manager {
	if strategy == "" {
		strategy = config.StrategyRoundRobin
	}
	storage, err := st.Load(ctx)
	if err != nil {
		log.Warnf("account manager: load failed, starting with empty pool: %v", err)
		storage = store.EmptyStorage()
	}
	return &Manager{st: st, storage: storage, strategy: strategy}
}

// SetRefresher installs the OAuth refresher used to revive expired accounts.
func (m *Manager) SetRefresher(r TokenRefresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresher = r
}

// Count returns the number of stored accounts.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.storage.Accounts)
}

// GetCurrentOrNext returns the next eligible account under the configured
// strategy, or nil when no account is healthy and outside its rate-limit
// window. The active index is updated to the returned account.
func (m *Manager) GetCurrentOrNext() *store.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.storage.Accounts)
	if n == 0 {
		return nil
	}

	now := time.Now()
	start := m.storage.ActiveIndex
	if m.strategy == config.StrategySticky && start >= 0 && start < n {
		if m.eligible(&m.storage.Accounts[start], now) {
			acc := m.storage.Accounts[start]
			return &acc
		}
	}

	// Round-robin always advances; sticky only reaches here when the pinned
	// account is ineligible.
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		if idx < 0 {
			idx += n
		}
		if m.eligible(&m.storage.Accounts[idx], now) {
			m.storage.ActiveIndex = idx
			acc := m.storage.Accounts[idx]
			return &acc
		}
	}
	return nil
}

func (m *Manager) eligible(a *store.Account, now time.Time) bool {
	return a.IsHealthy && !a.RateLimited(now)
}

// AddAccount appends an account to the pool. Accounts are de-duplicated by
// id, and an OAuth re-login for an email that is already present replaces the
// old entry in place instead of duplicating it.
func (m *Manager) AddAccount(acc store.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.storage.Accounts {
		if m.storage.Accounts[i].ID == acc.ID {
			m.storage.Accounts[i] = acc
			return
		}
	}
	if acc.AuthMethod == store.AuthMethodOAuth {
		for i := range m.storage.Accounts {
			if m.storage.Accounts[i].AuthMethod == store.AuthMethodOAuth && m.storage.Accounts[i].Email == acc.Email {
				m.storage.Accounts[i] = acc
				return
			}
		}
	}
	m.storage.Accounts = append(m.storage.Accounts, acc)
	if m.storage.ActiveIndex < 0 {
		m.storage.ActiveIndex = 0
	}
}

// MarkUnhealthy flags an account after an observed vendor failure. When
// retryAfter is positive the account also enters a rate-limit window.
func (m *Manager) MarkUnhealthy(id string, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.storage.Accounts {
		if m.storage.Accounts[i].ID != id {
			continue
		}
		m.storage.Accounts[i].IsHealthy = false
		if retryAfter > 0 {
			m.storage.Accounts[i].RateLimitResetTime = time.Now().Add(retryAfter).UnixMilli()
		}
		log.WithField("account", m.storage.Accounts[i].Email).Debug("account marked unhealthy")
		return
	}
}

// MarkHealthy restores an account after a successful use or refresh.
func (m *Manager) MarkHealthy(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.storage.Accounts {
		if m.storage.Accounts[i].ID != id {
			continue
		}
		m.storage.Accounts[i].IsHealthy = true
		m.storage.Accounts[i].RateLimitResetTime = 0
		return
	}
}

// EnsureFresh refreshes the account's OAuth credential when it has expired.
// Concurrent callers for the same account share a single refresh via
// singleflight. The returned account reflects the refreshed credential.
func (m *Manager) EnsureFresh(ctx context.Context, acc *store.Account) (*store.Account, error) {
	if acc == nil {
		return nil, fmt.Errorf("account manager: no account to refresh")
	}
	if !acc.Expired(time.Now()) {
		return acc, nil
	}

	m.mu.Lock()
	refresher := m.refresher
	m.mu.Unlock()
	if refresher == nil {
		return nil, fmt.Errorf("account manager: account %s expired and no refresher configured", acc.Email)
	}

	result, err, _ := m.refreshSF.Do(acc.ID, func() (any, error) {
		res, errRefresh := refresher.Refresh(ctx, acc.RefreshToken)
		if errRefresh != nil {
			m.MarkUnhealthy(acc.ID, 0)
			return nil, errRefresh
		}
		m.applyRefresh(acc.ID, res)
		// Persist immediately: sibling processes sharing the store must
		// see the rotated refresh token, not replay the old one.
		if saveErr := m.SaveToDisk(ctx); saveErr != nil {
			log.Warnf("account manager: persist refreshed credential for %s failed: %v", acc.Email, saveErr)
		}
		return m.snapshot(acc.ID), nil
	})
	if err != nil {
		return nil, fmt.Errorf("account manager: refresh %s failed: %w", acc.Email, err)
	}

	refreshed, ok := result.(*store.Account)
	if !ok || refreshed == nil {
		return nil, fmt.Errorf("account manager: account %s vanished during refresh", acc.Email)
	}
	return refreshed, nil
}

func (m *Manager) applyRefresh(id string, res *RefreshResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.storage.Accounts {
		if m.storage.Accounts[i].ID != id {
			continue
		}
		a := &m.storage.Accounts[i]
		a.AccessToken = res.AccessToken
		if res.RefreshToken != "" {
			a.RefreshToken = res.RefreshToken
		}
		a.ExpiresAt = res.ExpiresAt
		if res.APIKey != "" {
			a.APIKey = res.APIKey
		}
		a.IsHealthy = true
		a.RateLimitResetTime = 0
		return
	}
}

func (m *Manager) snapshot(id string) *store.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.storage.Accounts {
		if m.storage.Accounts[i].ID == id {
			acc := m.storage.Accounts[i]
			return &acc
		}
	}
	return nil
}

// SaveToDisk serializes the in-memory pool back through the store.
func (m *Manager) SaveToDisk(ctx context.Context) error {
	m.mu.Lock()
	envelope := store.AccountStorage{
		Version:     store.StorageVersion,
		Accounts:    append([]store.Account(nil), m.storage.Accounts...),
		ActiveIndex: m.storage.ActiveIndex,
	}
	m.mu.Unlock()

	if err := m.st.Save(ctx, &envelope); err != nil {
		return fmt.Errorf("account manager: save failed: %w", err)
	}
	return nil
}

// Reload replaces the in-memory pool with the current on-disk state. Called
// when a sibling process rewrites the store.
func (m *Manager) Reload(ctx context.Context) error {
	storage, err := m.st.Load(ctx)
	if err != nil {
		return fmt.Errorf("account manager: reload failed: %w", err)
	}

	m.mu.Lock()
	m.storage = storage
	m.mu.Unlock()
	log.Debugf("account manager: reloaded %d accounts from disk", len(storage.Accounts))
	return nil
}
