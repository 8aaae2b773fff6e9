// Package store persists the shared account pool on disk. The store is a
// single JSON file guarded by an inter-process advisory lock so that several
// host processes can read and mutate the same pool without corrupting it.
// Writes are staged to a temporary file and renamed into place so readers
// never observe a partially written envelope.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/iflowbridge/internal/config"
)

// StorageVersion is the schema version written to the envelope. Loaders
// reject envelopes carrying any other version.
const StorageVersion = 1

const storageFileName = "iflow-accounts.json"

// Lock acquisition bounds. flock releases automatically when the holding
// process dies, so staleness only matters for a hung peer.
const (
	lockRetryInterval = 100 * time.Millisecond
	lockTimeout       = 10 * time.Second
)

// AuthMethod identifies how an account's credential was obtained.
type AuthMethod string

const (
	AuthMethodOAuth  AuthMethod = "oauth"
	AuthMethodAPIKey AuthMethod = "apikey"
)

// Account is one usable credential for vendor inference calls.
type Account struct {
	// ID is an opaque unique identifier, generated at creation, immutable.
	ID string `json:"id"`

	// Email is a human-readable identity label. API-key accounts carry a
	// placeholder value.
	Email string `json:"email"`

	// AuthMethod is either "oauth" or "apikey".
	AuthMethod AuthMethod `json:"authMethod"`

	// APIKey is the bearer token presented to the vendor API. For OAuth
	// accounts it is resolved via the user-info endpoint, never the OAuth
	// access token itself.
	APIKey string `json:"apiKey"`

	// OAuth-only fields; zero for API-key accounts.
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`

	// RateLimitResetTime is the epoch-millisecond instant after which the
	// account becomes eligible again. Zero means not rate-limited.
	RateLimitResetTime int64 `json:"rateLimitResetTime"`

	// IsHealthy is cleared on a detected failure and restored on successful
	// use or refresh.
	IsHealthy bool `json:"isHealthy"`
}

// Expired reports whether an OAuth account's access token is past its expiry.
func (a *Account) Expired(now time.Time) bool {
	if a.AuthMethod != AuthMethodOAuth || a.ExpiresAt == 0 {
		return false
	}
	return now.UnixMilli() >= a.ExpiresAt
}

// RateLimited reports whether the account is currently in a rate-limit window.
func (a *Account) RateLimited(now time.Time) bool {
	return a.RateLimitResetTime > now.UnixMilli()
}

// AccountStorage is the persisted envelope holding the ordered account pool
// and the index of the last-used account.
type AccountStorage struct {
	Version     int       `json:"version"`
	Accounts    []Account `json:"accounts"`
	ActiveIndex int       `json:"activeIndex"`
}

// EmptyStorage returns the zero-value envelope used when no store exists yet.
func EmptyStorage() *AccountStorage {
	return &AccountStorage{Version: StorageVersion, Accounts: []Account{}, ActiveIndex: -1}
}

// NewAccountID generates an opaque account identifier.
func NewAccountID() string {
	return uuid.New().String()
}

// Store reads and writes the account envelope at a fixed on-disk location.
type Store struct {
	path     string
	lockPath string
}

// NewStore locates the storage file, preferring the canonical configuration
// directory and falling back once to the legacy location for backward
// migration. First match wins; if neither file exists the canonical path is
// used for future writes.
func NewStore() *Store {
	preferred := filepath.Join(config.ConfigDir(), storageFileName)
	legacy := filepath.Join(config.LegacyConfigDir(), storageFileName)

	path := preferred
	if _, err := os.Stat(preferred); os.IsNotExist(err) {
		if _, errLegacy := os.Stat(legacy); errLegacy == nil {
			path = legacy
		}
	}
	return NewStoreAt(path)
}

// NewStoreAt creates a store bound to an explicit file path. Used by tests
// and by hosts that relocate their configuration directory.
func NewStoreAt(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock"}
}

// Path returns the storage file location backing this store.
func (s *Store) Path() string { return s.path }

// Load acquires the inter-process lock, parses the envelope, and returns it.
// A missing or corrupt file degrades to the zero-value envelope rather than
// failing, so a damaged store never takes the host down. Lock acquisition
// failure is surfaced to the caller.
func (s *Store) Load(ctx context.Context) (*AccountStorage, error) {
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.loadLocked(), nil
}

// Save acquires the lock and atomically replaces the envelope on disk.
func (s *Store) Save(ctx context.Context, storage *AccountStorage) error {
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	return s.saveLocked(storage)
}

// Update runs fn over the freshly loaded envelope and persists the result,
// holding the lock across the whole read-modify-write span. Callers that need
// atomicity against sibling processes should prefer this over separate
// Load/Save calls.
func (s *Store) Update(ctx context.Context, fn func(*AccountStorage) error) (*AccountStorage, error) {
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	storage := s.loadLocked()
	if err = fn(storage); err != nil {
		return nil, err
	}
	if err = s.saveLocked(storage); err != nil {
		return nil, err
	}
	return storage, nil
}

func (s *Store) loadLocked() *AccountStorage {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithField("path", s.path).Warnf("store: read failed, starting empty: %v", err)
		}
		return EmptyStorage()
	}

	var storage AccountStorage
	if err = json.Unmarshal(data, &storage); err != nil {
		log.WithField("path", s.path).Warnf("store: corrupt envelope, starting empty: %v", err)
		return EmptyStorage()
	}
	if storage.Version != StorageVersion {
		log.WithField("path", s.path).Warnf("store: unsupported schema version %d, starting empty", storage.Version)
		return EmptyStorage()
	}
	if storage.Accounts == nil {
		storage.Accounts = []Account{}
	}
	if storage.ActiveIndex < -1 || storage.ActiveIndex >= len(storage.Accounts) {
		storage.ActiveIndex = -1
	}
	return &storage
}

func (s *Store) saveLocked(storage *AccountStorage) error {
	storage.Version = StorageVersion

	data, err := json.MarshalIndent(storage, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode envelope failed: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: create directory failed: %w", err)
	}

	tmp, err := os.CreateTemp(dir, storageFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file failed: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: write temp file failed: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: close temp file failed: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: rename into place failed: %w", err)
	}
	return nil
}

func (s *Store) acquireLock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("store: create lock directory failed: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	fileLock := flock.New(s.lockPath)
	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("store: acquire lock on %s failed: %w", s.lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("store: lock on %s is held by another process", s.lockPath)
	}

	return func() {
		if errUnlock := fileLock.Unlock(); errUnlock != nil {
			log.WithField("path", s.lockPath).Warnf("store: release lock failed: %v", errUnlock)
		}
	}, nil
}
