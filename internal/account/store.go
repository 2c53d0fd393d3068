// Package account owns the credential pool: on-disk storage of authorized
// accounts, round-robin selection with per-family rate-limit tracking, and
// transparent OAuth token refresh.
package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// storageVersion is the current accounts file schema. Version 1 tracked a
// single rateLimitResetTime per account; version 2 tracks one per model
// family.
const storageVersion = 2

// Account is one stored credential with its usage and rate-limit state.
type Account struct {
	ID               string `json:"id"`
	Email            string `json:"email,omitempty"`
	AccessToken      string `json:"accessToken,omitempty"`
	RefreshToken     string `json:"refreshToken"`
	Expired          string `json:"expired,omitempty"`
	ProjectID        string `json:"projectId,omitempty"`
	ManagedProjectID string `json:"managedProjectId,omitempty"`

	AddedAt  time.Time `json:"addedAt"`
	LastUsed time.Time `json:"lastUsed"`

	// Reset deadlines keyed by model family. An account limited for one
	// family remains usable for the other.
	RateLimitResetTimes map[string]time.Time `json:"rateLimitResetTimes,omitempty"`
}

// Identity is the de-duplication key: the email when known, else the
// refresh token itself.
func (a *Account) Identity() string {
	if email := strings.ToLower(strings.TrimSpace(a.Email)); email != "" {
		return email
	}
	return a.RefreshToken
}

// EffectiveProject returns the project id requests should be issued under.
func (a *Account) EffectiveProject() string {
	if a.ProjectID != "" {
		return a.ProjectID
	}
	return a.ManagedProjectID
}

// IsRateLimited reports whether the account is inside a rate-limit window
// for the family.
func (a *Account) IsRateLimited(family string, now time.Time) bool {
	reset, ok := a.RateLimitResetTimes[family]
	return ok && now.Before(reset)
}

// SetRateLimitReset records a reset deadline for the family.
func (a *Account) SetRateLimitReset(family string, reset time.Time) {
	if a.RateLimitResetTimes == nil {
		a.RateLimitResetTimes = make(map[string]time.Time)
	}
	a.RateLimitResetTimes[family] = reset
}

// TokenExpiry parses the stored expiry; zero time when absent or malformed.
func (a *Account) TokenExpiry() time.Time {
	if a.Expired == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, a.Expired)
	if err != nil {
		return time.Time{}
	}
	return t
}

type storageFile struct {
	Version     int        `json:"version"`
	Accounts    []*Account `json:"accounts"`
	ActiveIndex int        `json:"activeIndex"`
}

// Store persists the account list and active index to a versioned JSON file.
type Store struct {
	mu      sync.Mutex
	path    string
	watcher *fsnotify.Watcher

	// lastSave marks our own writes so the watcher only reacts to
	// external edits.
	lastSave time.Time
}

// NewStore builds a store over the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads, migrates, and normalizes the accounts file. A missing file is
// an empty pool, not an error. The returned active index is always in range.
func (s *Store) Load() ([]*Account, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read accounts file: %w", err)
	}

	var file storageFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, 0, fmt.Errorf("parse accounts file: %w", err)
	}

	if file.Version < storageVersion {
		migrateV1RateLimits(raw, file.Accounts)
	}

	accounts := DedupeAccounts(file.Accounts)
	active := ClampActiveIndex(file.ActiveIndex, len(accounts))
	return accounts, active, nil
}

// migrateV1RateLimits lifts the old per-account scalar rateLimitResetTime
// into per-family deadlines. The scalar predates family tracking, so it is
// applied to both families.
func migrateV1RateLimits(raw []byte, accounts []*Account) {
	entries := gjson.GetBytes(raw, "accounts").Array()
	for i, acc := range accounts {
		if acc == nil || i >= len(entries) {
			continue
		}
		if len(acc.RateLimitResetTimes) > 0 {
			continue
		}
		old := entries[i].Get("rateLimitResetTime").String()
		if old == "" {
			continue
		}
		reset, err := time.Parse(time.RFC3339, old)
		if err != nil {
			continue
		}
		acc.RateLimitResetTimes = map[string]time.Time{
			"claude": reset,
			"gemini": reset,
		}
	}
}

// DedupeAccounts removes duplicate identities. The newest account wins,
// ordered by lastUsed then addedAt; relative order of survivors is kept.
func DedupeAccounts(accounts []*Account) []*Account {
	best := make(map[string]*Account)
	for _, acc := range accounts {
		if acc == nil {
			continue
		}
		id := acc.Identity()
		current, ok := best[id]
		if !ok || newerAccount(acc, current) {
			best[id] = acc
		}
	}
	out := make([]*Account, 0, len(best))
	for _, acc := range accounts {
		if acc != nil && best[acc.Identity()] == acc {
			out = append(out, acc)
		}
	}
	return out
}

func newerAccount(a, b *Account) bool {
	if !a.LastUsed.Equal(b.LastUsed) {
		return a.LastUsed.After(b.LastUsed)
	}
	return a.AddedAt.After(b.AddedAt)
}

// ClampActiveIndex forces the index into [0, length); an empty pool pins it
// to zero.
func ClampActiveIndex(index, length int) int {
	if length <= 0 || index < 0 || index >= length {
		return 0
	}
	return index
}

// Save writes the accounts file atomically.
func (s *Store) Save(accounts []*Account, activeIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := storageFile{
		Version:     storageVersion,
		Accounts:    accounts,
		ActiveIndex: ClampActiveIndex(activeIndex, len(accounts)),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts file: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create accounts dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write accounts file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}
	s.lastSave = time.Now()
	return nil
}

// Watch reloads the file on external edits and reports the result through
// onChange. Callers stop watching via Close.
func (s *Store) Watch(onChange func(accounts []*Account, activeIndex int)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch accounts file: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch accounts dir: %w", err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				s.mu.Lock()
				selfWrite := time.Since(s.lastSave) < time.Second
				s.mu.Unlock()
				if selfWrite {
					continue
				}
				accounts, active, errLoad := s.Load()
				if errLoad != nil {
					log.WithError(errLoad).Warn("accounts file changed but reload failed")
					continue
				}
				onChange(accounts, active)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(errWatch).Warn("accounts file watcher error")
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
