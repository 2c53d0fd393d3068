package account

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAccountsFile(t *testing.T, content string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return NewStore(path)
}

func TestLoadMissingFileIsEmptyPool(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"))
	accounts, active, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, accounts)
	assert.Zero(t, active)
}

func TestLoadMigratesV1RateLimits(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	store := writeAccountsFile(t, `{
		"version": 1,
		"activeIndex": 0,
		"accounts": [
			{"id": "a1", "email": "one@example.com", "refreshToken": "rt1",
			 "addedAt": "2025-01-01T00:00:00Z", "lastUsed": "2025-01-02T00:00:00Z",
			 "rateLimitResetTime": "`+reset.Format(time.RFC3339)+`"}
		]
	}`)

	accounts, _, err := store.Load()
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	acc := accounts[0]
	assert.True(t, acc.RateLimitResetTimes["claude"].Equal(reset), "claude family migrated")
	assert.True(t, acc.RateLimitResetTimes["gemini"].Equal(reset), "gemini family migrated")
}

func TestLoadDeduplicatesByIdentity(t *testing.T) {
	store := writeAccountsFile(t, `{
		"version": 2,
		"activeIndex": 2,
		"accounts": [
			{"id": "old", "email": "dup@example.com", "refreshToken": "rt-old",
			 "addedAt": "2025-01-01T00:00:00Z", "lastUsed": "2025-01-01T00:00:00Z"},
			{"id": "keep", "email": "other@example.com", "refreshToken": "rt-keep",
			 "addedAt": "2025-01-01T00:00:00Z", "lastUsed": "2025-01-01T00:00:00Z"},
			{"id": "new", "email": "dup@example.com", "refreshToken": "rt-new",
			 "addedAt": "2025-01-02T00:00:00Z", "lastUsed": "2025-01-03T00:00:00Z"}
		]
	}`)

	accounts, active, err := store.Load()
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	ids := []string{accounts[0].ID, accounts[1].ID}
	assert.Contains(t, ids, "keep")
	assert.Contains(t, ids, "new")
	assert.NotContains(t, ids, "old", "newest lastUsed must win the identity")
	// De-duplication shrank the list below the stored index.
	assert.Zero(t, active)
}

func TestDedupeTieBreaksOnAddedAt(t *testing.T) {
	lastUsed := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	a := &Account{ID: "a", Email: "x@example.com", LastUsed: lastUsed, AddedAt: lastUsed.Add(-time.Hour)}
	b := &Account{ID: "b", Email: "x@example.com", LastUsed: lastUsed, AddedAt: lastUsed}

	out := DedupeAccounts([]*Account{a, b})
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}

func TestClampActiveIndex(t *testing.T) {
	assert.Equal(t, 0, ClampActiveIndex(5, 3))
	assert.Equal(t, 0, ClampActiveIndex(-1, 3))
	assert.Equal(t, 2, ClampActiveIndex(2, 3))
	assert.Equal(t, 0, ClampActiveIndex(0, 0))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "accounts.json")
	store := NewStore(path)

	accounts := []*Account{{
		ID:           "a1",
		Email:        "one@example.com",
		RefreshToken: "rt1",
		AddedAt:      time.Now().UTC().Truncate(time.Second),
		LastUsed:     time.Now().UTC().Truncate(time.Second),
	}}
	require.NoError(t, store.Save(accounts, 0))

	loaded, active, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "a1", loaded[0].ID)
	assert.Zero(t, active)
}
