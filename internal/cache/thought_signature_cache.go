// Package cache holds the process-wide thought signature store. The backend
// mints an opaque signature for each reasoning block it emits; replaying a
// block in a later turn requires the exact signature, so the stream layer
// records (text, signature) pairs here and the request layer restores them.
package cache

import (
	"strings"
	"sync"
	"time"
)

const (
	signatureTTL         = time.Hour
	maxEntriesPerSession = 100
	minSignatureLength   = 50
	skipSignatureLiteral = "skip_thought_signature_validator"
	scopedKeySeparator   = "|"
)

// Key scopes a signature to one session/model/project/conversation
// combination so a signature can never leak across conversations.
type Key struct {
	SessionID       string
	ModelID         string
	ProjectKey      string
	ConversationKey string
}

func (k Key) String() string {
	return strings.Join([]string{k.SessionID, k.ModelID, k.ProjectKey, k.ConversationKey}, scopedKeySeparator)
}

type signatureEntry struct {
	text      string
	signature string
	expiresAt time.Time
}

// SignatureCache is a bounded store of thought signatures. Entries expire one
// hour after insertion; at most 100 entries are retained per session id, with
// insertion beyond the cap evicting the oldest entry for that session.
type SignatureCache struct {
	mu      sync.RWMutex
	entries map[string]signatureEntry
	// insertion order of keys per session id, oldest first
	sessionOrder map[string][]string
}

// NewSignatureCache constructs an empty cache. One instance is created at
// process start and shared by every in-flight request.
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		entries:      make(map[string]signatureEntry),
		sessionOrder: make(map[string][]string),
	}
}

// Set stores a (text, signature) pair under the scoped key. Inserting under
// an existing key overwrites the entry and refreshes its expiry. Invalid
// signatures are ignored so a bad upstream chunk cannot poison the cache.
func (c *SignatureCache) Set(key Key, text, signature string) {
	signature = strings.TrimSpace(signature)
	if key.SessionID == "" || signature == "" {
		return
	}
	if signature != skipSignatureLiteral && len(signature) < minSignatureLength {
		return
	}

	ks := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[ks]; !exists {
		order := c.sessionOrder[key.SessionID]
		if len(order) >= maxEntriesPerSession {
			oldest := order[0]
			order = order[1:]
			delete(c.entries, oldest)
		}
		c.sessionOrder[key.SessionID] = append(order, ks)
	}
	c.entries[ks] = signatureEntry{
		text:      text,
		signature: signature,
		expiresAt: time.Now().Add(signatureTTL),
	}
}

// Get returns the cached (text, signature) pair for the key. Expired entries
// are removed on access and never returned.
func (c *SignatureCache) Get(key Key) (text, signature string, ok bool) {
	ks := key.String()
	c.mu.RLock()
	entry, exists := c.entries[ks]
	c.mu.RUnlock()
	if !exists {
		return "", "", false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		c.removeLocked(key.SessionID, ks)
		c.mu.Unlock()
		return "", "", false
	}
	return entry.text, entry.signature, true
}

// Has reports whether a live entry exists for the key.
func (c *SignatureCache) Has(key Key) bool {
	_, _, ok := c.Get(key)
	return ok
}

// Delete removes the entry for the key if present.
func (c *SignatureCache) Delete(key Key) {
	ks := key.String()
	c.mu.Lock()
	c.removeLocked(key.SessionID, ks)
	c.mu.Unlock()
}

func (c *SignatureCache) removeLocked(sessionID, ks string) {
	if _, exists := c.entries[ks]; !exists {
		return
	}
	delete(c.entries, ks)
	order := c.sessionOrder[sessionID]
	for i, k := range order {
		if k == ks {
			c.sessionOrder[sessionID] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	if len(c.sessionOrder[sessionID]) == 0 {
		delete(c.sessionOrder, sessionID)
	}
}
