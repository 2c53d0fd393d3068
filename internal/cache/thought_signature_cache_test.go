package cache

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

var validSignature = strings.Repeat("s", 64)

func testKey(session, conversation string) Key {
	return Key{
		SessionID:       session,
		ModelID:         "claude-sonnet-4-5-thinking",
		ProjectKey:      "project-1",
		ConversationKey: conversation,
	}
}

func TestSignatureCacheRoundTrip(t *testing.T) {
	c := NewSignatureCache()
	key := testKey("session-a", "conv-1")

	c.Set(key, "step 1", validSignature)

	text, sig, ok := c.Get(key)
	if !ok {
		t.Fatal("expected entry for key")
	}
	if text != "step 1" {
		t.Errorf("text = %q, want %q", text, "step 1")
	}
	if sig != validSignature {
		t.Errorf("signature = %q, want cached signature", sig)
	}

	other := testKey("session-a", "conv-2")
	if c.Has(other) {
		t.Error("entry leaked across conversation keys")
	}
}

func TestSignatureCacheRejectsShortSignature(t *testing.T) {
	c := NewSignatureCache()
	key := testKey("session-a", "conv-1")

	c.Set(key, "text", "too-short")
	if c.Has(key) {
		t.Error("short signature should not be cached")
	}

	c.Set(key, "text", skipSignatureLiteral)
	if !c.Has(key) {
		t.Error("skip sentinel should be cached")
	}
}

func TestSignatureCacheOverwriteSameKey(t *testing.T) {
	c := NewSignatureCache()
	key := testKey("session-a", "conv-1")

	c.Set(key, "old", validSignature)
	c.Set(key, "new", strings.Repeat("t", 64))

	text, sig, ok := c.Get(key)
	if !ok {
		t.Fatal("expected entry after overwrite")
	}
	if text != "new" || sig != strings.Repeat("t", 64) {
		t.Errorf("overwrite lost: text=%q sig=%q", text, sig)
	}
	if got := len(c.sessionOrder["session-a"]); got != 1 {
		t.Errorf("session order length = %d, want 1", got)
	}
}

func TestSignatureCacheEvictsOldestPerSession(t *testing.T) {
	c := NewSignatureCache()

	otherSession := testKey("session-b", "conv-0")
	c.Set(otherSession, "other", validSignature)

	for i := 0; i < maxEntriesPerSession; i++ {
		c.Set(testKey("session-a", fmt.Sprintf("conv-%d", i)), "text", validSignature)
	}
	if got := len(c.sessionOrder["session-a"]); got != maxEntriesPerSession {
		t.Fatalf("session entries = %d, want %d", got, maxEntriesPerSession)
	}

	c.Set(testKey("session-a", "conv-overflow"), "text", validSignature)

	if got := len(c.sessionOrder["session-a"]); got != maxEntriesPerSession {
		t.Errorf("session entries after overflow = %d, want %d", got, maxEntriesPerSession)
	}
	if c.Has(testKey("session-a", "conv-0")) {
		t.Error("oldest entry should have been evicted")
	}
	if !c.Has(testKey("session-a", "conv-1")) {
		t.Error("second-oldest entry should survive")
	}
	if !c.Has(testKey("session-a", "conv-overflow")) {
		t.Error("new entry should be present")
	}
	if !c.Has(otherSession) {
		t.Error("other session's entry must be untouched by eviction")
	}
}

func TestSignatureCacheExpiry(t *testing.T) {
	c := NewSignatureCache()
	key := testKey("session-a", "conv-1")
	c.Set(key, "text", validSignature)

	c.mu.Lock()
	entry := c.entries[key.String()]
	entry.expiresAt = time.Now().Add(-time.Minute)
	c.entries[key.String()] = entry
	c.mu.Unlock()

	if _, _, ok := c.Get(key); ok {
		t.Error("expired entry must never be returned")
	}
	if len(c.sessionOrder["session-a"]) != 0 {
		t.Error("expired entry should be removed from session order on access")
	}
}

func TestSignatureCacheDelete(t *testing.T) {
	c := NewSignatureCache()
	key := testKey("session-a", "conv-1")
	c.Set(key, "text", validSignature)
	c.Delete(key)
	if c.Has(key) {
		t.Error("deleted entry still present")
	}
}
