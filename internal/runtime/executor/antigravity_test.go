package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rom1kus/opencode-antigravity-auth/internal/account"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func testPool(t *testing.T, n int) *account.Pool {
	t.Helper()
	expiry := time.Now().Add(time.Hour).Format(time.RFC3339)
	accounts := make([]*account.Account, 0, n)
	for i := 0; i < n; i++ {
		accounts = append(accounts, &account.Account{
			ID:           fmt.Sprintf("a%d", i+1),
			Email:        fmt.Sprintf("a%d@example.com", i+1),
			RefreshToken: "rt",
			AccessToken:  "tok",
			Expired:      expiry,
			ProjectID:    "proj",
		})
	}
	store := account.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	if err := store.Save(accounts, 0); err != nil {
		t.Fatalf("save accounts: %v", err)
	}
	pool, err := account.NewPool(store, false)
	if err != nil {
		t.Fatalf("build pool: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return pool
}

func TestRetryAfterFromHeaderSeconds(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "30")

	d := retryAfterFromResponse(http.StatusTooManyRequests, headers, nil)
	if d == nil || *d != 30*time.Second {
		t.Errorf("retry after = %v, want 30s", d)
	}
}

func TestRetryAfterFromHeaderDate(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", time.Now().Add(2*time.Minute).UTC().Format(time.RFC1123))

	d := retryAfterFromResponse(http.StatusTooManyRequests, headers, nil)
	if d == nil || *d <= 0 || *d > 2*time.Minute {
		t.Errorf("retry after = %v, want about 2m", d)
	}
}

func TestRetryAfterFromBodyDelay(t *testing.T) {
	body := []byte(`{
		"error": {
			"code": 429,
			"message": "quota exceeded",
			"details": [
				{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "42s"}
			]
		}
	}`)

	d := retryAfterFromResponse(http.StatusTooManyRequests, nil, body)
	if d == nil || *d != 42*time.Second {
		t.Errorf("retry after = %v, want 42s", d)
	}
}

func TestRetryAfterIgnoresOtherStatuses(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "30")
	if d := retryAfterFromResponse(http.StatusServiceUnavailable, headers, nil); d != nil {
		t.Errorf("retry after = %v, want nil for non-429", d)
	}
}

func TestParseRetryDelayInvalidBodies(t *testing.T) {
	for _, body := range []string{"", "not json", `{"error": {}}`, `{"retryDelay": "soon"}`} {
		if d := parseRetryDelay([]byte(body)); d != nil {
			t.Errorf("parseRetryDelay(%q) = %v, want nil", body, d)
		}
	}
	if d := parseRetryDelay([]byte(`{"retryDelay": "90s"}`)); d == nil || *d != 90*time.Second {
		t.Errorf("top-level retryDelay = %v, want 90s", d)
	}
}

func TestFormatErrorMessage(t *testing.T) {
	acc := &account.Account{ID: "a1", Email: "one@example.com"}

	msg := formatErrorMessage([]byte(`{"error": {"message": "model not found"}}`), acc)
	if msg != "model not found (account: one@example.com)" {
		t.Errorf("msg = %q", msg)
	}

	msg = formatErrorMessage([]byte("plain failure"), nil)
	if msg != "plain failure" {
		t.Errorf("msg = %q", msg)
	}

	msg = formatErrorMessage(nil, nil)
	if msg != "upstream error" {
		t.Errorf("msg = %q", msg)
	}
}

func TestBaseURLFallbackOrder(t *testing.T) {
	order := baseURLFallbackOrder()
	want := []string{baseURLSandboxDaily, baseURLDaily, baseURLProd}
	if len(order) != len(want) {
		t.Fatalf("ladder length = %d, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("ladder[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestNotFoundOnAllRungsDoesNotRotateAccounts(t *testing.T) {
	pool := testPool(t, 3)
	exec := New(pool, 3)

	var requests int
	exec.httpClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		requests++
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(`{"error": {"message": "not found"}}`)),
		}, nil
	})}

	spec := RequestSpec{
		Model:  "claude-sonnet-4-5",
		Family: "claude",
		Build:  func(project string) ([]byte, error) { return []byte("{}"), nil },
	}
	_, err := exec.Execute(context.Background(), spec)
	if err == nil {
		t.Fatal("expected error after exhausting the ladder")
	}
	if !strings.Contains(err.Error(), accessGuidance) {
		t.Errorf("error lacks enrollment guidance: %v", err)
	}
	// One ladder pass with the first account, no rotation afterwards.
	if want := len(baseURLFallbackOrder()); requests != want {
		t.Errorf("requests = %d, want %d (single ladder pass)", requests, want)
	}
}

func TestStatusErr(t *testing.T) {
	d := 5 * time.Second
	err := statusErr{code: 429, msg: "limited", retryAfter: &d}
	if err.StatusCode() != 429 || err.Error() != "limited" || *err.RetryAfterHint() != d {
		t.Errorf("statusErr accessors broken: %+v", err)
	}
	bare := statusErr{code: 502}
	if bare.Error() != "upstream status 502" {
		t.Errorf("bare error = %q", bare.Error())
	}
}
