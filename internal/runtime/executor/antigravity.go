// Package executor issues requests against the Antigravity backend. It owns
// the endpoint fallback ladder, the retry/rotation loop over the account
// pool, and the SSE read loop for streaming calls.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/rom1kus/opencode-antigravity-auth/internal/account"
)

const (
	baseURLSandboxDaily = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	baseURLDaily        = "https://daily-cloudcode-pa.googleapis.com"
	baseURLProd         = "https://cloudcode-pa.googleapis.com"

	generatePath    = "/v1internal:generateContent"
	streamPath      = "/v1internal:streamGenerateContent"
	countTokensPath = "/v1internal:countTokens"

	xGoogAPIClient = "gl-node/22.17.0"
	clientMetadata = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
	userAgent      = "antigravity"

	// streamScannerBuffer bounds a single SSE line.
	streamScannerBuffer = 10 * 1024 * 1024

	defaultMaxAttempts = 3
)

const accessGuidance = "This account is not enrolled for Antigravity. Sign in once from the Antigravity editor to enroll it, then retry."

// baseURLFallbackOrder is the endpoint ladder: daily sandbox, daily, prod.
func baseURLFallbackOrder() []string {
	return []string{baseURLSandboxDaily, baseURLDaily, baseURLProd}
}

// statusErr carries an upstream HTTP failure with its retry hint.
type statusErr struct {
	code       int
	msg        string
	retryAfter *time.Duration
}

func (e statusErr) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("upstream status %d", e.code)
	}
	return e.msg
}

// StatusCode implements the coded-error contract used by the HTTP layer.
func (e statusErr) StatusCode() int { return e.code }

// RetryAfterHint returns the parsed retry delay, if any.
func (e statusErr) RetryAfterHint() *time.Duration { return e.retryAfter }

// RequestSpec describes one backend call. Build renders the envelope once
// the project id of the selected account is known.
type RequestSpec struct {
	Model  string
	Family string
	Beta   string
	Build  func(project string) ([]byte, error)
}

// StreamChunk is one SSE payload or a terminal error.
type StreamChunk struct {
	Payload []byte
	Err     error
}

// Executor is safe for concurrent use.
type Executor struct {
	pool        *account.Pool
	httpClient  *http.Client
	maxAttempts int
}

// New builds an executor over the pool. maxAttempts bounds account
// rotations per request; <=0 selects the default.
func New(pool *account.Pool, maxAttempts int) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Executor{
		pool:        pool,
		httpClient:  &http.Client{},
		maxAttempts: maxAttempts,
	}
}

// Execute performs a non-streaming generate call.
func (e *Executor) Execute(ctx context.Context, spec RequestSpec) ([]byte, error) {
	var body []byte
	err := e.withAccount(ctx, spec, generatePath, func(resp *http.Response) error {
		defer resp.Body.Close()
		data, errRead := io.ReadAll(resp.Body)
		if errRead != nil {
			return fmt.Errorf("read response: %w", errRead)
		}
		body = data
		return nil
	})
	return body, err
}

// CountTokens proxies the backend token counter.
func (e *Executor) CountTokens(ctx context.Context, spec RequestSpec) ([]byte, error) {
	var body []byte
	err := e.withAccount(ctx, spec, countTokensPath, func(resp *http.Response) error {
		defer resp.Body.Close()
		data, errRead := io.ReadAll(resp.Body)
		if errRead != nil {
			return fmt.Errorf("read response: %w", errRead)
		}
		body = data
		return nil
	})
	return body, err
}

// ExecuteStream performs a streaming generate call. The returned channel is
// closed when the upstream stream ends; cancelling ctx aborts the read.
func (e *Executor) ExecuteStream(ctx context.Context, spec RequestSpec) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 16)
	var started bool
	err := e.withAccount(ctx, spec, streamPath+"?alt=sse", func(resp *http.Response) error {
		started = true
		go e.readStream(ctx, resp, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !started {
		close(out)
	}
	return out, nil
}

func (e *Executor) readStream(ctx context.Context, resp *http.Response, out chan<- StreamChunk) {
	defer close(out)
	defer resp.Body.Close()

	// Abort the body read promptly when the inbound request is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(nil, streamScannerBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		chunk := make([]byte, len(payload))
		copy(chunk, payload)
		select {
		case out <- StreamChunk{Payload: chunk}:
		case <-ctx.Done():
			return
		}
	}
	if errScan := scanner.Err(); errScan != nil && ctx.Err() == nil {
		out <- StreamChunk{Err: fmt.Errorf("read stream: %w", errScan)}
	}
}

// withAccount runs the rotation loop: select an account, walk the endpoint
// ladder, record rate limits, and hand the first successful response to
// onSuccess. onSuccess takes ownership of the response body.
func (e *Executor) withAccount(ctx context.Context, spec RequestSpec, path string, onSuccess func(*http.Response) error) error {
	var lastErr error

attemptLoop:
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		acc, err := e.pool.Select(ctx, spec.Family)
		if err != nil {
			return err
		}

		project := acc.EffectiveProject()
		if project == "" {
			return &account.AuthError{AccountID: acc.ID, Err: fmt.Errorf("account has no project id")}
		}

		body, err := spec.Build(project)
		if err != nil {
			return err
		}

		notFoundRungs := 0
		for _, baseURL := range baseURLFallbackOrder() {
			requestURL := baseURL + path
			resp, errDo := e.send(ctx, requestURL, acc.AccessToken, spec.Beta, body)
			if errDo != nil {
				lastErr = errDo
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}

			logFields := log.Fields{
				"model":    spec.Model,
				"project":  project,
				"endpoint": baseURL,
				"status":   resp.StatusCode,
			}

			switch {
			case resp.StatusCode == http.StatusOK:
				return onSuccess(resp)

			case resp.StatusCode == http.StatusNotFound:
				// Not enrolled on this endpoint; try the next rung.
				respBody, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				log.WithFields(logFields).Debug("endpoint reported not found, falling back")
				lastErr = statusErr{code: resp.StatusCode, msg: formatErrorMessage(respBody, acc) + " " + accessGuidance}
				notFoundRungs++
				continue

			case resp.StatusCode == http.StatusTooManyRequests:
				respBody, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				retryAfter := retryAfterFromResponse(resp.StatusCode, resp.Header, respBody)
				wait := time.Duration(0)
				if retryAfter != nil {
					wait = *retryAfter
				}
				e.pool.MarkRateLimited(acc, spec.Family, wait)
				lastErr = statusErr{code: resp.StatusCode, msg: formatErrorMessage(respBody, acc), retryAfter: retryAfter}
				log.WithFields(logFields).Warn("rate limited, rotating account")
				continue attemptLoop

			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				// Authorization failures never fall through to a more
				// permissive endpoint.
				respBody, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				log.WithFields(logFields).Error("authorization rejected")
				return statusErr{code: resp.StatusCode, msg: formatErrorMessage(respBody, acc)}

			case resp.StatusCode >= http.StatusInternalServerError:
				respBody, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				log.WithFields(logFields).Warn("endpoint unavailable, falling back")
				lastErr = statusErr{code: resp.StatusCode, msg: formatErrorMessage(respBody, acc)}
				continue

			default:
				respBody, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				log.WithFields(logFields).Error("upstream rejected request")
				return statusErr{code: resp.StatusCode, msg: formatErrorMessage(respBody, acc)}
			}
		}

		// Every rung rejected the account as unenrolled. Enrollment is an
		// account property, not transient capacity, so surface the guidance
		// instead of burning attempts on other accounts.
		if notFoundRungs == len(baseURLFallbackOrder()) {
			return lastErr
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable endpoint")
	}
	return lastErr
}

func (e *Executor) send(ctx context.Context, url, accessToken, beta string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Goog-Api-Client", xGoogAPIClient)
	req.Header.Set("Client-Metadata", clientMetadata)
	if beta != "" {
		req.Header.Set("anthropic-beta", beta)
	}
	return e.httpClient.Do(req)
}

// formatErrorMessage extracts the upstream error message and tags it with
// the account so operators can tell which credential failed.
func formatErrorMessage(body []byte, acc *account.Account) string {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = "upstream error"
	}
	if acc != nil && acc.Email != "" {
		msg += " (account: " + acc.Email + ")"
	}
	return msg
}

// retryAfterFromResponse resolves the retry delay of a 429: the Retry-After
// header (seconds or HTTP-date), then the body's retryDelay duration string.
func retryAfterFromResponse(statusCode int, headers http.Header, body []byte) *time.Duration {
	if statusCode != http.StatusTooManyRequests {
		return nil
	}
	if headers != nil {
		if val := headers.Get("Retry-After"); val != "" {
			if seconds, err := strconv.Atoi(val); err == nil && seconds > 0 {
				d := time.Duration(seconds) * time.Second
				return &d
			}
			if t, err := time.Parse(time.RFC1123, val); err == nil {
				if d := time.Until(t); d > 0 {
					return &d
				}
			}
		}
	}
	return parseRetryDelay(body)
}

// parseRetryDelay finds the non-standard retryDelay duration string (for
// example "30s") in a 429 body.
func parseRetryDelay(body []byte) *time.Duration {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil
	}
	candidates := []string{
		gjson.GetBytes(body, "error.details.#(retryDelay).retryDelay").String(),
		gjson.GetBytes(body, `error.details.#(@type%"*RetryInfo").retryDelay`).String(),
		gjson.GetBytes(body, "retryDelay").String(),
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if d, err := time.ParseDuration(c); err == nil && d > 0 {
			return &d
		}
	}
	return nil
}
