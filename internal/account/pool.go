package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	oauthTokenURL     = "https://oauth2.googleapis.com/token"
	oauthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	oauthClientSecret = "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"

	// refreshSkew refreshes tokens well before their nominal expiry.
	refreshSkew = 300 * time.Second
)

var oauthConfig = &oauth2.Config{
	ClientID:     oauthClientID,
	ClientSecret: oauthClientSecret,
	Endpoint:     oauth2.Endpoint{TokenURL: oauthTokenURL},
}

// RateLimitError is returned when every account is rate-limited for the
// requested family and the pool is configured not to wait.
type RateLimitError struct {
	Family  string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("all accounts rate-limited for %s until %s", e.Family, e.ResetAt.Format(time.RFC3339))
}

// RetryAfter returns the remaining wait as a duration, never negative.
func (e *RateLimitError) RetryAfter() time.Duration {
	d := time.Until(e.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// AuthError marks credential failures that must surface to the caller
// instead of being retried against other endpoints.
type AuthError struct {
	AccountID string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("account %s: %v", e.AccountID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Pool owns the account list. Selection is round-robin among accounts not
// currently rate-limited for the requested model family; rate-limit and
// usage state mutations happen under one lock and are persisted after.
type Pool struct {
	mu       sync.Mutex
	store    *Store
	accounts []*Account
	active   int

	// When true, Select blocks until the nearest reset instead of
	// surfacing a RateLimitError.
	waitOnLimit bool
}

// NewPool loads the store and starts watching it for external edits.
func NewPool(store *Store, waitOnLimit bool) (*Pool, error) {
	accounts, active, err := store.Load()
	if err != nil {
		return nil, err
	}
	p := &Pool{
		store:       store,
		accounts:    accounts,
		active:      active,
		waitOnLimit: waitOnLimit,
	}
	if err := store.Watch(p.replace); err != nil {
		log.WithError(err).Warn("account pool: file watch unavailable")
	}
	return p, nil
}

func (p *Pool) replace(accounts []*Account, active int) {
	p.mu.Lock()
	p.accounts = accounts
	p.active = ClampActiveIndex(active, len(accounts))
	p.mu.Unlock()
	log.WithField("accounts", len(accounts)).Info("account pool reloaded")
}

// Len reports the number of accounts in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Select picks the next usable account for the family, refreshing its token
// when expired. When every account is limited it either waits for the
// nearest reset or returns a RateLimitError, per configuration.
func (p *Pool) Select(ctx context.Context, family string) (*Account, error) {
	for {
		acc, nearestReset, err := p.pick(family)
		if err != nil {
			return nil, err
		}
		if acc != nil {
			if errTok := p.ensureAccessToken(ctx, acc); errTok != nil {
				return nil, &AuthError{AccountID: acc.ID, Err: errTok}
			}
			return acc, nil
		}

		if !p.waitOnLimit {
			return nil, &RateLimitError{Family: family, ResetAt: nearestReset}
		}
		wait := time.Until(nearestReset)
		if wait < 0 {
			continue
		}
		log.WithFields(log.Fields{"family": family, "wait": wait.Round(time.Second)}).
			Warn("all accounts rate-limited, waiting for reset")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// pick returns the chosen account, or the nearest reset time when all
// accounts are limited for the family.
func (p *Pool) pick(family string) (*Account, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return nil, time.Time{}, fmt.Errorf("account pool is empty; authorize an account first")
	}

	now := time.Now()
	var nearestReset time.Time
	for i := 0; i < len(p.accounts); i++ {
		idx := (p.active + i) % len(p.accounts)
		acc := p.accounts[idx]
		if acc.IsRateLimited(family, now) {
			reset := acc.RateLimitResetTimes[family]
			if nearestReset.IsZero() || reset.Before(nearestReset) {
				nearestReset = reset
			}
			continue
		}
		p.active = (idx + 1) % len(p.accounts)
		acc.LastUsed = now
		p.persistLocked()
		return acc, time.Time{}, nil
	}
	return nil, nearestReset, nil
}

// MarkRateLimited records a reset deadline for the account and family.
func (p *Pool) MarkRateLimited(acc *Account, family string, retryAfter time.Duration) {
	if acc == nil {
		return
	}
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	reset := time.Now().Add(retryAfter)

	p.mu.Lock()
	acc.SetRateLimitReset(family, reset)
	p.persistLocked()
	p.mu.Unlock()

	log.WithFields(log.Fields{
		"account": acc.ID,
		"family":  family,
		"reset":   reset.Format(time.RFC3339),
	}).Warn("account rate-limited")
}

func (p *Pool) persistLocked() {
	if err := p.store.Save(p.accounts, p.active); err != nil {
		log.WithError(err).Warn("persist account pool failed")
	}
}

// ensureAccessToken refreshes the account's access token when it is within
// the skew of expiry. Refresh is attempted once; a failure surfaces.
func (p *Pool) ensureAccessToken(ctx context.Context, acc *Account) error {
	if acc.AccessToken != "" && acc.TokenExpiry().After(time.Now().Add(refreshSkew)) {
		return nil
	}
	if acc.RefreshToken == "" {
		return fmt.Errorf("no refresh token stored")
	}

	src := oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}

	p.mu.Lock()
	acc.AccessToken = tok.AccessToken
	if !tok.Expiry.IsZero() {
		acc.Expired = tok.Expiry.Format(time.RFC3339)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != acc.RefreshToken {
		acc.RefreshToken = tok.RefreshToken
	}
	p.persistLocked()
	p.mu.Unlock()

	log.WithField("account", acc.ID).Debug("access token refreshed")
	return nil
}
