package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"trackshare-client/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

const (
	credExpirySlack   = 30 * time.Second
	defaultCredTTL    = 50 * time.Minute
	credFetchTimeout  = 10 * time.Second
	credFetchAttempts = 2
)

// CredentialProvider obtains guest credentials from the identity pool and
// caches the token until shortly before it expires.
type CredentialProvider struct {
	mu         sync.Mutex
	httpClient *http.Client
	url        string
	poolID     string
	region     string

	token     string
	expiresAt time.Time

	nowFn func() time.Time
}

func NewCredentialProvider(cfg config.Config) *CredentialProvider {
	return &CredentialProvider{
		httpClient: &http.Client{Timeout: credFetchTimeout},
		url:        cfg.IdentityURL,
		poolID:     cfg.IdentityPoolID,
		region:     cfg.APIRegion,
		nowFn:      time.Now,
	}
}

// Token returns a cached guest token, fetching a fresh one when none is held
// or the held one is about to expire.
func (p *CredentialProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.nowFn().Before(p.expiresAt.Add(-credExpirySlack)) {
		return p.token, nil
	}
	return p.fetchLocked(ctx)
}

// Refresh drops the cached token and fetches a new one. Called once when the
// data API rejects the current credentials.
func (p *CredentialProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.token = ""
	return p.fetchLocked(ctx)
}

func (p *CredentialProvider) fetchLocked(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt < credFetchAttempts; attempt++ {
		token, err := p.fetchOnce(ctx)
		if err == nil {
			p.token = token
			p.expiresAt = p.tokenExpiry(token)
			return token, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("guest credentials: %w", lastErr)
}

func (p *CredentialProvider) fetchOnce(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"identityPoolId": p.poolID,
		"region":         p.region,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity provider status %d", resp.StatusCode)
	}

	var out struct {
		Token      string `json:"token"`
		IdentityID string `json:"identityId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("identity provider returned empty token")
	}
	return out.Token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the token
// is opaque to this client and only the refresh point matters.
func (p *CredentialProvider) tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return p.nowFn().Add(defaultCredTTL)
}
