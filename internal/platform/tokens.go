package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/prsentry/prsentry-backend/internal/pkg/metrics"
)

const (
	acceptHeader     = "application/vnd.github+json"
	apiVersionHeader = "2022-11-28"

	// Installation tokens live ~1 hour upstream; refresh a minute early
	// and never trust a cache entry for more than 55 minutes.
	tokenEarlyRefresh = time.Minute
	tokenMaxTTL       = 55 * time.Minute
)

// InstallationToken is a minted installation access token.
type InstallationToken struct {
	Value     string
	ExpiresAt time.Time
}

// InstallationTokenSource mints and caches installation tokens keyed by
// installation id. Concurrent requesters for the same id coalesce into a
// single outstanding mint (single-flight); the cache lock is never held
// across the outbound call.
type InstallationTokenSource struct {
	app        *AppTokenSource
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[int64]InstallationToken
}

// NewInstallationTokenSource builds a token source against the platform API.
func NewInstallationTokenSource(app *AppTokenSource, baseURL string, httpClient *http.Client) *InstallationTokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &InstallationTokenSource{
		app:        app,
		baseURL:    baseURL,
		httpClient: httpClient,
		now:        time.Now,
		cache:      make(map[int64]InstallationToken),
	}
}

// Token returns a valid installation token, minting one if the cached entry
// is missing or about to expire.
func (s *InstallationTokenSource) Token(ctx context.Context, installationID int64) (string, error) {
	if tok, ok := s.cached(installationID); ok {
		return tok.Value, nil
	}

	key := strconv.FormatInt(installationID, 10)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		// A sibling may have refreshed while we queued.
		if tok, ok := s.cached(installationID); ok {
			return tok, nil
		}
		tok, err := s.mint(ctx, installationID)
		if err != nil {
			return nil, err
		}
		s.store(installationID, tok)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(InstallationToken).Value, nil
}

// Invalidate drops the cached token, forcing the next caller to mint.
func (s *InstallationTokenSource) Invalidate(installationID int64) {
	s.mu.Lock()
	delete(s.cache, installationID)
	s.mu.Unlock()
}

func (s *InstallationTokenSource) cached(installationID int64) (InstallationToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.cache[installationID]
	if !ok || !s.now().Before(tok.ExpiresAt) {
		delete(s.cache, installationID)
		return InstallationToken{}, false
	}
	return tok, true
}

func (s *InstallationTokenSource) store(installationID int64, tok InstallationToken) {
	s.mu.Lock()
	s.cache[installationID] = tok
	s.mu.Unlock()
}

type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *InstallationTokenSource) mint(ctx context.Context, installationID int64) (InstallationToken, error) {
	appJWT, err := s.app.AppJWT()
	if err != nil {
		return InstallationToken{}, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return InstallationToken{}, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersionHeader)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.InstallationTokensMintedTotal.WithLabelValues("error").Inc()
		return InstallationToken{}, fmt.Errorf("mint installation token %d: %w", installationID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		metrics.InstallationTokensMintedTotal.WithLabelValues("denied").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return InstallationToken{}, fmt.Errorf("%w: installation %d: %d %s",
			ErrCredentialDenied, installationID, resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 300 {
		metrics.InstallationTokensMintedTotal.WithLabelValues("error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return InstallationToken{}, &APIError{StatusCode: resp.StatusCode, URL: url, Body: string(body)}
	}

	var parsed accessTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		metrics.InstallationTokensMintedTotal.WithLabelValues("error").Inc()
		return InstallationToken{}, fmt.Errorf("decode installation token response: %w", err)
	}
	if parsed.Token == "" {
		metrics.InstallationTokensMintedTotal.WithLabelValues("error").Inc()
		return InstallationToken{}, errors.New("platform: empty installation token in response")
	}

	now := s.now()
	expires := parsed.ExpiresAt.Add(-tokenEarlyRefresh)
	if max := now.Add(tokenMaxTTL); expires.After(max) {
		expires = max
	}
	metrics.InstallationTokensMintedTotal.WithLabelValues("ok").Inc()
	return InstallationToken{Value: parsed.Token, ExpiresAt: expires}, nil
}
