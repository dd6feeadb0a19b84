package wecom

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/oldoneme/quote-approval-service/internal/errors"
	"github.com/oldoneme/quote-approval-service/internal/httpclient"
)

// TokenProvider supplies a valid platform access token. Implementations own
// their cache and refresh policy; there are no package-level token globals.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	// Invalidate discards the cached token so the next call refreshes.
	// Called when the platform reports an expired-token error code.
	Invalidate()
}

// refreshMargin renews the token this long before its reported expiry.
const refreshMargin = 60 * time.Second

// CachedTokenProvider fetches tokens from the platform and caches them
// until shortly before expiry.
type CachedTokenProvider struct {
	http       *httpclient.Client
	corpID     string
	corpSecret string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewCachedTokenProvider creates a provider against the platform base URL.
func NewCachedTokenProvider(http *httpclient.Client, corpID, corpSecret string) *CachedTokenProvider {
	return &CachedTokenProvider{http: http, corpID: corpID, corpSecret: corpSecret}
}

type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns the cached token, refreshing when absent or near expiry.
func (p *CachedTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiresAt) {
		return p.token, nil
	}

	path := fmt.Sprintf("/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		url.QueryEscape(p.corpID), url.QueryEscape(p.corpSecret))

	var resp tokenResponse
	if err := p.http.Get(ctx, path, &resp); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeUnavailable, "failed to fetch access token")
	}
	if resp.ErrCode != 0 {
		return "", errors.Newf(errors.ErrCodeUnavailable,
			"platform refused token request: %d %s", resp.ErrCode, resp.ErrMsg)
	}

	p.token = resp.AccessToken
	p.expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - refreshMargin)
	return p.token, nil
}

// Invalidate discards the cached token.
func (p *CachedTokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}
