// Package oauth implements the provider-specific token refresh calls used by
// the Token Refresh Coordinator (§4.H) and the control plane's login flow.
// GitLab.com (cloud) and self-managed (on-prem) instances use the same OAuth2
// grant shape but different issuer discovery, so each gets its own
// golang.org/x/oauth2 config builder.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/oauth2"

	"github.com/copilot-study/gitlab-crawl/internal/store"
)

// ErrInvalidGrant is returned when the provider rejects the refresh token
// outright (revoked, expired beyond its own grace window). The token
// coordinator treats this as unrecoverable: it clears the stored credentials
// and fails the job instead of retrying.
var ErrInvalidGrant = errors.New("oauth: refresh token rejected (invalid_grant)")

// Result carries the refreshed credential pair back to the coordinator.
type Result struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a stored refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, account store.Account) (Result, error)
}

// ProviderConfig carries the OAuth2 client registration details per GitLab
// deployment the control plane is configured to talk to.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	// IssuerURL is used for discovery against on-prem instances; cloud uses
	// the well-known gitlab.com endpoints directly.
	IssuerURL string
}

// gitlabRefresher implements Refresher for both cloud and on-prem GitLab —
// the only difference is where the token endpoint is discovered from.
type gitlabRefresher struct {
	cfg ProviderConfig
}

// NewGitLabRefresher builds a Refresher for GitLab.com.
func NewGitLabRefresher(cfg ProviderConfig) Refresher {
	return &gitlabRefresher{cfg: cfg}
}

// NewGitLabOnPremRefresher builds a Refresher for a self-managed instance,
// discovering the token endpoint via OIDC issuer metadata at cfg.IssuerURL.
func NewGitLabOnPremRefresher(cfg ProviderConfig) Refresher {
	return &gitlabRefresher{cfg: cfg}
}

func (r *gitlabRefresher) Refresh(ctx context.Context, account store.Account) (Result, error) {
	endpoint, err := r.tokenEndpoint(ctx, account.APIBaseURL)
	if err != nil {
		return Result{}, fmt.Errorf("oauth: discover token endpoint: %w", err)
	}

	conf := &oauth2.Config{
		ClientID:     r.cfg.ClientID,
		ClientSecret: r.cfg.ClientSecret,
		Endpoint:     endpoint,
	}

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			return Result{}, ErrInvalidGrant
		}
		return Result{}, fmt.Errorf("oauth: refresh: %w", err)
	}

	return Result{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

func (r *gitlabRefresher) tokenEndpoint(ctx context.Context, apiBaseURL string) (oauth2.Endpoint, error) {
	if r.cfg.IssuerURL == "" {
		// GitLab.com's fixed OAuth endpoints.
		return oauth2.Endpoint{
			AuthURL:  "https://gitlab.com/oauth/authorize",
			TokenURL: "https://gitlab.com/oauth/token",
		}, nil
	}
	provider, err := oidc.NewProvider(ctx, r.cfg.IssuerURL)
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	return provider.Endpoint(), nil
}

// isInvalidGrant is a best-effort classification: oauth2 wraps the token
// endpoint's error body in a *oauth2.RetrieveError whose ErrorCode field
// carries the RFC 6749 error string directly.
func isInvalidGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return rerr.ErrorCode == "invalid_grant"
	}
	return false
}

// WhoAmI validates an access token by calling GitLab's current-user
// endpoint, used by the account bootstrap flow to confirm a freshly issued
// token actually works before it's persisted.
func WhoAmI(ctx context.Context, apiBaseURL, accessToken string) (username string, err error) {
	client, err := gitlab.NewClient(accessToken, gitlab.WithBaseURL(apiBaseURL))
	if err != nil {
		return "", fmt.Errorf("oauth: build client: %w", err)
	}
	user, _, err := client.Users.CurrentUser()
	if err != nil {
		return "", fmt.Errorf("oauth: whoami: %w", err)
	}
	return user.Username, nil
}
