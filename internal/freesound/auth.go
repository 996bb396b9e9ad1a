package freesound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// AuthConfig configures the OAuth2 session with Freesound.
type AuthConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// TokenFile is where the token is persisted between runs
	TokenFile string

	// Timeout applies to every authorized request (0 = none)
	Timeout time.Duration
}

// Authenticator owns the OAuth2 token lifecycle: code exchange, persistence,
// refresh and logout.
type Authenticator struct {
	cfg   AuthConfig
	oauth *oauth2.Config
	mu    sync.Mutex
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Authenticator{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth2/authorize/",
				TokenURL:  base + "/oauth2/access_token/",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// AuthCodeURL returns the URL the user visits to grant access.
func (a *Authenticator) AuthCodeURL(state string) string {
	return a.oauth.AuthCodeURL(state)
}

// ExchangeCodeForTokens trades an authorization code for a token and
// persists it.
func (a *Authenticator) ExchangeCodeForTokens(ctx context.Context, code string) (*oauth2.Token, error) {
	if a.cfg.ClientID == "" || a.cfg.ClientSecret == "" {
		return nil, fmt.Errorf("freesound client id and secret must be configured")
	}
	tok, err := a.oauth.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if err := a.saveToken(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// IsAuthenticated reports whether a usable token is stored: either still
// valid or refreshable.
func (a *Authenticator) IsAuthenticated() bool {
	tok, err := a.loadToken()
	if err != nil {
		return false
	}
	return tok.Valid() || tok.RefreshToken != ""
}

// CheckAuthStatus verifies the stored token against the API.
func (a *Authenticator) CheckAuthStatus(ctx context.Context, client *Client) (*User, error) {
	if !a.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	user, err := client.GetMe(ctx)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
		}
		return nil, err
	}
	return user, nil
}

// Logout forgets the stored token. It is idempotent.
func (a *Authenticator) Logout() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.Remove(a.cfg.TokenFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

// HTTPClient returns a client that authorizes requests with the stored token,
// refreshing it when needed and persisting refreshed tokens.
func (a *Authenticator) HTTPClient(ctx context.Context) (*http.Client, error) {
	tok, err := a.loadToken()
	if err != nil {
		return nil, err
	}
	src := oauth2.ReuseTokenSource(tok, &persistingSource{
		base: a.oauth.TokenSource(ctx, tok),
		auth: a,
		last: tok.AccessToken,
	})
	client := oauth2.NewClient(ctx, src)
	client.Timeout = a.cfg.Timeout
	return client, nil
}

func (a *Authenticator) loadToken() (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.TokenFile == "" {
		return nil, ErrNotAuthenticated
	}
	// #nosec G304 - path comes from configuration
	data, err := os.ReadFile(a.cfg.TokenFile)
	if os.IsNotExist(err) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, ErrNotAuthenticated
	}
	return &tok, nil
}

func (a *Authenticator) saveToken(tok *oauth2.Token) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.TokenFile == "" {
		return fmt.Errorf("token file is not configured")
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.TokenFile), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	tmp := a.cfg.TokenFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, a.cfg.TokenFile); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// persistingSource saves every newly issued token.
type persistingSource struct {
	base oauth2.TokenSource
	auth *Authenticator
	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.auth.saveToken(tok); err != nil {
			return nil, err
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}
