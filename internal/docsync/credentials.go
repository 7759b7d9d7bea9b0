package docsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/relaydoc/internal/logging"
)

// Credential is a bearer token and the expiry read from its exp claim.
// A zero ExpiresAt means the expiry is unknown.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.Token == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// ParseCredential reads the exp claim of a JWT without verifying it. The
// backend verifies; the client only needs to know when to renew.
func ParseCredential(token string) Credential {
	token = strings.TrimSpace(token)
	cred := Credential{Token: token}
	if token == "" {
		return cred
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return cred
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred
}

// IdentityProvider is the hosted identity provider's session handle.
type IdentityProvider interface {
	// Session returns the current access credential, or ErrNoSession.
	Session(ctx context.Context) (Credential, error)
	// Refresh obtains a new access credential.
	Refresh(ctx context.Context) (Credential, error)
	SignOut(ctx context.Context) error
}

// CredentialSupplier hands out bearer credentials for requests and
// connection handshakes.
type CredentialSupplier interface {
	Credential(ctx context.Context) (Credential, error)
	Refresh(ctx context.Context) (Credential, error)
	Clear(ctx context.Context)
}

type SupplierOptions struct {
	// Skew renews a cached credential this long before it expires.
	Skew   time.Duration
	Logger logging.Logger
	Now    func() time.Time
}

// Supplier caches the provider's credential and renews it transparently
// once it has expired.
type Supplier struct {
	provider IdentityProvider
	skew     time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu     sync.Mutex
	cached *Credential
}

func NewSupplier(provider IdentityProvider, opts SupplierOptions) *Supplier {
	if opts.Skew <= 0 {
		opts.Skew = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supplier{
		provider: provider,
		skew:     opts.Skew,
		logger:   logging.OrNop(opts.Logger),
		now:      opts.Now,
	}
}

func (s *Supplier) Credential(ctx context.Context) (Credential, error) {
	if s == nil || s.provider == nil {
		return Credential{}, ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && !s.cached.Expired(s.now(), s.skew) {
		return *s.cached, nil
	}
	var (
		cred Credential
		err  error
	)
	if s.cached != nil {
		s.logger.Debug(ctx, "credential expired; refreshing", "expiresAt", s.cached.ExpiresAt)
		cred, err = s.provider.Refresh(ctx)
	} else {
		cred, err = s.provider.Session(ctx)
	}
	if err != nil {
		s.cached = nil
		return Credential{}, err
	}
	s.cached = &cred
	return cred, nil
}

func (s *Supplier) Refresh(ctx context.Context) (Credential, error) {
	if s == nil || s.provider == nil {
		return Credential{}, ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, err := s.provider.Refresh(ctx)
	if err != nil {
		s.cached = nil
		return Credential{}, err
	}
	s.cached = &cred
	return cred, nil
}

// Clear tears the session down: the cached credential is dropped and the
// provider is signed out.
func (s *Supplier) Clear(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	if s.provider == nil {
		return
	}
	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Warn(ctx, "sign out failed", "error", err)
	}
}

// StaticProvider serves a fixed token. It cannot renew.
type StaticProvider struct {
	mu    sync.Mutex
	token string
}

func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: strings.TrimSpace(token)}
}

func (p *StaticProvider) Session(context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return Credential{}, ErrNoSession
	}
	return ParseCredential(p.token), nil
}

func (p *StaticProvider) Refresh(ctx context.Context) (Credential, error) {
	return p.Session(ctx)
}

func (p *StaticProvider) SignOut(context.Context) error {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
	return nil
}

// RefreshProvider exchanges a refresh token for access tokens at
// POST {baseURL}/auth/refresh.
type RefreshProvider struct {
	baseURL    string
	httpClient *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

func NewRefreshProvider(baseURL, accessToken, refreshToken string, httpClient *http.Client) *RefreshProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RefreshProvider{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient:   httpClient,
		accessToken:  strings.TrimSpace(accessToken),
		refreshToken: strings.TrimSpace(refreshToken),
	}
}

func (p *RefreshProvider) Session(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	access, refresh := p.accessToken, p.refreshToken
	p.mu.Unlock()
	if access != "" {
		cred := ParseCredential(access)
		if !cred.Expired(time.Now(), 0) {
			return cred, nil
		}
	}
	if refresh == "" {
		return Credential{}, ErrNoSession
	}
	return p.Refresh(ctx)
}

func (p *RefreshProvider) Refresh(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	refresh := p.refreshToken
	p.mu.Unlock()
	if refresh == "" {
		return Credential{}, ErrNoSession
	}
	body, err := json.Marshal(map[string]string{"refreshToken": refresh})
	if err != nil {
		return Credential{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("refresh session: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := decodeHTTPError(resp.StatusCode, payload)
		if errors.Is(httpErr, ErrUnauthorized) {
			return Credential{}, fmt.Errorf("%w: %w", ErrSessionExpired, httpErr)
		}
		return Credential{}, httpErr
	}
	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return Credential{}, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return Credential{}, fmt.Errorf("refresh session: empty access token")
	}
	p.mu.Lock()
	p.accessToken = strings.TrimSpace(out.AccessToken)
	if strings.TrimSpace(out.RefreshToken) != "" {
		p.refreshToken = strings.TrimSpace(out.RefreshToken)
	}
	access := p.accessToken
	p.mu.Unlock()
	return ParseCredential(access), nil
}

func (p *RefreshProvider) SignOut(context.Context) error {
	p.mu.Lock()
	p.accessToken = ""
	p.refreshToken = ""
	p.mu.Unlock()
	return nil
}
