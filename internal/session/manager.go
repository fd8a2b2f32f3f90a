package session

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
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const defaultRefreshPath = "/auth/token/refresh/"

type Logger interface {
	Printf(format string, args ...any)
}

type ManagerOptions struct {
	BaseURL     string
	RefreshPath string
	HTTPClient  *http.Client
	Logger      Logger
	Now         func() time.Time
}

// Manager owns the credential lifecycle: expiry inspection, refresh and
// teardown. It is safe for concurrent use; concurrent refreshes share one
// exchange.
type Manager struct {
	store       CredentialStore
	baseURL     string
	refreshPath string
	httpClient  *http.Client
	logger      Logger
	now         func() time.Time
	parser      *jwt.Parser
	refreshes   singleflight.Group

	listenersMu  sync.Mutex
	nextListener int
	listeners    map[int]func(error)
}

func NewManager(store CredentialStore, opts ManagerOptions) *Manager {
	if store == nil {
		store = NewMemoryCredentialStore(Credential{})
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	refreshPath := strings.TrimSpace(opts.RefreshPath)
	if refreshPath == "" {
		refreshPath = defaultRefreshPath
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:       store,
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		refreshPath: refreshPath,
		httpClient:  httpClient,
		logger:      opts.Logger,
		now:         now,
		parser:      jwt.NewParser(),
		listeners:   map[int]func(error){},
	}
}

// AccessToken returns the stored access token, or "" when there is none.
// It never touches the network.
func (m *Manager) AccessToken(ctx context.Context) string {
	cred, err := m.store.Get(ctx)
	if err != nil {
		m.logf("session: read credentials failed: %v", err)
		return ""
	}
	return cred.AccessToken
}

// TokenExpiry decodes the exp claim without verifying the signature.
func (m *Manager) TokenExpiry(token string) (time.Time, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return time.Time{}, false
	}
	parsed, _, err := m.parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// IsExpired treats malformed tokens and tokens without an expiry as expired.
func (m *Manager) IsExpired(token string) bool {
	expiry, ok := m.TokenExpiry(token)
	if !ok {
		return true
	}
	return !m.now().Before(expiry)
}

// EnsureValidToken returns a usable access token, refreshing at most once.
// When no usable token can be obtained the session has been torn down and
// the returned error matches ErrAuthenticationRequired.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	cred, err := m.store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	if cred.AccessToken != "" && !m.IsExpired(cred.AccessToken) {
		return cred.AccessToken, nil
	}
	if cred.IsZero() {
		return "", ErrAuthenticationRequired
	}
	return m.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new access token. Any failure
// clears every credential and notifies OnSessionEnded listeners, unless the
// caller's context was cancelled first.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	result, err, _ := m.refreshes.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	cred, err := m.store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	if cred.RefreshToken == "" {
		return "", m.EndSession(ctx, &RefreshError{Err: errors.New("no refresh token")})
	}

	access, rotated, err := m.exchange(ctx, cred.RefreshToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", m.EndSession(ctx, err)
	}
	next := Credential{AccessToken: access, RefreshToken: cred.RefreshToken}
	if rotated != "" {
		next.RefreshToken = rotated
	}
	if err := m.store.Set(ctx, next); err != nil {
		return "", m.EndSession(ctx, &RefreshError{Err: fmt.Errorf("store credentials: %w", err)})
	}
	m.logf("session: access token refreshed")
	return access, nil
}

func (m *Manager) exchange(ctx context.Context, refreshToken string) (string, string, error) {
	body, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return "", "", &RefreshError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+m.refreshPath, bytes.NewReader(body))
	if err != nil {
		return "", "", &RefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", "", &RefreshError{Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", "", &RefreshError{StatusCode: resp.StatusCode, Err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", &RefreshError{StatusCode: resp.StatusCode}
	}

	var out struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", "", &RefreshError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	out.Access = strings.TrimSpace(out.Access)
	if out.Access == "" {
		return "", "", &RefreshError{StatusCode: resp.StatusCode, Err: errors.New("response carried no access token")}
	}
	if m.IsExpired(out.Access) {
		return "", "", &RefreshError{StatusCode: resp.StatusCode, Err: errors.New("issued access token is already expired")}
	}
	return out.Access, strings.TrimSpace(out.Refresh), nil
}

// Clear wipes stored credentials. It is idempotent and does not notify
// listeners; use EndSession for a teardown consumers should react to.
func (m *Manager) Clear(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// Login seeds the store with credentials obtained at login or signup.
func (m *Manager) Login(ctx context.Context, cred Credential) error {
	cred.AccessToken = strings.TrimSpace(cred.AccessToken)
	cred.RefreshToken = strings.TrimSpace(cred.RefreshToken)
	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return fmt.Errorf("login: %w", ErrAuthenticationRequired)
	}
	return m.store.Set(ctx, cred)
}

// EndSession clears credentials and tells every listener the user must
// authenticate again. The returned error wraps cause and always matches
// ErrAuthenticationRequired.
func (m *Manager) EndSession(ctx context.Context, cause error) error {
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		m.logf("session: clear credentials failed: %v", err)
	}
	if cause == nil {
		cause = ErrAuthenticationRequired
	}
	m.logf("session: ended: %v", cause)

	m.listenersMu.Lock()
	listeners := make([]func(error), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(cause)
	}

	if errors.Is(cause, ErrAuthenticationRequired) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrAuthenticationRequired, cause)
}

// OnSessionEnded registers fn to run after every teardown.
func (m *Manager) OnSessionEnded(fn func(error)) func() {
	if fn == nil {
		return func() {}
	}
	m.listenersMu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = fn
	m.listenersMu.Unlock()
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// Token lets the Manager serve as an oauth2.TokenSource.
func (m *Manager) Token() (*oauth2.Token, error) {
	access, err := m.EnsureValidToken(context.Background())
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if expiry, ok := m.TokenExpiry(access); ok {
		tok.Expiry = expiry
	}
	return tok, nil
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
