package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/agentworkforce/taskmirror/internal/session"
)

var ErrNetwork = errors.New("network failure")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// TokenProvider is the slice of the session manager the gateway needs.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	EndSession(ctx context.Context, cause error) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     Logger
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Gateway performs authenticated calls against the remote API. A 401 gets
// exactly one refresh and one retry; transport errors, 429 and 5xx are
// retried with backoff.
type Gateway struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     Logger
}

func New(baseURL string, tokens TokenProvider, opts Options) *Gateway {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Gateway{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     opts.Logger,
	}
}

// Do sends one logical request. Non-2xx responses come back as *HTTPError;
// an unrecoverable 401 ends the session and matches
// session.ErrAuthenticationRequired.
func (g *Gateway) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) (*Response, error) {
	token, err := g.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, session.ErrAuthenticationRequired
	}

	resp, err := g.send(ctx, method, path, headers, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		g.logf("gateway: %s %s rejected with 401, refreshing once", method, path)
		token, err = g.tokens.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = g.send(ctx, method, path, headers, body, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, g.tokens.EndSession(ctx, responseError(resp))
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, responseError(resp)
	}
	return resp, nil
}

// DoJSON marshals in (when non-nil) and decodes a 2xx body into out.
func (g *Gateway) DoJSON(ctx context.Context, method, path string, headers map[string]string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}
	resp, err := g.Do(ctx, method, path, headers, body)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Body, out)
}

// send performs one authenticated attempt, absorbing transient failures.
func (g *Gateway) send(ctx context.Context, method, path string, headers map[string]string, body []byte, token string) (*Response, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
		if err != nil {
			return nil, err
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json")
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		// The session credential always wins over caller headers.
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if attempt < g.maxRetries {
				if waitErr := waitWithContext(ctx, g.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("%w: read %s %s: %w", ErrNetwork, method, path, readErr)
		}

		if isTransientStatus(resp.StatusCode) && attempt < g.maxRetries {
			g.logf("gateway: %s %s returned %d, retrying", method, path, resp.StatusCode)
			if waitErr := waitWithContext(ctx, g.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
	}
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func responseError(resp *Response) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	_ = json.Unmarshal(resp.Body, &errPayload)
	message := errPayload.Message
	if message == "" {
		message = errPayload.Detail
	}
	return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: message}
}

func correlationID() string {
	return "taskmirror_" + uuid.NewString()
}

func (g *Gateway) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > g.maxDelay {
			return g.maxDelay
		}
		return retryAfter
	}
	delay := g.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= g.maxDelay {
			return g.maxDelay
		}
	}
	if delay > g.maxDelay {
		return g.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}
