package uiprotect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/uilibs/uiprotect/metrics"
)

const (
	csrfHeader = "X-CSRF-Token"
	apiKeyHeader = "X-API-KEY"

	// tokenExpirySlack re-authenticates slightly before the session cookie
	// actually lapses so the websocket never sees a mid-stream 401.
	tokenExpirySlack = 60 * time.Second
)

// httpSession is the cookie-authenticated HTTP layer under everything else.
// The CSRF token and cookie state are client-instance-wide; auth refresh
// holds the mutex exclusively.
type httpSession struct {
	cfg     *Config
	client  *http.Client
	baseURL *url.URL
	logger  *log.Logger
	metrics *metrics.Collector

	mu          sync.Mutex
	csrfToken   string
	cookieName  string
	tokenExpiry time.Time
	authed      bool
}

func newHTTPSession(cfg *Config) (*httpSession, error) {
	base, err := url.Parse(fmt.Sprintf("https://%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("invalid controller address: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		jar, _ := cookiejar.New(nil)
		transport := &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.verifyTLS()},
		}
		client = &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   cfg.ConnectTimeout,
		}
	} else if client.Jar == nil {
		jar, _ := cookiejar.New(nil)
		client.Jar = jar
	}
	return &httpSession{
		cfg:        cfg,
		client:     client,
		baseURL:    base,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		cookieName: "TOKEN",
	}, nil
}

// authenticate runs the login flow: POST credentials, capture the session
// cookie and CSRF token. Older controllers deliver CSRF via cookie instead
// of header; both paths are accepted.
func (s *httpSession) authenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticateLocked(ctx)
}

func (s *httpSession) authenticateLocked(ctx context.Context) error {
	if s.cfg.Username == "" || s.cfg.Password == "" {
		if s.cfg.APIKey != "" {
			// API-key-only mode: nothing to log in; public endpoints carry
			// the key per request.
			s.authed = true
			return nil
		}
		return &AuthError{Msg: "no credentials configured"}
	}

	body, err := json.Marshal(map[string]any{
		"username":   s.cfg.Username,
		"password":   s.cfg.Password,
		"rememberMe": true,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL.JoinPath("/api/auth/login").String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.HTTPRequest(http.MethodPost, "transport_error", time.Since(start))
		return &TransportError{Op: "login", Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		s.metrics.HTTPRequest(http.MethodPost, "auth_error", time.Since(start))
		s.authed = false
		return &AuthError{Status: resp.StatusCode, Msg: controllerMessage(respBody)}
	}
	s.metrics.HTTPRequest(http.MethodPost, "ok", time.Since(start))

	s.captureSessionLocked(resp)
	s.authed = true
	return nil
}

// captureSessionLocked pulls CSRF and token-expiry state from any response.
func (s *httpSession) captureSessionLocked(resp *http.Response) {
	if tok := resp.Header.Get(csrfHeader); tok != "" && tok != s.csrfToken {
		s.csrfToken = tok
	}
	for _, c := range resp.Cookies() {
		switch c.Name {
		case "TOKEN", "UOS_TOKEN":
			// UniFi OS 3.x renamed the session cookie.
			s.cookieName = c.Name
			s.noteTokenLocked(c.Value)
		case "csrf-token":
			if s.csrfToken == "" {
				s.csrfToken = c.Value
			}
		}
	}
}

// noteTokenLocked sniffs the JWT expiry out of the session cookie without
// verifying the signature; the controller signs with a key we never hold.
func (s *httpSession) noteTokenLocked(token string) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		s.logger.Printf("[WARN] session cookie is not a parsable JWT: %v", err)
		s.tokenExpiry = time.Time{}
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		s.tokenExpiry = time.Time{}
		return
	}
	s.tokenExpiry = exp.Time
}

// ensureAuth logs in when the session is missing or about to expire.
func (s *httpSession) ensureAuth(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authed && (s.tokenExpiry.IsZero() || time.Until(s.tokenExpiry) > tokenExpirySlack) {
		return nil
	}
	return s.authenticateLocked(ctx)
}

// invalidate drops the session after a 401 so the next call re-logs-in.
func (s *httpSession) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authed = false
	s.csrfToken = ""
	if s.client.Jar != nil {
		// Expire what we can; cookiejar has no clear, overwriting does.
		s.client.Jar.SetCookies(s.baseURL, []*http.Cookie{{
			Name: s.cookieName, Value: "", MaxAge: -1,
		}})
	}
}

func (s *httpSession) csrf() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrfToken
}

func controllerMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
