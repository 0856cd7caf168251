package uiprotect

import (
	"context"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSession builds an httpSession straight against a plain httptest server
// so the HTTP layer is testable without TLS plumbing.
func testSession(t *testing.T, srv *httptest.Server, cfg Config) *httpSession {
	t.Helper()
	cfg.applyDefaults()
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := srv.Client()
	client.Jar = jar
	return &httpSession{
		cfg:        &cfg,
		client:     client,
		baseURL:    base,
		logger:     log.New(discardWriter{}, "", 0),
		cookieName: "TOKEN",
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func loginOK(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: "TOKEN", Value: "opaque-token", Path: "/"})
	w.Header().Set("X-CSRF-Token", "csrf-1")
	w.Write([]byte(`{}`))
}

func TestAuthenticateCapturesCSRFHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/login", r.URL.Path)
		loginOK(w)
	}))
	defer srv.Close()

	s := testSession(t, srv, Config{Username: "u", Password: "p"})
	require.NoError(t, s.authenticate(context.Background()))
	assert.Equal(t, "csrf-1", s.csrf())
	// Opaque (non-JWT) cookies are tolerated; expiry is just unknown.
	assert.True(t, s.tokenExpiry.IsZero())
}

func TestAuthenticateLegacyCSRFCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "TOKEN", Value: "tok", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "csrf-token", Value: "legacy-csrf", Path: "/"})
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := testSession(t, srv, Config{Username: "u", Password: "p"})
	require.NoError(t, s.authenticate(context.Background()))
	assert.Equal(t, "legacy-csrf", s.csrf())
}

func TestAuthenticateUOSTokenCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "UOS_TOKEN", Value: "tok", Path: "/"})
		w.Header().Set("X-CSRF-Token", "csrf-1")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := testSession(t, srv, Config{Username: "u", Password: "p"})
	require.NoError(t, s.authenticate(context.Background()))
	assert.Equal(t, "UOS_TOKEN", s.cookieName)
}

func TestAuthenticateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := testSession(t, srv, Config{Username: "u", Password: "wrong"})
	err := s.authenticate(context.Background())
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ae.Status)
	assert.Contains(t, ae.Msg, "Invalid credentials")
}

func TestGetRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login" {
			loginOK(w)
			return
		}
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	s := testSession(t, srv, Config{Username: "u", Password: "p"})
	start := time.Now()
	out, err := s.doRequest(context.Background(), http.MethodGet, "/bootstrap", nil, requestOpts{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(out))
	assert.EqualValues(t, 3, calls.Load())
	// Two backoffs happened (roughly 0.5s + 1s, with jitter).
	assert.Greater(t, time.Since(start), 900*time.Millisecond)
}

func TestPatchNeverRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login" {
			loginOK(w)
			return
		}
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := testSession(t, srv, Config{Username: "u", Password: "p"})
	_, err := s.doRequest(context.Background(), http.MethodPatch, "/cameras/x", []byte(`{}`), requestOpts{})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.EqualValues(t, 1, calls.Load(), "non-idempotent requests must not retry")
}

func TestUnauthorizedTriggersOneRelogin(t *testing.T) {
	var logins, gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login" {
			logins.Add(1)
			loginOK(w)
			return
		}
		if gets.Add(1) == 1 {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	s := testSession(t, srv, Config{Username: "u", Password: "p"})
	out, err := s.doRequest(context.Background(), http.MethodGet, "/nvr", nil, requestOpts{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(out))
	assert.EqualValues(t, 2, logins.Load(), "initial login plus the refresh")
}

func TestErrorMapping(t *testing.T) {
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login" {
			loginOK(w)
			return
		}
		http.Error(w, `{"message": "nope"}`, status)
	}))
	defer srv.Close()
	s := testSession(t, srv, Config{Username: "u", Password: "p"})

	_, err := s.doRequest(context.Background(), http.MethodGet, "/cameras/x", nil, requestOpts{})
	var pe *PermissionError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Msg, "nope")

	status = http.StatusNotFound
	_, err = s.doRequest(context.Background(), http.MethodGet, "/cameras/x", nil, requestOpts{})
	var nfe *NotFoundError
	require.ErrorAs(t, err, &nfe)

	status = http.StatusUnprocessableEntity
	_, err = s.doRequest(context.Background(), http.MethodGet, "/cameras/x", nil, requestOpts{})
	var bre *BadRequestError
	require.ErrorAs(t, err, &bre)
	assert.Equal(t, http.StatusUnprocessableEntity, bre.Status)
}

func TestPublicAPIUsesKeyHeader(t *testing.T) {
	var sawKey atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/proxy/protect/integration/v1/cameras" {
			sawKey.Store(r.Header.Get("X-API-KEY") == "key-123")
			w.Write([]byte(`[]`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	// API-key-only mode: no username/password, no login round trip.
	s := testSession(t, srv, Config{APIKey: "key-123"})
	out, err := s.doRequest(context.Background(), http.MethodGet, "/cameras", nil, requestOpts{public: true})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
	assert.True(t, sawKey.Load())
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
