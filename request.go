package uiprotect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const (
	// Private, cookie-authenticated API.
	apiPrefix = "/api"
	// Public integration API; requires the X-API-KEY header.
	publicPrefix = "/proxy/protect/integration/v1"

	retryBase     = 500 * time.Millisecond
	retryCap      = 30 * time.Second
	retryAttempts = 5
)

type requestOpts struct {
	// public routes the request to the integration API with the API key
	// instead of cookie auth.
	public bool
	// raw skips the JSON content-type header (uploads).
	raw bool
	contentType string
}

// doRequest sends one API request with auth, CSRF, per-request ID tracing
// and status-to-error mapping. Idempotent GETs retry on 5xx and transport
// errors with exponential backoff; everything else surfaces immediately.
func (s *httpSession) doRequest(ctx context.Context, method, path string, body []byte, opts requestOpts) ([]byte, error) {
	idempotent := method == http.MethodGet || method == http.MethodHead

	var lastErr error
	backoff := retryBase
	attempts := 1
	if idempotent {
		attempts = retryAttempts
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			s.metrics.HTTPRetry()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > retryCap {
				backoff = retryCap
			}
		}

		out, retryable, err := s.attempt(ctx, method, path, body, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !idempotent || !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *httpSession) attempt(ctx context.Context, method, path string, body []byte, opts requestOpts) (out []byte, retryable bool, err error) {
	if !opts.public {
		if err := s.ensureAuth(ctx); err != nil {
			return nil, false, err
		}
	}

	resp, respBody, err := s.send(ctx, method, path, body, opts)
	if err != nil {
		return nil, true, &TransportError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized && !opts.public {
		// One full re-login, then the request gets exactly one more shot.
		s.invalidate()
		if err := s.ensureAuth(ctx); err != nil {
			return nil, false, err
		}
		resp, respBody, err = s.send(ctx, method, path, body, opts)
		if err != nil {
			return nil, true, &TransportError{Op: method + " " + path, Err: err}
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, false, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, false, &AuthError{Status: resp.StatusCode, Msg: controllerMessage(respBody)}
	case resp.StatusCode == http.StatusForbidden:
		return nil, false, &PermissionError{Op: method + " " + path, Msg: controllerMessage(respBody)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, &NotFoundError{Path: path}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, &BadRequestError{Status: resp.StatusCode, Msg: controllerMessage(respBody)}
	default:
		return nil, true, &TransportError{
			Op:  method + " " + path,
			Err: fmt.Errorf("controller returned status %d: %s", resp.StatusCode, controllerMessage(respBody)),
		}
	}
}

func (s *httpSession) send(ctx context.Context, method, path string, body []byte, opts requestOpts) (*http.Response, []byte, error) {
	prefix := apiPrefix
	if opts.public {
		prefix = publicPrefix
	}
	// ResolveReference, not JoinPath: paths here may carry query strings.
	ref, err := url.Parse(prefix + path)
	if err != nil {
		return nil, nil, err
	}
	u := s.baseURL.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil && !opts.raw {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.contentType != "" {
		req.Header.Set("Content-Type", opts.contentType)
	}
	if opts.public {
		req.Header.Set(apiKeyHeader, s.cfg.APIKey)
	} else if method != http.MethodGet && method != http.MethodHead {
		if tok := s.csrf(); tok != "" {
			req.Header.Set(csrfHeader, tok)
		}
	}

	reqID := uuid.New().String()
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.HTTPRequest(method, "transport_error", time.Since(start))
		s.logger.Printf("[WARN] [REQ:%s] %s %s failed: %v", reqID, method, path, err)
		return nil, nil, err
	}
	defer resp.Body.Close()
	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		s.metrics.HTTPRequest(method, "transport_error", time.Since(start))
		return nil, nil, readErr
	}
	s.metrics.HTTPRequest(method, fmt.Sprintf("%d", resp.StatusCode), time.Since(start))

	s.mu.Lock()
	s.captureSessionLocked(resp)
	s.mu.Unlock()
	return resp, respBody, nil
}

// jitter spreads retries +-20% so clients recovering together do not stampede
// the controller.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
