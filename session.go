package redcore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/pkg/errors"
)

const (
	defaultAttempts   = 3
	defaultRetryDelay = 250 * time.Millisecond
)

// Session dispatches HTTP calls through a valid authorizer: it retries
// transient failures, backs off on rate limits, transparently re-authorizes
// once on an invalid-token response and maps everything else through the typed
// error taxonomy. One Session serves one logical caller, concurrent use must
// be serialized by the owner.
type Session struct {
	authorizer Authorizer
	requestor  *Requestor
	limiter    *rateLimiter
	attempts   int
	delay      time.Duration
	logger     log.L
}

// SessionOption modifies Session defaults.
type SessionOption func(s *Session)

// Attempts sets the total attempt budget for transient failures, default 3.
func Attempts(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// Delay sets the fixed pause between retry attempts.
func Delay(d time.Duration) SessionOption {
	return func(s *Session) { s.delay = d }
}

// Logger sets the session logger, default lgr.Std.
func Logger(l log.L) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession makes a Session over the given authorizer. The authorizer is
// owned by the session for its lifetime, the transport (reached through the
// authorizer's authenticator) is shared.
func NewSession(authorizer Authorizer, opts ...SessionOption) (*Session, error) {
	if authorizer == nil {
		return nil, &InvalidInvocationError{"session requires an authorizer"}
	}

	res := &Session{
		authorizer: authorizer,
		requestor:  authorizer.auth().requestor,
		limiter:    newRateLimiter(),
		attempts:   defaultAttempts,
		delay:      defaultRetryDelay,
		logger:     log.Std,
	}
	for _, opt := range opts {
		opt(res)
	}
	return res, nil
}

// RequestParams are the optional parts of a request. Params and Data are read
// only, never modified. Files switches the body to multipart with Data entries
// as plain form fields. JSON is mutually exclusive with Data/Files.
type RequestParams struct {
	Params  url.Values
	Data    url.Values
	JSON    interface{}
	Files   []File
	Timeout time.Duration
}

// Request performs one authorized call against the OAuth resource host and
// returns the decoded body: nil for an empty response, the parsed structure
// for JSON, the raw text otherwise. All failures are typed errors from this
// package.
func (s *Session) Request(ctx context.Context, method, path string, params RequestParams) (interface{}, error) {
	return s.doRequest(ctx, method, path, params, true)
}

// Close releases the pooled transport connections. The session must not be
// used after Close, a typical scope is NewSession + defer Close.
func (s *Session) Close() {
	s.requestor.Close()
}

func (s *Session) doRequest(ctx context.Context, method, path string, params RequestParams, allowRenew bool) (interface{}, error) {
	if !s.authorizer.IsValid() {
		return nil, &InvalidInvocationError{"authorizer does not hold a valid token"}
	}

	body, contentType, err := encodeBody(params.Data, params.JSON, params.Files)
	if err != nil {
		return nil, err
	}

	reqURL := strings.TrimSuffix(s.requestor.oauthURL, "/") + "/" + strings.TrimPrefix(path, "/")
	header := http.Header{}
	header.Set("Authorization", "bearer "+s.authorizer.AccessToken())

	if err = s.backoff(ctx); err != nil {
		return nil, err
	}

	resp, err := s.exchange(ctx, Request{
		Method:      method,
		URL:         reqURL,
		Header:      header,
		Query:       params.Params,
		Body:        body,
		ContentType: contentType,
		Timeout:     params.Timeout,
	})
	if err != nil {
		return nil, err
	}

	s.limiter.update(resp.Header)
	s.logger.Logf("[DEBUG] response: %d (%d bytes)", resp.StatusCode, len(resp.Body))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return decodeBody(resp)
	}

	// one silent recovery on a rejected token, never more than once per call
	if resp.StatusCode == http.StatusUnauthorized && allowRenew && s.authorizer.canRenew() &&
		!strings.Contains(resp.Header.Get("Www-Authenticate"), "insufficient_scope") {
		s.logger.Logf("[DEBUG] invalid token response, renewing and retrying %s %s", strings.ToUpper(method), reqURL)
		if err = s.authorizer.renew(ctx); err != nil {
			return nil, err
		}
		return s.doRequest(ctx, method, path, params, false)
	}

	return nil, errorFromResponse(resp)
}

// exchange runs the bounded retry loop around a single HTTP call. Transport
// failures and the transient 5xx statuses are retried with a fixed delay, any
// other response exits the loop as-is.
func (s *Session) exchange(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)

	var resp *Response
	attempt := 0
	err := repeater.NewDefault(s.attempts, s.delay).Do(ctx, func() error {
		attempt++
		r, e := s.requestor.Do(ctx, req)
		if e == nil && !retryStatuses[r.StatusCode] {
			resp = r
			return nil
		}
		if e == nil {
			e = errorFromResponse(r) // *ServerError for the transient statuses
		}
		if attempt < s.attempts {
			s.logger.Logf("[WARN] retrying due to %v, %s %s", e, method, req.URL)
		}
		return e
	})

	if err != nil {
		var srvErr *ServerError
		if errors.As(err, &srvErr) {
			return nil, err
		}
		return nil, &RequestError{Method: method, URL: req.URL, Err: err}
	}
	if resp == nil { // context canceled before the first attempt
		return nil, &RequestError{Method: method, URL: req.URL, Err: ctx.Err()}
	}
	return resp, nil
}

// backoff blocks for the rate limiter's current delay, honoring cancellation.
func (s *Session) backoff(ctx context.Context) error {
	d := s.limiter.delay()
	if d == 0 {
		return nil
	}
	s.logger.Logf("[DEBUG] rate limited, sleeping %v before next request", d)
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeBody turns a 2xx response into the caller-facing result: nil for an
// empty body, parsed structure for anything JSON-looking, raw text otherwise.
func decodeBody(resp *Response) (interface{}, error) {
	if len(resp.Body) == 0 {
		return nil, nil
	}

	trimmed := bytes.TrimSpace(resp.Body)
	looksJSON := strings.Contains(resp.Header.Get("Content-Type"), "json") ||
		(len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['))
	if !looksJSON {
		return string(resp.Body), nil
	}

	var res interface{}
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return nil, &BadJSONError{ResponseError{resp}}
	}
	return res, nil
}
