package redcore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
)

// defaultTimeout limits a single HTTP exchange unless overridden per request.
const defaultTimeout = 30 * time.Second

// minUserAgentLen rejects user agents too short to be descriptive, the API
// throttles such clients aggressively.
const minUserAgentLen = 7

// RequestorParams contains settings for the HTTP transport wrapper.
// UserAgent is required, everything else defaults to production values.
type RequestorParams struct {
	UserAgent string
	OAuthURL  string       // base for resource calls, default https://oauth.reddit.com
	RedditURL string       // base for token/authorize endpoints, default https://www.reddit.com
	Client    *http.Client // optional pre-configured client, e.g. with a proxy
	Logger    log.L
}

// Requestor owns the configured transport and performs raw HTTP exchanges for
// sessions and authenticators. Safe to share between them, it keeps no
// per-request state.
type Requestor struct {
	userAgent string
	oauthURL  string
	redditURL string
	client    *http.Client
	logger    log.L
}

// NewRequestor makes a Requestor, failing fast on a missing or too short user agent.
func NewRequestor(params RequestorParams) (*Requestor, error) {
	if len(strings.TrimSpace(params.UserAgent)) < minUserAgentLen {
		return nil, &InvalidInvocationError{"user agent must be a descriptive string"}
	}

	res := &Requestor{
		userAgent: params.UserAgent,
		oauthURL:  params.OAuthURL,
		redditURL: params.RedditURL,
		client:    params.Client,
		logger:    params.Logger,
	}
	if res.oauthURL == "" {
		res.oauthURL = defaultOAuthURL
	}
	if res.redditURL == "" {
		res.redditURL = defaultRedditURL
	}
	if res.client == nil {
		res.client = &http.Client{Timeout: defaultTimeout}
	}
	if res.client.CheckRedirect == nil {
		// 3xx responses must surface to the session for typed redirect errors
		res.client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	if res.logger == nil {
		res.logger = log.Std
	}

	res.logger.Logf("[DEBUG] requestor created for %s, user agent %q", res.oauthURL, res.userAgent)
	return res, nil
}

// Request describes a single HTTP exchange. The body is pre-encoded bytes so
// repeated attempts of the same Request send identical payloads.
type Request struct {
	Method      string
	URL         string
	Header      http.Header
	Query       url.Values
	Body        []byte
	ContentType string
	Basic       *BasicAuth
	Timeout     time.Duration // per-request override of the client timeout
}

// BasicAuth is the credentials pair for HTTP Basic authorization.
type BasicAuth struct {
	User     string
	Password string
}

// File is a single multipart upload entry. Content is held in memory, the
// wrapped API accepts only small payloads (images, css) on upload endpoints.
type File struct {
	FieldName string // form field name, defaults to "file"
	FileName  string
	Content   []byte
}

// Do performs one exchange and captures the response with the body drained.
// Transport failures are returned unwrapped so callers can apply retry policy
// to the original cause.
func (r *Requestor) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	reqURL := req.URL
	if len(req.Query) > 0 {
		parsed, err := url.Parse(req.URL)
		if err != nil {
			return nil, errors.Wrapf(err, "can't parse url %s", req.URL)
		}
		query := parsed.Query()
		for key, vals := range req.Query {
			for _, v := range vals {
				query.Add(key, v)
			}
		}
		parsed.RawQuery = query.Encode()
		reqURL = parsed.String()
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), reqURL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.Wrapf(err, "can't make request for %s", reqURL)
	}
	for key, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(key, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	httpReq.Header.Set("User-Agent", r.userAgent)
	if req.Basic != nil {
		httpReq.SetBasicAuth(req.Basic.User, req.Basic.Password)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := resp.Body.Close(); e != nil {
			r.logger.Logf("[WARN] can't close response body, %s", e)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err // truncated body, same retry treatment as a failed dial
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Close releases all pooled connections. The Requestor stays usable, new
// connections will be established on demand.
func (r *Requestor) Close() {
	r.client.CloseIdleConnections()
}

// encodeBody builds the request payload from mutually exclusive sources:
// multipart for file uploads (with data as plain fields), JSON, or an
// urlencoded form. Caller-supplied values are never modified.
func encodeBody(data url.Values, jsonBody interface{}, files []File) (body []byte, contentType string, err error) {
	switch {
	case len(files) > 0:
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		for key, vals := range data {
			for _, v := range vals {
				if e := mw.WriteField(key, v); e != nil {
					return nil, "", errors.Wrapf(e, "can't write form field %s", key)
				}
			}
		}
		for _, f := range files {
			field := f.FieldName
			if field == "" {
				field = "file"
			}
			fw, e := mw.CreateFormFile(field, f.FileName)
			if e != nil {
				return nil, "", errors.Wrapf(e, "can't create form file %s", f.FileName)
			}
			if _, e = fw.Write(f.Content); e != nil {
				return nil, "", errors.Wrapf(e, "can't write form file %s", f.FileName)
			}
		}
		if e := mw.Close(); e != nil {
			return nil, "", errors.Wrap(e, "can't finalize multipart body")
		}
		return buf.Bytes(), mw.FormDataContentType(), nil

	case jsonBody != nil:
		b, e := json.Marshal(jsonBody)
		if e != nil {
			return nil, "", errors.Wrap(e, "can't marshal json body")
		}
		return b, "application/json", nil

	case len(data) > 0:
		return []byte(data.Encode()), "application/x-www-form-urlencoded", nil
	}
	return nil, "", nil
}
