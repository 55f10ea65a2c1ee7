package redcore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Response is the captured result of a single HTTP exchange. The body is fully
// drained before the Response is made, so it stays usable after the underlying
// connection is returned to the pool and can be carried inside errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the captured body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// InvalidInvocationError indicates the library was used incorrectly, i.e. a
// precondition failed before any network activity took place.
type InvalidInvocationError struct {
	Reason string
}

func (e *InvalidInvocationError) Error() string { return "invalid invocation: " + e.Reason }

// RequestError indicates a transport-level failure, surfaced only after the
// retry budget is exhausted. Err is the last underlying cause.
type RequestError struct {
	Method string
	URL    string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s %s failed: %v", e.Method, e.URL, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ResponseError is a non-2xx HTTP response. It is the catch-all for statuses
// without a dedicated kind and the common part of every status-keyed error.
type ResponseError struct {
	Response *Response
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("received %d HTTP response", e.Response.StatusCode)
}

// BadRequestError is a 400 response.
type BadRequestError struct{ ResponseError }

// Unwrap exposes the embedded ResponseError so errors.As can match the whole
// response-error family through any status-keyed kind.
func (e *BadRequestError) Unwrap() error { return &e.ResponseError }

// InvalidTokenError is a 401 response rejecting the bearer token. The Session
// recovers from it once, silently, when the authorizer can renew itself.
type InvalidTokenError struct{ ResponseError }

func (e *InvalidTokenError) Unwrap() error { return &e.ResponseError }

// InsufficientScopeError is a 401 response marked insufficient_scope in the
// www-authenticate header. Never retried.
type InsufficientScopeError struct{ ResponseError }

func (e *InsufficientScopeError) Unwrap() error { return &e.ResponseError }

// ForbiddenError is a 403 response.
type ForbiddenError struct{ ResponseError }

func (e *ForbiddenError) Unwrap() error { return &e.ResponseError }

// NotFoundError is a 404 response.
type NotFoundError struct{ ResponseError }

func (e *NotFoundError) Unwrap() error { return &e.ResponseError }

// ConflictError is a 409 response.
type ConflictError struct{ ResponseError }

func (e *ConflictError) Unwrap() error { return &e.ResponseError }

// TooLargeError is a 413 response.
type TooLargeError struct{ ResponseError }

func (e *TooLargeError) Unwrap() error { return &e.ResponseError }

// URITooLongError is a 414 response.
type URITooLongError struct{ ResponseError }

func (e *URITooLongError) Unwrap() error { return &e.ResponseError }

// UnsupportedMediaTypeError is a 415 response, kept distinct from the generic
// client error because wiki endpoints use it for payload validation.
type UnsupportedMediaTypeError struct{ ResponseError }

func (e *UnsupportedMediaTypeError) Unwrap() error { return &e.ResponseError }

// UnprocessableEntityError is a 422 response, the submitted body was parsed
// but rejected by server-side validation.
type UnprocessableEntityError struct{ ResponseError }

func (e *UnprocessableEntityError) Unwrap() error { return &e.ResponseError }

// UnavailableForLegalReasonsError is a 451 response.
type UnavailableForLegalReasonsError struct{ ResponseError }

func (e *UnavailableForLegalReasonsError) Unwrap() error { return &e.ResponseError }

// ServerError is one of the transient gateway statuses (502, 503, 504, 520,
// 522), raised only after the retry budget is exhausted.
type ServerError struct{ ResponseError }

func (e *ServerError) Unwrap() error { return &e.ResponseError }

// TooManyRequestsError is a 429 response with a retry-after header. A 429
// without the header stays a plain ResponseError.
type TooManyRequestsError struct {
	ResponseError
	RetryAfter string // verbatim retry-after header value, in seconds
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("received 429 HTTP response. Please wait at least %s seconds before re-trying this request.",
		e.RetryAfter)
}

func (e *TooManyRequestsError) Unwrap() error { return &e.ResponseError }

// BadJSONError is a 2xx response whose body looked like JSON but failed to parse.
type BadJSONError struct{ ResponseError }

func (e *BadJSONError) Unwrap() error { return &e.ResponseError }

func (e *BadJSONError) Error() string {
	return fmt.Sprintf("failed to parse JSON from %d HTTP response (%d bytes)",
		e.Response.StatusCode, len(e.Response.Body))
}

// RedirectError is a 3xx response. Path is the location target normalized to a
// leading-slash path, e.g. the subreddit-style redirect t/bird -> /r/t:bird/.
type RedirectError struct {
	ResponseError
	Path string
}

func (e *RedirectError) Error() string { return "redirect to " + e.Path }

func (e *RedirectError) Unwrap() error { return &e.ResponseError }

// OAuthError is an error payload from the token endpoint, e.g. invalid_grant.
type OAuthError struct {
	ResponseError
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code + " error processing request"
	}
	return fmt.Sprintf("%s error processing request (%s)", e.Code, e.Description)
}

func (e *OAuthError) Unwrap() error { return &e.ResponseError }

// retryStatuses are gateway/cloudflare statuses retried like transport failures.
var retryStatuses = map[int]bool{
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
	520:                           true, // cloudflare unknown error
	522:                           true, // cloudflare connection timed out
}

// errorFromResponse maps a non-2xx response to its typed error. Every returned
// error carries the full response for caller inspection.
func errorFromResponse(resp *Response) error {
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return &RedirectError{ResponseError{resp}, redirectPath(resp.Header.Get("Location"))}
	}

	if retryStatuses[resp.StatusCode] {
		return &ServerError{ResponseError{resp}}
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &BadRequestError{ResponseError{resp}}
	case http.StatusUnauthorized:
		if strings.Contains(resp.Header.Get("Www-Authenticate"), "insufficient_scope") {
			return &InsufficientScopeError{ResponseError{resp}}
		}
		return &InvalidTokenError{ResponseError{resp}}
	case http.StatusForbidden:
		return &ForbiddenError{ResponseError{resp}}
	case http.StatusNotFound:
		return &NotFoundError{ResponseError{resp}}
	case http.StatusConflict:
		return &ConflictError{ResponseError{resp}}
	case http.StatusRequestEntityTooLarge:
		return &TooLargeError{ResponseError{resp}}
	case http.StatusRequestURITooLong:
		return &URITooLongError{ResponseError{resp}}
	case http.StatusUnsupportedMediaType:
		return &UnsupportedMediaTypeError{ResponseError{resp}}
	case http.StatusUnprocessableEntity:
		return &UnprocessableEntityError{ResponseError{resp}}
	case http.StatusTooManyRequests:
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			return &TooManyRequestsError{ResponseError{resp}, retryAfter}
		}
		return &ResponseError{resp}
	case http.StatusUnavailableForLegalReasons:
		return &UnavailableForLegalReasonsError{ResponseError{resp}}
	}
	return &ResponseError{resp}
}

// redirectPath extracts the path component of a location header and enforces
// the leading slash.
func redirectPath(location string) string {
	path := location
	if u, err := url.Parse(location); err == nil {
		path = u.Path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
