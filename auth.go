package redcore

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// Authenticator identifies an OAuth2 client (id plus optional secret) against
// a fixed endpoint pair and performs the raw token-endpoint exchanges.
// A present secret makes the authenticator trusted (confidential client), an
// absent one makes it untrusted (installed/public client); the kind determines
// which grant flows the authorizers built on top may use. Immutable after
// construction and shared by reference across authorizers.
type Authenticator struct {
	requestor   *Requestor
	clientID    string
	secret      string
	redirectURI string
	logger      log.L
}

// NewTrustedAuthenticator makes an authenticator for a confidential client.
// The redirect URI may be empty when the code flow is not used.
func NewTrustedAuthenticator(requestor *Requestor, clientID, clientSecret, redirectURI string) (*Authenticator, error) {
	if clientSecret == "" {
		return nil, &InvalidInvocationError{"trusted authenticator requires a client secret"}
	}
	return newAuthenticator(requestor, clientID, clientSecret, redirectURI)
}

// NewUntrustedAuthenticator makes an authenticator for an installed (public)
// client which has no secret.
func NewUntrustedAuthenticator(requestor *Requestor, clientID, redirectURI string) (*Authenticator, error) {
	return newAuthenticator(requestor, clientID, "", redirectURI)
}

func newAuthenticator(requestor *Requestor, clientID, clientSecret, redirectURI string) (*Authenticator, error) {
	if requestor == nil {
		return nil, &InvalidInvocationError{"authenticator requires a requestor"}
	}
	if clientID == "" {
		return nil, &InvalidInvocationError{"authenticator requires a client id"}
	}
	return &Authenticator{
		requestor:   requestor,
		clientID:    clientID,
		secret:      clientSecret,
		redirectURI: redirectURI,
		logger:      requestor.logger,
	}, nil
}

// trusted reports whether the client holds a secret.
func (a *Authenticator) trusted() bool { return a.secret != "" }

// AuthorizeURL builds the URL a user should visit to grant the requested
// scopes. duration is "temporary" or "permanent"; implicit selects the
// token (instead of code) response type and is limited to untrusted clients
// with a temporary duration.
func (a *Authenticator) AuthorizeURL(duration string, scopes []string, state string, implicit bool) (string, error) {
	if a.redirectURI == "" {
		return "", &InvalidInvocationError{"authorize URL requires a redirect URI"}
	}
	if state == "" {
		return "", &InvalidInvocationError{"authorize URL requires a state value"}
	}
	if implicit && a.trusted() {
		return "", &InvalidInvocationError{"only untrusted authenticators may use the implicit flow"}
	}
	if implicit && duration != "temporary" {
		return "", &InvalidInvocationError{"implicit grant requires temporary duration"}
	}

	responseType := "code"
	if implicit {
		responseType = "token"
	}
	params := url.Values{
		"client_id":     {a.clientID},
		"duration":      {duration},
		"redirect_uri":  {a.redirectURI},
		"response_type": {responseType},
		"scope":         {strings.Join(scopes, " ")},
		"state":         {state},
	}
	return a.requestor.redditURL + authorizePath + "?" + params.Encode(), nil
}

// tokenPayload is the token endpoint response,
// https://www.reddit.com/api/v1/access_token wire contract.
type tokenPayload struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// requestToken exchanges a grant for tokens. Non-2xx responses map through the
// common status taxonomy; a nominal 2xx carrying an error field becomes an
// OAuthError, and one lacking an access token is treated as malformed.
func (a *Authenticator) requestToken(ctx context.Context, grant url.Values) (*tokenPayload, error) {
	resp, err := a.post(ctx, a.requestor.redditURL+accessTokenPath, grant)
	if err != nil {
		return nil, err
	}

	var payload tokenPayload
	if err = resp.JSON(&payload); err != nil {
		return nil, &BadJSONError{ResponseError{resp}}
	}
	if payload.Error != "" {
		return nil, &OAuthError{ResponseError{resp}, payload.Error, payload.ErrorDesc}
	}
	if payload.AccessToken == "" {
		return nil, &BadJSONError{ResponseError{resp}}
	}

	a.logger.Logf("[DEBUG] token granted, expires in %ds, scope %q", payload.ExpiresIn, payload.Scope)
	return &payload, nil
}

// revokeToken invalidates the given token. hint is "access_token" or
// "refresh_token" per RFC 7009.
func (a *Authenticator) revokeToken(ctx context.Context, token, hint string) error {
	data := url.Values{"token": {token}, "token_type_hint": {hint}}
	if _, err := a.post(ctx, a.requestor.redditURL+revokeTokenPath, data); err != nil {
		return err
	}
	a.logger.Logf("[DEBUG] revoked %s", hint)
	return nil
}

// post submits an urlencoded form with HTTP Basic client credentials. An
// untrusted client authorizes with an empty password.
func (a *Authenticator) post(ctx context.Context, endpoint string, data url.Values) (*Response, error) {
	body, contentType, err := encodeBody(data, nil, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.requestor.Do(ctx, Request{
		Method:      http.MethodPost,
		URL:         endpoint,
		Body:        body,
		ContentType: contentType,
		Basic:       &BasicAuth{User: a.clientID, Password: a.secret},
	})
	if err != nil {
		return nil, &RequestError{Method: http.MethodPost, URL: endpoint, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse(resp)
	}
	return resp, nil
}
