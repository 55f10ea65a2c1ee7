package redcore

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// grantInstalledClient is the extension grant for installed apps without a user,
// the value is dictated by the API and is a URL only in form.
const grantInstalledClient = "https://oauth.reddit.com/grants/installed_client"

// Authorizer is the capability contract shared by all grant-flow variants and
// consumed by Session. A valid authorizer holds an access token; expiry is
// deliberately not checked locally - an expired-but-present token stays valid
// until the server rejects it and the session renews.
type Authorizer interface {
	// IsValid reports whether an access token is currently held.
	IsValid() bool
	// AccessToken returns the held bearer token, empty until acquired.
	AccessToken() string
	// Scopes returns the sorted scopes granted to the current token.
	Scopes() []string
	// ExpiresAt returns the expiration timestamp of the current token.
	ExpiresAt() time.Time
	// Revoke invalidates the held token server-side and clears local state.
	// With onlyAccess the refresh token (when present) survives.
	Revoke(ctx context.Context, onlyAccess bool) error

	// canRenew reports whether the variant can re-acquire a token on its own
	// after the server rejects the current one.
	canRenew() bool
	// renew re-runs the variant's grant exchange, replacing the token slot.
	renew(ctx context.Context) error
	// auth exposes the shared authenticator for session plumbing.
	auth() *Authenticator
}

// baseAuthorizer holds the token slot shared by all variants. Acquisition
// replaces the slot atomically from the caller's point of view: a failed
// exchange leaves the previous state untouched.
type baseAuthorizer struct {
	authenticator *Authenticator
	accessToken   string
	refreshToken  string
	scopes        map[string]struct{}
	expiration    time.Time
}

func newBaseAuthorizer(authenticator *Authenticator) (baseAuthorizer, error) {
	if authenticator == nil {
		return baseAuthorizer{}, &InvalidInvocationError{"authorizer requires an authenticator"}
	}
	return baseAuthorizer{authenticator: authenticator}, nil
}

// IsValid is true iff an access token is present, see the lazy-expiry note on
// the Authorizer interface.
func (b *baseAuthorizer) IsValid() bool { return b.accessToken != "" }

// AccessToken returns the held bearer token.
func (b *baseAuthorizer) AccessToken() string { return b.accessToken }

// ExpiresAt returns when the current token expires, zero until acquired.
func (b *baseAuthorizer) ExpiresAt() time.Time { return b.expiration }

// Scopes returns the granted scopes, sorted for stable output.
func (b *baseAuthorizer) Scopes() []string {
	res := make([]string, 0, len(b.scopes))
	for s := range b.scopes {
		res = append(res, s)
	}
	sort.Strings(res)
	return res
}

// Revoke invalidates the held refresh token (clearing everything) or, with
// onlyAccess or when no refresh token exists, just the access token.
func (b *baseAuthorizer) Revoke(ctx context.Context, onlyAccess bool) error {
	token, hint := b.refreshToken, "refresh_token"
	if onlyAccess || b.refreshToken == "" {
		token, hint = b.accessToken, "access_token"
	}
	if token == "" {
		return &InvalidInvocationError{"no token available to revoke"}
	}

	if err := b.authenticator.revokeToken(ctx, token, hint); err != nil {
		return errors.Wrap(err, "can't revoke token")
	}

	b.accessToken = ""
	b.scopes = nil
	b.expiration = time.Time{}
	if hint == "refresh_token" {
		b.refreshToken = ""
	}
	return nil
}

func (b *baseAuthorizer) auth() *Authenticator { return b.authenticator }

// grantToken performs one token-endpoint exchange and overwrites the slot.
func (b *baseAuthorizer) grantToken(ctx context.Context, grant url.Values) error {
	payload, err := b.authenticator.requestToken(ctx, grant)
	if err != nil {
		return err
	}

	b.accessToken = payload.AccessToken
	b.expiration = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	b.scopes = map[string]struct{}{}
	for _, s := range strings.Fields(payload.Scope) {
		b.scopes[s] = struct{}{}
	}
	if payload.RefreshToken != "" { // refresh exchanges don't rotate the refresh token
		b.refreshToken = payload.RefreshToken
	}
	return nil
}

// TokenAuthorizer is the durable code-grant variant: it exchanges an
// authorization code for an initial token pair and silently refreshes with the
// stored refresh token afterwards.
type TokenAuthorizer struct {
	baseAuthorizer
}

// NewTokenAuthorizer makes a code-grant authorizer. refreshToken may be a
// previously obtained token to enable Refresh without a fresh Authorize, or
// empty when the code exchange comes first.
func NewTokenAuthorizer(authenticator *Authenticator, refreshToken string) (*TokenAuthorizer, error) {
	base, err := newBaseAuthorizer(authenticator)
	if err != nil {
		return nil, err
	}
	base.refreshToken = refreshToken
	return &TokenAuthorizer{baseAuthorizer: base}, nil
}

// RefreshToken returns the stored refresh token, empty until granted.
func (t *TokenAuthorizer) RefreshToken() string { return t.refreshToken }

// Authorize exchanges an authorization code for the initial token pair.
func (t *TokenAuthorizer) Authorize(ctx context.Context, code string) error {
	if t.authenticator.redirectURI == "" {
		return &InvalidInvocationError{"code exchange requires a redirect URI"}
	}
	return t.grantToken(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {t.authenticator.redirectURI},
	})
}

// Refresh exchanges the stored refresh token for a new access token.
func (t *TokenAuthorizer) Refresh(ctx context.Context) error {
	if t.refreshToken == "" {
		return &InvalidInvocationError{"refresh requires a refresh token"}
	}
	return t.grantToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {t.refreshToken},
	})
}

func (t *TokenAuthorizer) canRenew() bool                  { return t.refreshToken != "" }
func (t *TokenAuthorizer) renew(ctx context.Context) error { return t.Refresh(ctx) }

// ReadOnlyAuthorizer acquires application-only tokens with the client
// credentials grant. No user context, no refresh token; renewal re-runs the
// grant.
type ReadOnlyAuthorizer struct {
	baseAuthorizer
}

// NewReadOnlyAuthorizer makes a client-credentials authorizer, trusted clients only.
func NewReadOnlyAuthorizer(authenticator *Authenticator) (*ReadOnlyAuthorizer, error) {
	base, err := newBaseAuthorizer(authenticator)
	if err != nil {
		return nil, err
	}
	if !authenticator.trusted() {
		return nil, &InvalidInvocationError{"client credentials grant requires a trusted authenticator"}
	}
	return &ReadOnlyAuthorizer{baseAuthorizer: base}, nil
}

// Refresh acquires a fresh application-only token.
func (r *ReadOnlyAuthorizer) Refresh(ctx context.Context) error {
	return r.grantToken(ctx, url.Values{"grant_type": {"client_credentials"}})
}

func (r *ReadOnlyAuthorizer) canRenew() bool                  { return true }
func (r *ReadOnlyAuthorizer) renew(ctx context.Context) error { return r.Refresh(ctx) }

// TwoFactorFunc supplies a one-time code for accounts with two-factor
// authentication. Called synchronously, at most once per Refresh.
type TwoFactorFunc func() string

// ScriptAuthorizer acquires tokens with the resource-owner password grant,
// for script-type apps which own the account credentials.
type ScriptAuthorizer struct {
	baseAuthorizer
	username  string
	password  string
	twoFactor TwoFactorFunc
}

// NewScriptAuthorizer makes a password-grant authorizer, trusted clients only.
// twoFactor may be nil for accounts without two-factor auth.
func NewScriptAuthorizer(authenticator *Authenticator, username, password string, twoFactor TwoFactorFunc) (*ScriptAuthorizer, error) {
	base, err := newBaseAuthorizer(authenticator)
	if err != nil {
		return nil, err
	}
	if !authenticator.trusted() {
		return nil, &InvalidInvocationError{"password grant requires a trusted authenticator"}
	}
	return &ScriptAuthorizer{baseAuthorizer: base, username: username, password: password, twoFactor: twoFactor}, nil
}

// Refresh acquires a token with the password grant. When the endpoint rejects
// the grant and a two-factor callback is set, the exchange is repeated once
// with the one-time code appended as "password:code".
func (s *ScriptAuthorizer) Refresh(ctx context.Context) error {
	grant := url.Values{
		"grant_type": {"password"},
		"username":   {s.username},
		"password":   {s.password},
	}
	err := s.grantToken(ctx, grant)

	var oauthErr *OAuthError
	if err != nil && s.twoFactor != nil && errors.As(err, &oauthErr) && oauthErr.Code == "invalid_grant" {
		grant.Set("password", s.password+":"+s.twoFactor())
		return s.grantToken(ctx, grant)
	}
	return err
}

func (s *ScriptAuthorizer) canRenew() bool                  { return true }
func (s *ScriptAuthorizer) renew(ctx context.Context) error { return s.Refresh(ctx) }

// DeviceIDAuthorizer acquires user-less tokens for installed apps, keyed by a
// stable per-installation device id. Never yields a refresh token; renewal
// re-runs the grant with the same id.
type DeviceIDAuthorizer struct {
	baseAuthorizer
	deviceID string
}

// NewDeviceIDAuthorizer makes an installed-client authorizer. An empty
// deviceID gets a generated stable identifier (the API requires 20-30 chars).
func NewDeviceIDAuthorizer(authenticator *Authenticator, deviceID string) (*DeviceIDAuthorizer, error) {
	base, err := newBaseAuthorizer(authenticator)
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		deviceID = xid.New().String()
	}
	return &DeviceIDAuthorizer{baseAuthorizer: base, deviceID: deviceID}, nil
}

// DeviceID returns the installed-client identifier in use.
func (d *DeviceIDAuthorizer) DeviceID() string { return d.deviceID }

// Refresh acquires a token with the installed-client grant.
func (d *DeviceIDAuthorizer) Refresh(ctx context.Context) error {
	return d.grantToken(ctx, url.Values{
		"grant_type": {grantInstalledClient},
		"device_id":  {d.deviceID},
	})
}

func (d *DeviceIDAuthorizer) canRenew() bool                  { return true }
func (d *DeviceIDAuthorizer) renew(ctx context.Context) error { return d.Refresh(ctx) }

// ImplicitAuthorizer carries a token obtained out-of-band via the browser
// implicit flow. It can never refresh: once the token is rejected the caller
// must run the front-end flow again and construct a new authorizer.
type ImplicitAuthorizer struct {
	baseAuthorizer
}

// NewImplicitAuthorizer makes an authorizer from caller-supplied token values,
// untrusted clients only.
func NewImplicitAuthorizer(authenticator *Authenticator, accessToken string, expiresIn time.Duration, scope string) (*ImplicitAuthorizer, error) {
	base, err := newBaseAuthorizer(authenticator)
	if err != nil {
		return nil, err
	}
	if authenticator.trusted() {
		return nil, &InvalidInvocationError{"implicit flow requires an untrusted authenticator"}
	}

	base.accessToken = accessToken
	base.expiration = time.Now().Add(expiresIn)
	base.scopes = map[string]struct{}{}
	for _, s := range strings.Fields(scope) {
		base.scopes[s] = struct{}{}
	}
	return &ImplicitAuthorizer{baseAuthorizer: base}, nil
}

// Refresh always fails, implicit tokens are not refreshable.
func (i *ImplicitAuthorizer) Refresh(context.Context) error {
	return &InvalidInvocationError{"implicit authorizers can not be refreshed"}
}

func (i *ImplicitAuthorizer) canRenew() bool                  { return false }
func (i *ImplicitAuthorizer) renew(ctx context.Context) error { return i.Refresh(ctx) }
