// Package redcore is a low-level transport and authorization layer for the Reddit
// OAuth2 API. It covers token acquisition across the supported grant flows
// (Authenticator and the Authorizer family), a request pipeline with bounded
// retries, rate-limit back-off and transparent re-authorization (Session), and a
// closed set of typed errors keyed by HTTP status.
//
// Higher-level clients are expected to build resource modeling on top; this
// package deals only with the envelope - status, headers, body - and how it
// becomes a decoded payload or a typed error.
package redcore

// Version is the semantic version of the package.
const Version = "1.0.0"

const (
	defaultOAuthURL  = "https://oauth.reddit.com"
	defaultRedditURL = "https://www.reddit.com"

	accessTokenPath = "/api/v1/access_token"
	authorizePath   = "/api/v1/authorize"
	revokeTokenPath = "/api/v1/revoke_token"
)
