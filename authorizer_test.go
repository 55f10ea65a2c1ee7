package redcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trustedAuthenticator(t *testing.T, ts *httptest.Server) *Authenticator {
	authenticator, err := NewTrustedAuthenticator(testRequestor(t, ts), "client-id", "client-secret", "")
	require.NoError(t, err)
	return authenticator
}

func TestReadOnlyAuthorizer_Refresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "app-token", "token_type": "bearer", "expires_in": 3600, "scope": "read identity"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	authorizer, err := NewReadOnlyAuthorizer(trustedAuthenticator(t, ts))
	require.NoError(t, err)
	assert.False(t, authorizer.IsValid())

	require.NoError(t, authorizer.Refresh(context.Background()))
	assert.True(t, authorizer.IsValid())
	assert.Equal(t, "app-token", authorizer.AccessToken())
	assert.Equal(t, []string{"identity", "read"}, authorizer.Scopes())
	assert.True(t, authorizer.ExpiresAt().After(time.Now().Add(time.Hour-time.Minute)))
}

func TestReadOnlyAuthorizer_RequiresTrusted(t *testing.T) {
	ts := httptest.NewServer(http.NewServeMux())
	defer ts.Close()

	authenticator, err := NewUntrustedAuthenticator(testRequestor(t, ts), "client-id", "")
	require.NoError(t, err)

	_, err = NewReadOnlyAuthorizer(authenticator)
	var invErr *InvalidInvocationError
	require.True(t, errors.As(err, &invErr))
}

func TestTokenAuthorizer_Refresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-me", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "new-token", "token_type": "bearer", "expires_in": 3600, "scope": "*"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	authorizer, err := NewTokenAuthorizer(trustedAuthenticator(t, ts), "refresh-me")
	require.NoError(t, err)

	require.NoError(t, authorizer.Refresh(context.Background()))
	assert.Equal(t, "new-token", authorizer.AccessToken())
	assert.Equal(t, "refresh-me", authorizer.RefreshToken(), "refresh token does not rotate")
}

func TestTokenAuthorizer_RefreshWithoutToken(t *testing.T) {
	ts := httptest.NewServer(http.NewServeMux())
	defer ts.Close()

	authorizer, err := NewTokenAuthorizer(trustedAuthenticator(t, ts), "")
	require.NoError(t, err)

	err = authorizer.Refresh(context.Background())
	var invErr *InvalidInvocationError
	require.True(t, errors.As(err, &invErr))
}

func TestTokenAuthorizer_Authorize(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "http://localhost:65010/auth_callback", r.PostForm.Get("redirect_uri"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "initial-token", "refresh_token": "granted-refresh",` +
			` "token_type": "bearer", "expires_in": 3600, "scope": "identity"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	authenticator, err := NewTrustedAuthenticator(testRequestor(t, ts), "client-id", "client-secret",
		"http://localhost:65010/auth_callback")
	require.NoError(t, err)
	authorizer, err := NewTokenAuthorizer(authenticator, "")
	require.NoError(t, err)

	require.NoError(t, authorizer.Authorize(context.Background(), "the-code"))
	assert.Equal(t, "initial-token", authorizer.AccessToken())
	assert.Equal(t, "granted-refresh", authorizer.RefreshToken())
}

func TestTokenAuthorizer_AuthorizeWithoutRedirectURI(t *testing.T) {
	ts := httptest.NewServer(http.NewServeMux())
	defer ts.Close()

	authorizer, err := NewTokenAuthorizer(trustedAuthenticator(t, ts), "")
	require.NoError(t, err)

	err = authorizer.Authorize(context.Background(), "the-code")
	var invErr *InvalidInvocationError
	require.True(t, errors.As(err, &invErr))
}

func TestAuthorizer_FailedGrantKeepsState(t *testing.T) {
	status := http.StatusOK
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Write([]byte(`{"access_token": "first-token", "token_type": "bearer", "expires_in": 3600, "scope": "read"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	authorizer, err := NewReadOnlyAuthorizer(trustedAuthenticator(t, ts))
	require.NoError(t, err)
	require.NoError(t, authorizer.Refresh(context.Background()))

	status = http.StatusForbidden
	err = authorizer.Refresh(context.Background())
	var forbidden *ForbiddenError
	require.True(t, errors.As(err, &forbidden))

	assert.Equal(t, "first-token", authorizer.AccessToken(), "failed exchange leaves the slot untouched")
	assert.True(t, authorizer.IsValid())
}

func TestScriptAuthorizer_Refresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		assert.Equal(t, "user", r.PostForm.Get("username"))
		assert.Equal(t, "secret", r.PostForm.Get("password"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "user-token", "token_type": "bearer", "expires_in": 3600, "scope": "*"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	authorizer, err := NewScriptAuthorizer(trustedAuthenticator(t, ts), "user", "secret", nil)
	require.NoError(t, err)

	require.NoError(t, authorizer.Refresh(context.Background()))
	assert.Equal(t, "user-token", authorizer.AccessToken())
}

func TestScriptAuthorizer_TwoFactor(t *testing.T) {
	grantCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		grantCalls++
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("password") != "secret:123456" {
			w.Write([]byte(`{"error": "invalid_grant"}`))
			return
		}
		w.Write([]byte(`{"access_token": "user-token", "token_type": "bearer", "expires_in": 3600, "scope": "*"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	callbackCalls := 0
	twoFactor := func() string {
		callbackCalls++
		return "123456"
	}
	authorizer, err := NewScriptAuthorizer(trustedAuthenticator(t, ts), "user", "secret", twoFactor)
	require.NoError(t, err)

	require.NoError(t, authorizer.Refresh(context.Background()))
	assert.Equal(t, "user-token", authorizer.AccessToken())
	assert.Equal(t, 1, callbackCalls, "callback consulted exactly once")
	assert.Equal(t, 2, grantCalls, "plain attempt plus one otp retry")
}

func TestScriptAuthorizer_TwoFactorRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error": "invalid_grant"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	authorizer, err := NewScriptAuthorizer(trustedAuthenticator(t, ts), "user", "secret", func() string { return "000000" })
	require.NoError(t, err)

	err = authorizer.Refresh(context.Background())
	var oauthErr *OAuthError
	require.True(t, errors.As(err, &oauthErr), "second rejection surfaces, no more retries")
	assert.Equal(t, "invalid_grant", oauthErr.Code)
	assert.False(t, authorizer.IsValid())
}

func TestScriptAuthorizer_RequiresTrusted(t *testing.T) {
	ts := httptest.NewServer(http.NewServeMux())
	defer ts.Close()

	authenticator, err := NewUntrustedAuthenticator(testRequestor(t, ts), "client-id", "")
	require.NoError(t, err)

	_, err = NewScriptAuthorizer(authenticator, "user", "secret", nil)
	var invErr *InvalidInvocationError
	require.True(t, errors.As(err, &invErr))
}

func TestDeviceIDAuthorizer_Refresh(t *testing.T) {
	var gotGrant, gotDevice string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotGrant = r.PostForm.Get("grant_type")
		gotDevice = r.PostForm.Get("device_id")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "device-token", "token_type": "bearer", "expires_in": 3600, "scope": "*"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	authenticator, err := NewUntrustedAuthenticator(testRequestor(t, ts), "client-id", "")
	require.NoError(t, err)

	authorizer, err := NewDeviceIDAuthorizer(authenticator, "")
	require.NoError(t, err)
	assert.Len(t, authorizer.DeviceID(), 20, "generated id fits the 20-30 chars requirement")

	require.NoError(t, authorizer.Refresh(context.Background()))
	assert.Equal(t, "https://oauth.reddit.com/grants/installed_client", gotGrant)
	assert.Equal(t, authorizer.DeviceID(), gotDevice)

	first := authorizer.DeviceID()
	require.NoError(t, authorizer.Refresh(context.Background()))
	assert.Equal(t, first, authorizer.DeviceID(), "id stable across refreshes")

	custom, err := NewDeviceIDAuthorizer(authenticator, "my-stable-device-id-0001")
	require.NoError(t, err)
	assert.Equal(t, "my-stable-device-id-0001", custom.DeviceID())
}

func TestImplicitAuthorizer(t *testing.T) {
	ts := httptest.NewServer(http.NewServeMux())
	defer ts.Close()

	authenticator, err := NewUntrustedAuthenticator(testRequestor(t, ts), "client-id", "")
	require.NoError(t, err)

	authorizer, err := NewImplicitAuthorizer(authenticator, "fe-token", time.Hour, "read identity")
	require.NoError(t, err)
	assert.True(t, authorizer.IsValid())
	assert.Equal(t, "fe-token", authorizer.AccessToken())
	assert.Equal(t, []string{"identity", "read"}, authorizer.Scopes())

	err = authorizer.Refresh(context.Background())
	var invErr *InvalidInvocationError
	require.True(t, errors.As(err, &invErr), "implicit tokens can not be refreshed")
}

func TestImplicitAuthorizer_RequiresUntrusted(t *testing.T) {
	ts := httptest.NewServer(http.NewServeMux())
	defer ts.Close()

	_, err := NewImplicitAuthorizer(trustedAuthenticator(t, ts), "fe-token", time.Hour, "")
	var invErr *InvalidInvocationError
	require.True(t, errors.As(err, &invErr))
}

func TestAuthorizer_Revoke(t *testing.T) {
	var revoked []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "acc-token", "refresh_token": "ref-token",` +
			` "token_type": "bearer", "expires_in": 3600, "scope": "*"}`))
	})
	mux.HandleFunc("/api/v1/revoke_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		revoked = append(revoked, fmt.Sprintf("%s=%s", r.PostForm.Get("token_type_hint"), r.PostForm.Get("token")))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	newAuthorizer := func() *TokenAuthorizer {
		authorizer, err := NewTokenAuthorizer(trustedAuthenticator(t, ts), "seed-refresh")
		require.NoError(t, err)
		require.NoError(t, authorizer.Refresh(context.Background()))
		return authorizer
	}

	t.Run("refresh token revocation clears everything", func(t *testing.T) {
		revoked = nil
		authorizer := newAuthorizer()
		require.NoError(t, authorizer.Revoke(context.Background(), false))
		assert.Equal(t, []string{"refresh_token=ref-token"}, revoked)
		assert.False(t, authorizer.IsValid())
		assert.Empty(t, authorizer.RefreshToken())
		assert.Empty(t, authorizer.Scopes())
	})

	t.Run("access only keeps the refresh token", func(t *testing.T) {
		revoked = nil
		authorizer := newAuthorizer()
		require.NoError(t, authorizer.Revoke(context.Background(), true))
		assert.Equal(t, []string{"access_token=acc-token"}, revoked)
		assert.False(t, authorizer.IsValid())
		assert.Equal(t, "ref-token", authorizer.RefreshToken())
	})

	t.Run("nothing to revoke", func(t *testing.T) {
		authorizer, err := NewTokenAuthorizer(trustedAuthenticator(t, ts), "")
		require.NoError(t, err)
		err = authorizer.Revoke(context.Background(), false)
		var invErr *InvalidInvocationError
		require.True(t, errors.As(err, &invErr))
	})
}

func TestAuthorizer_RequiresAuthenticator(t *testing.T) {
	var invErr *InvalidInvocationError

	_, err := NewTokenAuthorizer(nil, "refresh")
	require.True(t, errors.As(err, &invErr))
	_, err = NewReadOnlyAuthorizer(nil)
	require.True(t, errors.As(err, &invErr))
	_, err = NewScriptAuthorizer(nil, "user", "secret", nil)
	require.True(t, errors.As(err, &invErr))
	_, err = NewDeviceIDAuthorizer(nil, "")
	require.True(t, errors.As(err, &invErr))
	_, err = NewImplicitAuthorizer(nil, "tok", time.Hour, "")
	require.True(t, errors.As(err, &invErr))
}
