package libgo365

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthenticatorValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *AppConfig
	}{
		{"nil config", nil},
		{"missing app id", &AppConfig{Scopes: []string{"User.Read"}}},
		{"missing scopes", &AppConfig{ApplicationID: "app"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := NewAuthenticator(tt.cfg)
			assert.Error(t, err)
			assert.Nil(t, auth)
		})
	}
}

func TestAuthenticateNative(t *testing.T) {
	device := defaultDevice()
	device["interval"] = 1
	srv := &deviceServer{t: t, device: device, replies: []tokenReply{success("native-token", 3600)}}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	cfg := &AppConfig{
		ApplicationID: "test-client",
		Scopes:        []string{"User.Read", "Calendars.Read"},
		Tenant:        "common",
		Backend:       BackendNative,
		OpenBrowser:   true,
		DeviceAuthURL: ts.URL + "/devicecode",
		TokenURL:      ts.URL + "/token",
	}

	var prompted DeviceCode
	var opened []string
	auth, err := NewAuthenticator(cfg,
		WithAuthHTTPClient(ts.Client()),
		WithAuthPrompt(func(code DeviceCode) error {
			prompted = code
			return nil
		}),
		WithBrowserOpener(func(url string) error {
			opened = append(opened, url)
			return nil
		}),
	)
	require.NoError(t, err)

	token, err := auth.Authenticate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "native-token", token.AccessToken)
	assert.Equal(t, "ABCD-EFGH", prompted.UserCode)
	assert.Equal(t, []string{"https://microsoft.com/devicelogin"}, opened)
	assert.Equal(t, 1, srv.tokenPolls())
}

func TestDisplayCodeBrowserFailureIsNotFatal(t *testing.T) {
	cfg := &AppConfig{ApplicationID: "app", Scopes: []string{"User.Read"}, OpenBrowser: true}
	auth, err := NewAuthenticator(cfg,
		WithAuthPrompt(func(DeviceCode) error { return nil }),
		WithBrowserOpener(func(string) error { return errors.New("no display") }),
	)
	require.NoError(t, err)

	assert.NoError(t, auth.displayCode(DeviceCode{VerificationURI: "https://microsoft.com/devicelogin"}))
}

func TestDisplayCodeBrowserDisabled(t *testing.T) {
	cfg := &AppConfig{ApplicationID: "app", Scopes: []string{"User.Read"}}
	auth, err := NewAuthenticator(cfg,
		WithAuthPrompt(func(DeviceCode) error { return nil }),
		WithBrowserOpener(func(string) error {
			t.Error("browser opened although openBrowser is off")
			return nil
		}),
	)
	require.NoError(t, err)

	assert.NoError(t, auth.displayCode(DeviceCode{VerificationURI: "https://microsoft.com/devicelogin"}))
}

func TestClassifyMSALError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", fmt.Errorf("polling: %w", context.DeadlineExceeded), ErrExpired},
		{"expired_token", errors.New(`http call(...)(POST) error: reply status code was 400: {"error":"expired_token"}`), ErrExpired},
		{"access_denied", errors.New(`{"error":"access_denied"}`), ErrUserDenied},
		{"authorization_declined", errors.New(`{"error":"authorization_declined"}`), ErrUserDenied},
		{"other", errors.New("dial tcp: connection refused"), ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyMSALError(tt.err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestAuthError(t *testing.T) {
	cause := errors.New("boom")
	err := &AuthError{Reason: ReasonUserDenied, Err: cause}

	assert.Equal(t, "authentication failed (user denied): boom", err.Error())
	assert.ErrorIs(t, err, ErrUserDenied)
	assert.NotErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "expired", ReasonExpired.String())
	assert.Equal(t, "transport error", ReasonTransport.String())
	assert.Equal(t, "FailureReason(0)", FailureReason(0).String())
}

func TestJWTExpiry(t *testing.T) {
	exp := time.Date(2031, 6, 1, 0, 0, 0, 0, time.UTC)
	withExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	withoutExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "me"}).SignedString([]byte("k"))
	require.NoError(t, err)

	assert.True(t, exp.Equal(jwtExpiry(withExp)))
	assert.True(t, jwtExpiry(withoutExp).IsZero())
	assert.True(t, jwtExpiry("opaque-token").IsZero())
}

func TestTokenResultOAuth2Token(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	tok := (&TokenResult{AccessToken: "abc", ExpiresAt: expires}).OAuth2Token()

	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, expires, tok.Expiry)
}
