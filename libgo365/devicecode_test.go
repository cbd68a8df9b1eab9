package libgo365

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeClock replaces the flow's clock and sleep. Sleeping advances time
// instantly.
type fakeClock struct {
	t     time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
	return nil
}

type tokenReply struct {
	status int
	body   any
}

func pending() tokenReply {
	return tokenReply{http.StatusBadRequest, map[string]string{"error": "authorization_pending"}}
}

func oauthError(code string) tokenReply {
	return tokenReply{http.StatusBadRequest, map[string]string{"error": code, "error_description": code + " description"}}
}

func success(token string, expiresIn int) tokenReply {
	return tokenReply{http.StatusOK, map[string]any{"access_token": token, "token_type": "Bearer", "expires_in": expiresIn}}
}

// deviceServer serves the device authorization and token endpoints. The
// token endpoint answers with replies in order, repeating the last one.
type deviceServer struct {
	t          *testing.T
	device     map[string]any
	deviceCode int
	replies    []tokenReply

	mu    sync.Mutex
	polls int
}

func (s *deviceServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.t, http.MethodPost, r.Method)
		assert.Equal(s.t, "test-client", r.PostFormValue("client_id"))
		assert.Equal(s.t, "User.Read Calendars.Read", r.PostFormValue("scope"))

		status := s.deviceCode
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(s.device)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(s.t, deviceCodeGrantType, r.PostFormValue("grant_type"))
		assert.Equal(s.t, "dev-code", r.PostFormValue("device_code"))
		assert.Equal(s.t, "test-client", r.PostFormValue("client_id"))

		s.mu.Lock()
		i := s.polls
		s.polls++
		s.mu.Unlock()
		if i >= len(s.replies) {
			i = len(s.replies) - 1
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.replies[i].status)
		json.NewEncoder(w).Encode(s.replies[i].body)
	})
	return mux
}

func (s *deviceServer) tokenPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func defaultDevice() map[string]any {
	return map[string]any{
		"device_code":      "dev-code",
		"user_code":        "ABCD-EFGH",
		"verification_uri": "https://microsoft.com/devicelogin",
		"expires_in":       900,
		"interval":         5,
		"message":          "To sign in, use a web browser to open the page https://microsoft.com/devicelogin and enter the code ABCD-EFGH to authenticate.",
	}
}

// newTestFlow starts a server and returns a flow wired to it with a fake clock.
func newTestFlow(t *testing.T, srv *deviceServer, opts ...FlowOption) (*DeviceFlow, *fakeClock) {
	t.Helper()
	srv.t = t
	if srv.device == nil {
		srv.device = defaultDevice()
	}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	endpoint := oauth2.Endpoint{
		DeviceAuthURL: ts.URL + "/devicecode",
		TokenURL:      ts.URL + "/token",
	}
	opts = append([]FlowOption{WithFlowHTTPClient(ts.Client())}, opts...)
	flow := NewDeviceFlow("test-client", []string{"User.Read", "Calendars.Read"}, endpoint, opts...)

	clock := newFakeClock()
	flow.now = clock.now
	flow.sleep = clock.sleep
	return flow, clock
}

func TestDeviceFlowPendingThenSuccess(t *testing.T) {
	srv := &deviceServer{replies: []tokenReply{pending(), pending(), pending(), success("access-123", 3600)}}
	flow, clock := newTestFlow(t, srv)
	start := clock.now()

	token, err := flow.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "access-123", token.AccessToken)
	assert.Equal(t, 4, flow.Polls())
	assert.Equal(t, 4, srv.tokenPolls())
	assert.Equal(t, StateAuthenticated, flow.State())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, clock.slept)
	assert.Equal(t, start.Add(20*time.Second+time.Hour), token.ExpiresAt)
	assert.Same(t, token, flow.Token())
	assert.NoError(t, flow.Err())
}

func TestDeviceFlowTransitions(t *testing.T) {
	srv := &deviceServer{replies: []tokenReply{pending(), success("tok", 60)}}
	var prompted []DeviceCode
	flow, _ := newTestFlow(t, srv, WithPrompt(func(code DeviceCode) error {
		prompted = append(prompted, code)
		return nil
	}))
	ctx := context.Background()

	assert.Equal(t, StateIdle, flow.State())

	code, err := flow.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePolling, flow.State())
	assert.Equal(t, "ABCD-EFGH", code.UserCode)
	assert.Equal(t, "https://microsoft.com/devicelogin", code.VerificationURI)
	require.Len(t, prompted, 1)
	assert.Equal(t, *code, prompted[0])

	_, err = flow.Start(ctx)
	assert.Error(t, err, "a flow is single use")

	state, err := flow.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePolling, state)

	state, err = flow.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, state)

	// Terminal states answer without another request.
	state, err = flow.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, state)
	assert.Equal(t, 2, srv.tokenPolls())
}

func TestDeviceFlowPollBeforeStart(t *testing.T) {
	flow, _ := newTestFlow(t, &deviceServer{replies: []tokenReply{pending()}})

	_, err := flow.Poll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateIdle, flow.State())
}

func TestDeviceFlowSlowDown(t *testing.T) {
	srv := &deviceServer{replies: []tokenReply{oauthError("slow_down"), pending(), oauthError("slow_down"), success("tok", 60)}}
	flow, clock := newTestFlow(t, srv)

	_, err := flow.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 10 * time.Second, 15 * time.Second}, clock.slept)
	assert.Equal(t, 15*time.Second, flow.NextPoll())
}

func TestDeviceFlowDefaultInterval(t *testing.T) {
	device := defaultDevice()
	delete(device, "interval")
	srv := &deviceServer{device: device, replies: []tokenReply{success("tok", 60)}}
	flow, _ := newTestFlow(t, srv)

	code, err := flow.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, code.Interval)
	assert.Equal(t, 5*time.Second, flow.NextPoll())
}

func TestDeviceFlowVerificationURLFallback(t *testing.T) {
	device := defaultDevice()
	delete(device, "verification_uri")
	delete(device, "message")
	device["verification_url"] = "https://aka.ms/devicelogin"
	srv := &deviceServer{device: device, replies: []tokenReply{success("tok", 60)}}

	var buf bytes.Buffer
	flow, _ := newTestFlow(t, srv, WithPrompt(DefaultPrompt(&buf)))

	code, err := flow.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://aka.ms/devicelogin", code.VerificationURI)
	assert.Equal(t, "To sign in, use a web browser to open the page https://aka.ms/devicelogin and enter the code ABCD-EFGH to authenticate.\n", buf.String())
}

func TestDeviceFlowFailures(t *testing.T) {
	tests := []struct {
		name   string
		reply  tokenReply
		want   error
		reason FailureReason
	}{
		{"expired token", oauthError("expired_token"), ErrExpired, ReasonExpired},
		{"access denied", oauthError("access_denied"), ErrUserDenied, ReasonUserDenied},
		{"authorization declined", oauthError("authorization_declined"), ErrUserDenied, ReasonUserDenied},
		{"unknown oauth error", oauthError("invalid_grant"), ErrTransport, ReasonTransport},
		{"server error page", tokenReply{http.StatusBadGateway, "bad gateway"}, ErrTransport, ReasonTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &deviceServer{replies: []tokenReply{pending(), tt.reply}}
			flow, _ := newTestFlow(t, srv)

			token, err := flow.Run(context.Background())
			assert.Nil(t, token)
			require.ErrorIs(t, err, tt.want)

			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.reason, authErr.Reason)
			assert.Equal(t, StateFailed, flow.State())
			assert.Equal(t, err, flow.Err())
			assert.Equal(t, 2, flow.Polls())

			var rerr *oauth2.RetrieveError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.reply.status, rerr.Response.StatusCode)
		})
	}
}

func TestDeviceFlowRetrieveErrorFields(t *testing.T) {
	srv := &deviceServer{replies: []tokenReply{oauthError("access_denied")}}
	flow, _ := newTestFlow(t, srv)

	_, err := flow.Run(context.Background())

	var rerr *oauth2.RetrieveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "access_denied", rerr.ErrorCode)
	assert.Equal(t, "access_denied description", rerr.ErrorDescription)
}

func TestDeviceFlowZeroExpiry(t *testing.T) {
	device := defaultDevice()
	device["expires_in"] = 0
	srv := &deviceServer{device: device, replies: []tokenReply{success("tok", 60)}}
	flow, clock := newTestFlow(t, srv)

	_, err := flow.Run(context.Background())
	require.ErrorIs(t, err, ErrExpired)

	assert.Equal(t, 0, flow.Polls())
	assert.Equal(t, 0, srv.tokenPolls())
	assert.Empty(t, clock.slept)
}

func TestDeviceFlowExpiresWhilePolling(t *testing.T) {
	device := defaultDevice()
	device["expires_in"] = 12
	srv := &deviceServer{device: device, replies: []tokenReply{pending()}}
	flow, clock := newTestFlow(t, srv)

	_, err := flow.Run(context.Background())
	require.ErrorIs(t, err, ErrExpired)

	// The last sleep is cut short at the expiry and no request follows it.
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 2 * time.Second}, clock.slept)
	assert.Equal(t, 2, srv.tokenPolls())
}

func TestDeviceFlowCancelled(t *testing.T) {
	srv := &deviceServer{replies: []tokenReply{pending()}}
	flow, _ := newTestFlow(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := flow.Start(ctx)
	require.NoError(t, err)

	cancel()
	_, err = flow.Wait(ctx)
	require.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, srv.tokenPolls())
	assert.Equal(t, StateFailed, flow.State())
}

func TestDeviceFlowDeviceAuthorizationRejected(t *testing.T) {
	srv := &deviceServer{
		deviceCode: http.StatusBadRequest,
		device:     map[string]any{"error": "invalid_client", "error_description": "unknown application"},
		replies:    []tokenReply{pending()},
	}
	flow, _ := newTestFlow(t, srv)

	_, err := flow.Run(context.Background())
	require.ErrorIs(t, err, ErrTransport)

	var rerr *oauth2.RetrieveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "invalid_client", rerr.ErrorCode)
	assert.Equal(t, StateFailed, flow.State())
	assert.Nil(t, flow.Code())
}

func TestDeviceFlowPromptFailure(t *testing.T) {
	srv := &deviceServer{replies: []tokenReply{pending()}}
	flow, _ := newTestFlow(t, srv, WithPrompt(func(DeviceCode) error {
		return errors.New("stdout closed")
	}))

	_, err := flow.Run(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 0, srv.tokenPolls())
}

func TestDeviceFlowTokenExpiryFromJWT(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	srv := &deviceServer{replies: []tokenReply{{http.StatusOK, map[string]any{"access_token": raw}}}}
	flow, _ := newTestFlow(t, srv)

	token, err := flow.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, exp.Equal(token.ExpiresAt), "expected %v, got %v", exp, token.ExpiresAt)
}

func TestFlowStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "code-requested", StateCodeRequested.String())
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "FlowState(9)", FlowState(9).String())
}
