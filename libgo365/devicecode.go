package libgo365

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// defaultPollInterval applies when the provider omits "interval" (RFC 8628 3.2).
	defaultPollInterval = 5 * time.Second
	// slowDownIncrement is added to the interval on every slow_down response.
	slowDownIncrement = 5 * time.Second
)

var errDeviceCodeExpired = errors.New("device code expired before sign-in completed")

// FlowState is a state of the device authorization flow.
type FlowState int

const (
	StateIdle FlowState = iota
	StateCodeRequested
	StatePolling
	StateAuthenticated
	StateFailed
)

func (s FlowState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCodeRequested:
		return "code-requested"
	case StatePolling:
		return "polling"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("FlowState(%d)", int(s))
	}
}

// DeviceCode is the provider's answer to a device authorization request.
type DeviceCode struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	// Message is the provider's ready-made sign-in instruction, if any.
	Message   string
	Interval  time.Duration
	ExpiresAt time.Time
}

// PromptFunc shows the user code and verification URI to the user.
type PromptFunc func(code DeviceCode) error

// DefaultPrompt writes the provider message, or a generic instruction when the
// provider sent none, to w.
func DefaultPrompt(w io.Writer) PromptFunc {
	return func(code DeviceCode) error {
		msg := code.Message
		if msg == "" {
			msg = fmt.Sprintf("To sign in, use a web browser to open the page %s and enter the code %s to authenticate.",
				code.VerificationURI, code.UserCode)
		}
		_, err := fmt.Fprintln(w, msg)
		return err
	}
}

// deviceAuthResponse is the device authorization endpoint payload. Azure AD v1
// endpoints spell the URI field verification_url.
type deviceAuthResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
	Message         string `json:"message"`
}

// tokenResponse covers both the success and the error body of the token endpoint.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
}

// DeviceFlow runs the OAuth2 device authorization grant (RFC 8628) as an
// explicit state machine: Idle -> CodeRequested -> Polling -> Authenticated or
// Failed. Start and Poll perform single transitions so the flow can be driven
// by any timer; Wait drives it synchronously. A DeviceFlow is single use and
// not safe for concurrent use.
type DeviceFlow struct {
	clientID   string
	scopes     []string
	endpoint   oauth2.Endpoint
	httpClient *http.Client
	logger     *slog.Logger
	prompt     PromptFunc

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	state    FlowState
	code     *DeviceCode
	interval time.Duration
	polls    int
	token    *TokenResult
	err      error
}

// FlowOption configures a DeviceFlow.
type FlowOption func(*DeviceFlow)

// WithFlowHTTPClient sets the HTTP client used for the device and token endpoints.
func WithFlowHTTPClient(hc *http.Client) FlowOption {
	return func(f *DeviceFlow) {
		f.httpClient = hc
	}
}

// WithFlowLogger sets the logger for state transitions.
func WithFlowLogger(l *slog.Logger) FlowOption {
	return func(f *DeviceFlow) {
		f.logger = l
	}
}

// WithPrompt sets how the user code is shown.
func WithPrompt(p PromptFunc) FlowOption {
	return func(f *DeviceFlow) {
		f.prompt = p
	}
}

// NewDeviceFlow creates a flow in the Idle state. endpoint must carry both
// DeviceAuthURL and TokenURL.
func NewDeviceFlow(clientID string, scopes []string, endpoint oauth2.Endpoint, opts ...FlowOption) *DeviceFlow {
	f := &DeviceFlow{
		clientID:   clientID,
		scopes:     scopes,
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
		logger:     slog.New(slog.DiscardHandler),
		prompt:     func(DeviceCode) error { return nil },
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns the current state.
func (f *DeviceFlow) State() FlowState { return f.state }

// Polls returns how many token requests have been issued.
func (f *DeviceFlow) Polls() int { return f.polls }

// NextPoll returns the delay to respect before the next Poll.
func (f *DeviceFlow) NextPoll() time.Duration { return f.interval }

// Code returns the device code, or nil before Start succeeds.
func (f *DeviceFlow) Code() *DeviceCode { return f.code }

// Token returns the token once the flow is Authenticated.
func (f *DeviceFlow) Token() *TokenResult { return f.token }

// Err returns the failure once the flow is Failed.
func (f *DeviceFlow) Err() error { return f.err }

// Run starts the flow and blocks until it reaches a terminal state.
func (f *DeviceFlow) Run(ctx context.Context) (*TokenResult, error) {
	if _, err := f.Start(ctx); err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Start requests a device code, shows it through the prompt and moves the
// flow to Polling.
func (f *DeviceFlow) Start(ctx context.Context) (*DeviceCode, error) {
	if f.state != StateIdle {
		return nil, fmt.Errorf("device flow already started (state %s)", f.state)
	}

	values := url.Values{
		"client_id": {f.clientID},
		"scope":     {strings.Join(f.scopes, " ")},
	}
	resp, body, err := f.postForm(ctx, f.endpoint.DeviceAuthURL, values)
	if err != nil {
		return nil, f.fail(ReasonTransport, fmt.Errorf("device authorization request failed: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, f.fail(ReasonTransport, retrieveError(resp, body))
	}

	var dar deviceAuthResponse
	if err := json.Unmarshal(body, &dar); err != nil {
		return nil, f.fail(ReasonTransport, fmt.Errorf("failed to decode device authorization response: %w", err))
	}
	if dar.DeviceCode == "" || dar.UserCode == "" {
		return nil, f.fail(ReasonTransport, errors.New("device authorization response is missing device_code or user_code"))
	}

	verificationURI := dar.VerificationURI
	if verificationURI == "" {
		verificationURI = dar.VerificationURL
	}
	interval := time.Duration(dar.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	f.code = &DeviceCode{
		DeviceCode:      dar.DeviceCode,
		UserCode:        dar.UserCode,
		VerificationURI: verificationURI,
		Message:         dar.Message,
		Interval:        interval,
		ExpiresAt:       f.now().Add(time.Duration(dar.ExpiresIn) * time.Second),
	}
	f.interval = interval
	f.transition(StateCodeRequested)

	if err := f.prompt(*f.code); err != nil {
		return nil, f.fail(ReasonTransport, fmt.Errorf("failed to display device code: %w", err))
	}
	f.transition(StatePolling)

	return f.code, nil
}

// Poll issues exactly one token request and applies the provider's answer.
// In a terminal state it returns the terminal result without a request. An
// already expired device code fails with ReasonExpired without a request.
func (f *DeviceFlow) Poll(ctx context.Context) (FlowState, error) {
	switch f.state {
	case StateAuthenticated:
		return f.state, nil
	case StateFailed:
		return f.state, f.err
	case StatePolling:
	default:
		return f.state, fmt.Errorf("device flow cannot poll in state %s", f.state)
	}

	if !f.now().Before(f.code.ExpiresAt) {
		return StateFailed, f.fail(ReasonExpired, errDeviceCodeExpired)
	}

	values := url.Values{
		"grant_type":  {deviceCodeGrantType},
		"device_code": {f.code.DeviceCode},
		"client_id":   {f.clientID},
	}
	f.polls++
	resp, body, err := f.postForm(ctx, f.endpoint.TokenURL, values)
	if err != nil {
		return StateFailed, f.fail(ReasonTransport, fmt.Errorf("token request failed: %w", err))
	}

	var tr tokenResponse
	if jsonErr := json.Unmarshal(body, &tr); jsonErr != nil {
		return StateFailed, f.fail(ReasonTransport, retrieveError(resp, body))
	}

	if tr.ErrorCode == "" && resp.StatusCode == http.StatusOK {
		if tr.AccessToken == "" {
			return StateFailed, f.fail(ReasonTransport, errors.New("token response is missing access_token"))
		}
		f.token = &TokenResult{
			AccessToken: tr.AccessToken,
			ExpiresAt:   f.tokenExpiry(tr),
		}
		f.transition(StateAuthenticated)
		return f.state, nil
	}

	rerr := &oauth2.RetrieveError{
		Response:         resp,
		Body:             body,
		ErrorCode:        tr.ErrorCode,
		ErrorDescription: tr.ErrorDescription,
		ErrorURI:         tr.ErrorURI,
	}
	switch tr.ErrorCode {
	case "authorization_pending":
		f.logger.Debug("authorization pending", "polls", f.polls)
		return f.state, nil
	case "slow_down":
		f.interval += slowDownIncrement
		f.logger.Debug("provider asked to slow down", "interval", f.interval)
		return f.state, nil
	case "expired_token":
		return StateFailed, f.fail(ReasonExpired, rerr)
	case "access_denied", "authorization_declined":
		return StateFailed, f.fail(ReasonUserDenied, rerr)
	default:
		return StateFailed, f.fail(ReasonTransport, rerr)
	}
}

// Wait polls every NextPoll until a terminal state, the device code expires,
// or ctx is done. It never sleeps past the expiry.
func (f *DeviceFlow) Wait(ctx context.Context) (*TokenResult, error) {
	switch f.state {
	case StateAuthenticated:
		return f.token, nil
	case StateFailed:
		return nil, f.err
	case StatePolling:
	default:
		return nil, fmt.Errorf("device flow cannot wait in state %s", f.state)
	}

	for {
		remaining := f.code.ExpiresAt.Sub(f.now())
		if remaining <= 0 {
			return nil, f.fail(ReasonExpired, errDeviceCodeExpired)
		}

		delay := f.interval
		if delay > remaining {
			delay = remaining
		}
		if err := f.sleep(ctx, delay); err != nil {
			return nil, f.fail(ReasonTransport, fmt.Errorf("device flow cancelled: %w", err))
		}

		state, err := f.Poll(ctx)
		switch state {
		case StateAuthenticated:
			return f.token, nil
		case StateFailed:
			return nil, err
		}
	}
}

func (f *DeviceFlow) transition(to FlowState) {
	f.logger.Debug("device flow transition", "from", f.state, "to", to)
	f.state = to
}

func (f *DeviceFlow) fail(reason FailureReason, err error) error {
	f.err = &AuthError{Reason: reason, Err: err}
	f.transition(StateFailed)
	return f.err
}

// tokenExpiry prefers expires_in and falls back to the JWT exp claim.
func (f *DeviceFlow) tokenExpiry(tr tokenResponse) time.Time {
	if tr.ExpiresIn > 0 {
		return f.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return jwtExpiry(tr.AccessToken)
}

func (f *DeviceFlow) postForm(ctx context.Context, endpoint string, values url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, body, nil
}

// retrieveError builds an oauth2.RetrieveError, filling the OAuth error fields
// when body is a JSON error document.
func retrieveError(resp *http.Response, body []byte) *oauth2.RetrieveError {
	rerr := &oauth2.RetrieveError{Response: resp, Body: body}
	var tr tokenResponse
	if json.Unmarshal(body, &tr) == nil {
		rerr.ErrorCode = tr.ErrorCode
		rerr.ErrorDescription = tr.ErrorDescription
		rerr.ErrorURI = tr.ErrorURI
	}
	return rerr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
