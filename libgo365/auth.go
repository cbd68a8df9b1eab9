package libgo365

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/public"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"
)

// TokenResult is the outcome of a successful sign-in. It lives only for the
// process and is never written to disk.
type TokenResult struct {
	AccessToken string
	ExpiresAt   time.Time
}

// OAuth2Token converts the result for use with an oauth2 transport.
func (t *TokenResult) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: t.AccessToken,
		TokenType:   "Bearer",
		Expiry:      t.ExpiresAt,
	}
}

// FailureReason classifies why a sign-in failed.
type FailureReason int

const (
	ReasonUserDenied FailureReason = iota + 1
	ReasonExpired
	ReasonTransport
)

// Sign-in failure classes, matched with errors.Is against an *AuthError.
var (
	ErrUserDenied = errors.New("libgo365: user denied the sign-in request")
	ErrExpired    = errors.New("libgo365: device code expired")
	ErrTransport  = errors.New("libgo365: sign-in transport error")
)

func (r FailureReason) String() string {
	switch r {
	case ReasonUserDenied:
		return "user denied"
	case ReasonExpired:
		return "expired"
	case ReasonTransport:
		return "transport error"
	default:
		return fmt.Sprintf("FailureReason(%d)", int(r))
	}
}

func (r FailureReason) sentinel() error {
	switch r {
	case ReasonUserDenied:
		return ErrUserDenied
	case ReasonExpired:
		return ErrExpired
	default:
		return ErrTransport
	}
}

// AuthError is the terminal failure of a device code sign-in.
type AuthError struct {
	Reason FailureReason
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	return e.Reason.sentinel() == target
}

// Backend selects the device code implementation.
type Backend string

const (
	// BackendNative drives DeviceFlow against the configured endpoints.
	BackendNative Backend = "native"
	// BackendMSAL delegates to the MSAL public client.
	BackendMSAL Backend = "msal"
)

// Authenticator signs the user in with the device code grant.
type Authenticator struct {
	config      AppConfig
	httpClient  *http.Client
	logger      *slog.Logger
	prompt      PromptFunc
	openBrowser func(url string) error
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithAuthHTTPClient sets the HTTP client for the native backend.
func WithAuthHTTPClient(hc *http.Client) AuthOption {
	return func(a *Authenticator) {
		a.httpClient = hc
	}
}

// WithAuthLogger sets the logger.
func WithAuthLogger(l *slog.Logger) AuthOption {
	return func(a *Authenticator) {
		a.logger = l
	}
}

// WithAuthPrompt sets how the device code is shown. Defaults to stdout.
func WithAuthPrompt(p PromptFunc) AuthOption {
	return func(a *Authenticator) {
		a.prompt = p
	}
}

// WithBrowserOpener replaces the function used to open the verification URI
// when the configuration enables it.
func WithBrowserOpener(open func(url string) error) AuthOption {
	return func(a *Authenticator) {
		a.openBrowser = open
	}
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(cfg *AppConfig, opts ...AuthOption) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.ApplicationID == "" || len(cfg.Scopes) == 0 {
		return nil, errors.New("configuration must be loaded before authenticating")
	}

	a := &Authenticator{
		config:      *cfg,
		httpClient:  http.DefaultClient,
		logger:      slog.New(slog.DiscardHandler),
		prompt:      DefaultPrompt(os.Stdout),
		openBrowser: browser.OpenURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate runs the device code flow with the configured backend and
// blocks until the user completes or abandons sign-in.
func (a *Authenticator) Authenticate(ctx context.Context) (*TokenResult, error) {
	a.logger.Debug("starting device code sign-in", "backend", a.config.Backend, "client_id", a.config.ApplicationID)

	var (
		token *TokenResult
		err   error
	)
	switch a.config.Backend {
	case BackendMSAL:
		token, err = a.authenticateMSAL(ctx)
	default:
		token, err = a.authenticateNative(ctx)
	}
	if err != nil {
		return nil, err
	}

	a.logger.Debug("signed in", "expires_at", token.ExpiresAt)
	return token, nil
}

func (a *Authenticator) authenticateNative(ctx context.Context) (*TokenResult, error) {
	flow := NewDeviceFlow(a.config.ApplicationID, a.config.Scopes, a.config.Endpoint(),
		WithFlowHTTPClient(a.httpClient),
		WithFlowLogger(a.logger),
		WithPrompt(a.displayCode),
	)
	return flow.Run(ctx)
}

func (a *Authenticator) authenticateMSAL(ctx context.Context) (*TokenResult, error) {
	app, err := public.New(a.config.ApplicationID, public.WithAuthority(a.config.Authority()))
	if err != nil {
		return nil, &AuthError{Reason: ReasonTransport, Err: fmt.Errorf("failed to create public client: %w", err)}
	}

	dc, err := app.AcquireTokenByDeviceCode(ctx, a.config.Scopes)
	if err != nil {
		return nil, classifyMSALError(err)
	}

	code := DeviceCode{
		DeviceCode:      dc.Result.DeviceCode,
		UserCode:        dc.Result.UserCode,
		VerificationURI: dc.Result.VerificationURL,
		Message:         dc.Result.Message,
		Interval:        time.Duration(dc.Result.Interval) * time.Second,
		ExpiresAt:       dc.Result.ExpiresOn,
	}
	if err := a.displayCode(code); err != nil {
		return nil, &AuthError{Reason: ReasonTransport, Err: fmt.Errorf("failed to display device code: %w", err)}
	}

	result, err := dc.AuthenticationResult(ctx)
	if err != nil {
		return nil, classifyMSALError(err)
	}

	return &TokenResult{
		AccessToken: result.AccessToken,
		ExpiresAt:   result.ExpiresOn,
	}, nil
}

// displayCode prompts the user and, if enabled, opens the verification page.
func (a *Authenticator) displayCode(code DeviceCode) error {
	if err := a.prompt(code); err != nil {
		return err
	}
	if a.config.OpenBrowser && code.VerificationURI != "" {
		if err := a.openBrowser(code.VerificationURI); err != nil {
			a.logger.Warn("could not open browser", "url", code.VerificationURI, "err", err)
		}
	}
	return nil
}

// classifyMSALError maps MSAL's string-typed OAuth failures onto reasons.
// MSAL bounds the wait by the device code expiry, so a deadline means expired.
func classifyMSALError(err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "expired_token"):
		return &AuthError{Reason: ReasonExpired, Err: err}
	case strings.Contains(msg, "access_denied"), strings.Contains(msg, "authorization_declined"):
		return &AuthError{Reason: ReasonUserDenied, Err: err}
	default:
		return &AuthError{Reason: ReasonTransport, Err: err}
	}
}

// jwtExpiry reads the exp claim without verifying the signature. Returns the
// zero time for opaque or malformed tokens.
func jwtExpiry(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
