package libgo365

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Setting keys understood by Load.
const (
	KeyAppID         = "appId"
	KeyScopes        = "scopes"
	KeyTenantID      = "tenantId"
	KeyAuthBackend   = "authBackend"
	KeyOpenBrowser   = "openBrowser"
	KeyGraphBaseURL  = "graphBaseUrl"
	KeyDeviceAuthURL = "deviceAuthUrl"
	KeyTokenURL      = "tokenUrl"
)

const (
	defaultTenant  = "common"
	loginAuthority = "https://login.microsoftonline.com/"
	configDirName  = ".go365cal"
	configFileName = "config.json"
)

// Configuration failure classes, matched with errors.Is against a *ConfigError.
var (
	ErrConfigMissing = errors.New("missing required setting")
	ErrConfigEmpty   = errors.New("no scopes configured")
	ErrConfigInvalid = errors.New("invalid setting")
)

// ConfigError reports which setting could not be loaded.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Key)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// AppConfig represents the application configuration. It is built once by
// Load and not modified afterwards.
type AppConfig struct {
	ApplicationID string
	Scopes        []string
	Tenant        string
	Backend       Backend
	OpenBrowser   bool
	GraphBaseURL  string
	DeviceAuthURL string
	TokenURL      string
}

// Authority returns the Microsoft identity authority URL for the tenant.
func (c *AppConfig) Authority() string {
	return loginAuthority + c.Tenant
}

// Endpoint returns the device authorization and token endpoints, preferring
// explicitly configured URLs over the tenant's Azure AD v2 endpoints.
func (c *AppConfig) Endpoint() oauth2.Endpoint {
	ep := microsoft.AzureADEndpoint(c.Tenant)
	if ep.DeviceAuthURL == "" {
		ep.DeviceAuthURL = c.Authority() + "/oauth2/v2.0/devicecode"
	}
	if c.DeviceAuthURL != "" {
		ep.DeviceAuthURL = c.DeviceAuthURL
	}
	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}
	return ep
}

// Load reads the application settings from src. appId and scopes are
// required; nothing is returned unless both are usable.
func Load(ctx context.Context, src Source) (*AppConfig, error) {
	appID, err := lookupRequired(ctx, src, KeyAppID)
	if err != nil {
		return nil, err
	}
	rawScopes, err := lookupRequired(ctx, src, KeyScopes)
	if err != nil {
		return nil, err
	}
	scopes := SplitScopes(rawScopes)
	if len(scopes) == 0 {
		return nil, &ConfigError{Key: KeyScopes, Err: ErrConfigEmpty}
	}

	cfg := &AppConfig{
		ApplicationID: appID,
		Scopes:        scopes,
		Tenant:        defaultTenant,
		Backend:       BackendNative,
		GraphBaseURL:  GraphAPIBaseURL,
	}

	optional := []struct {
		key string
		set func(string) error
	}{
		{KeyTenantID, func(v string) error { cfg.Tenant = v; return nil }},
		{KeyAuthBackend, func(v string) error {
			switch b := Backend(strings.ToLower(v)); b {
			case BackendNative, BackendMSAL:
				cfg.Backend = b
				return nil
			default:
				return fmt.Errorf("unknown backend %q", v)
			}
		}},
		{KeyOpenBrowser, func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			cfg.OpenBrowser = b
			return nil
		}},
		{KeyGraphBaseURL, func(v string) error { cfg.GraphBaseURL = strings.TrimRight(v, "/"); return nil }},
		{KeyDeviceAuthURL, func(v string) error { cfg.DeviceAuthURL = v; return nil }},
		{KeyTokenURL, func(v string) error { cfg.TokenURL = v; return nil }},
	}
	for _, o := range optional {
		v, ok, err := lookupTrimmed(ctx, src, o.key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return nil, &ConfigError{Key: o.key, Err: fmt.Errorf("%w: %v", ErrConfigInvalid, err)}
		}
	}

	return cfg, nil
}

// SplitScopes splits on semicolons and whitespace, dropping empty entries and
// duplicates while keeping first-seen order.
func SplitScopes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	seen := make(map[string]bool, len(fields))
	scopes := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		scopes = append(scopes, f)
	}
	return scopes
}

func lookupRequired(ctx context.Context, src Source, key string) (string, error) {
	v, ok, err := lookupTrimmed(ctx, src, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &ConfigError{Key: key, Err: ErrConfigMissing}
	}
	return v, nil
}

// lookupTrimmed treats a blank value the same as an absent one.
func lookupTrimmed(ctx context.Context, src Source, key string) (string, bool, error) {
	v, ok, err := src.Lookup(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// DefaultConfigPath returns ~/.go365cal/config.json.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, configDirName, configFileName), nil
}

// SaveSettings merges settings into the config file at path, creating the
// file and its directory with owner-only permissions. The file keeps the
// format NewFileSource reads it in: TOML for .toml, YAML for .yaml/.yml,
// JSON otherwise.
func SaveSettings(path string, settings map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	current := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if current, err = decodeSettings(path, data); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("failed to read config: %w", err)
	}

	for k, v := range settings {
		current[k] = v
	}

	data, err = encodeSettings(path, current)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
