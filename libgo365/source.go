package libgo365

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Source supplies raw setting values by key.
type Source interface {
	// Lookup returns the value for key and whether the source has it.
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// MapSource is an in-memory Source.
type MapSource map[string]string

// Lookup implements Source.
func (m MapSource) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

// ChainSource consults each source in order and returns the first non-blank
// value.
type ChainSource []Source

// Lookup implements Source.
func (c ChainSource) Lookup(ctx context.Context, key string) (string, bool, error) {
	for _, src := range c {
		v, ok, err := src.Lookup(ctx, key)
		if err != nil {
			return "", false, err
		}
		if ok && strings.TrimSpace(v) != "" {
			return v, true, nil
		}
	}
	return "", false, nil
}

// EnvSource reads settings from environment variables named Prefix followed
// by the upper-cased key, e.g. GO365CAL_APPID.
type EnvSource struct {
	Prefix string
}

// DefaultEnvPrefix is the prefix used by the go365cal command.
const DefaultEnvPrefix = "GO365CAL_"

// Lookup implements Source.
func (e EnvSource) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := os.LookupEnv(e.Prefix + strings.ToUpper(key))
	return v, ok, nil
}

// FileSource holds settings decoded from a JSON, TOML or YAML file.
type FileSource struct {
	path   string
	values map[string]string
}

// NewFileSource reads path, choosing the decoder by extension (.toml,
// .yaml/.yml, anything else is JSON). A missing file gives an empty source.
func NewFileSource(path string) (*FileSource, error) {
	fs := &FileSource{path: path, values: map[string]string{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	raw, err := decodeSettings(path, data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config %s: %w", path, err)
	}

	for k, v := range raw {
		fs.values[k] = settingString(v)
	}
	return fs, nil
}

// decodeSettings parses a config file in the format named by path's
// extension.
func decodeSettings(path string, data []byte) (map[string]any, error) {
	raw := map[string]any{}
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, err
	}
	if raw == nil {
		// A file holding only null.
		raw = map[string]any{}
	}
	return raw, nil
}

// encodeSettings is the inverse of decodeSettings.
func encodeSettings(path string, raw map[string]any) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Marshal(raw)
	case ".yaml", ".yml":
		return yaml.Marshal(raw)
	default:
		return json.MarshalIndent(raw, "", "  ")
	}
}

// Path returns the file the source was read from.
func (f *FileSource) Path() string {
	return f.path
}

// Lookup implements Source.
func (f *FileSource) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

// settingString flattens a decoded value. Lists are joined with spaces so
// scopes may be written either as a string or as an array.
func settingString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, settingString(item))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(val)
	}
}

// secretGetter is the part of *azsecrets.Client used by KeyVaultSource.
type secretGetter interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// KeyVaultSource reads settings from Azure Key Vault secrets. The secret name
// is the key with characters Key Vault does not allow replaced by '-'.
type KeyVaultSource struct {
	client secretGetter
}

// NewKeyVaultSource creates a source for the vault at vaultURL.
func NewKeyVaultSource(vaultURL string, cred azcore.TokenCredential) (*KeyVaultSource, error) {
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key vault client: %w", err)
	}
	return &KeyVaultSource{client: client}, nil
}

// Lookup implements Source. A secret that does not exist is reported as
// absent rather than as an error.
func (k *KeyVaultSource) Lookup(ctx context.Context, key string) (string, bool, error) {
	resp, err := k.client.GetSecret(ctx, secretName(key), "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get secret %s: %w", secretName(key), err)
	}
	if resp.Value == nil {
		return "", false, nil
	}
	return *resp.Value, true, nil
}

func secretName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, key)
}

// StaticCredential is an azcore.TokenCredential over an already issued
// bearer token, e.g. one printed by `az account get-access-token`.
type StaticCredential struct {
	Token     string
	ExpiresOn time.Time
}

// GetToken implements azcore.TokenCredential.
func (s StaticCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	if s.Token == "" {
		return azcore.AccessToken{}, errors.New("no key vault access token configured")
	}
	expires := s.ExpiresOn
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: s.Token, ExpiresOn: expires}, nil
}
