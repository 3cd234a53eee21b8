// ABOUTME: Configuration loading and parsing for principal-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perihelion-labs/principal-gateway/internal/crypto"
)

// Config represents the complete principal-gateway configuration
type Config struct {
	Auth       AuthConfig       `yaml:"auth"`
	Federation FederationConfig `yaml:"federation"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AuthConfig holds the server signing material and local login policy.
// Secret and salt are hex strings; when either is absent both are generated
// at startup, which invalidates every previously issued token.
type AuthConfig struct {
	SigningSecret       string `yaml:"signing_secret"`
	SigningSalt         string `yaml:"signing_salt"`
	RequiredEmailDomain string `yaml:"required_email_domain"`
}

// FederationConfig holds the external authority and directory endpoints.
type FederationConfig struct {
	DirectoryURL       string `yaml:"directory_url"`
	GatewayBaseURL     string `yaml:"gateway_base_url"`
	AuthorityPublicKey string `yaml:"authority_public_key"` // hex ed25519 key

	HandshakeTimeout    time.Duration `yaml:"-"`
	HandshakeTimeoutRaw string        `yaml:"handshake_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultHandshakeTimeout bounds the out-of-band federation wait when the
// config does not set one. The upstream protocol specifies no timeout; this
// default is a deliberate local addition.
const DefaultHandshakeTimeout = 2 * time.Minute

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.SigningSalt != "" {
		salt, err := hex.DecodeString(c.Auth.SigningSalt)
		if err != nil {
			return fmt.Errorf("auth.signing_salt is not valid hex: %w", err)
		}
		if len(salt) != crypto.SaltLength {
			return fmt.Errorf("auth.signing_salt must be %d bytes, got %d", crypto.SaltLength, len(salt))
		}
	}

	if c.Federation.AuthorityPublicKey != "" {
		key, err := hex.DecodeString(c.Federation.AuthorityPublicKey)
		if err != nil {
			return fmt.Errorf("federation.authority_public_key is not valid hex: %w", err)
		}
		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("federation.authority_public_key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	cfg.Federation.HandshakeTimeout = DefaultHandshakeTimeout

	if cfg.Federation.HandshakeTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Federation.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handshake_timeout %q: %w", cfg.Federation.HandshakeTimeoutRaw, err)
		}
		cfg.Federation.HandshakeTimeout = d
	}

	return nil
}

// SigningMaterial returns the configured signing salt and secret, generating
// both when either is missing. Generated material lives only for this
// process: every token minted before a restart becomes invalid, which the
// caller should log loudly.
func (c *Config) SigningMaterial() (salt, secret []byte, generated bool, err error) {
	if c.Auth.SigningSalt != "" && c.Auth.SigningSecret != "" {
		salt, err = hex.DecodeString(c.Auth.SigningSalt)
		if err != nil {
			return nil, nil, false, fmt.Errorf("decoding signing salt: %w", err)
		}
		secret, err = hex.DecodeString(c.Auth.SigningSecret)
		if err != nil {
			return nil, nil, false, fmt.Errorf("decoding signing secret: %w", err)
		}
		return salt, secret, false, nil
	}

	salt, err = crypto.GenerateSalt()
	if err != nil {
		return nil, nil, false, err
	}
	secret, err = crypto.GenerateSalt()
	if err != nil {
		return nil, nil, false, err
	}
	return salt, secret, true, nil
}

// AuthorityKey returns the decoded federation authority public key, or nil
// when federation is not configured.
func (c *Config) AuthorityKey() ([]byte, error) {
	if c.Federation.AuthorityPublicKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Federation.AuthorityPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding authority public key: %w", err)
	}
	return key, nil
}
