package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the session storage backend
type StorageKind string

const (
	StorageKindMemory    StorageKind = "memory"
	StorageKindFirestore StorageKind = "firestore"
	StorageKindRedis     StorageKind = "redis"
)

// ProviderType selects the identity provider
type ProviderType string

const (
	ProviderTypeGoogle ProviderType = "google"
	ProviderTypeGitHub ProviderType = "github"
	ProviderTypeAzure  ProviderType = "azure"
	ProviderTypeOIDC   ProviderType = "oidc"
)

// ServiceAuthType represents the type of service authentication
type ServiceAuthType string

const (
	ServiceAuthTypeBearer ServiceAuthType = "bearer"
	ServiceAuthTypeBasic  ServiceAuthType = "basic"
)

// ServiceAuth authenticates the host application calling the internal API
type ServiceAuth struct {
	Type ServiceAuthType `json:"type"`

	// For basic auth
	Username    string          `json:"username,omitempty"`
	PasswordRaw json.RawMessage `json:"password,omitempty"`

	// For bearer auth
	Tokens []string `json:"tokens,omitempty"`

	// Computed fields
	HashedPassword Secret `json:"-"` // bcrypt hash for basic auth
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	BaseURL        string   `json:"baseURL"`
	Addr           string   `json:"addr"`
	Name           string   `json:"name"`
	AllowedOrigins []string `json:"allowedOrigins"` // For CORS validation
}

// SessionConfig configures browser sessions
type SessionConfig struct {
	TTL             time.Duration `json:"ttl"`
	CleanupInterval time.Duration `json:"cleanupInterval"`
	EncryptionKey   Secret        `json:"encryptionKey"` // Exactly 32 bytes, encrypts values at rest
	SigningKey      Secret        `json:"signingKey"`    // At least 32 bytes, signs OAuth state and CSRF tokens
}

// StorageConfig selects and configures the session storage backend
type StorageConfig struct {
	Kind                StorageKind `json:"kind"`
	GCPProject          string      `json:"gcpProject,omitempty"`
	FirestoreDatabase   string      `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string      `json:"firestoreCollection,omitempty"`
	RedisAddr           string      `json:"redisAddr,omitempty"`
	RedisPassword       Secret      `json:"redisPassword,omitempty"`
}

// IDPConfig configures the identity provider users log in with
type IDPConfig struct {
	Provider     ProviderType `json:"provider"`
	ClientID     string       `json:"clientId"`
	ClientSecret Secret       `json:"clientSecret"`
	RedirectURI  string       `json:"redirectUri"`

	// Azure
	TenantID string `json:"tenantId,omitempty"`

	// OIDC: either issuer discovery or explicit endpoints
	Issuer           string   `json:"issuer,omitempty"`
	AuthorizationURL string   `json:"authorizationUrl,omitempty"`
	TokenURL         string   `json:"tokenUrl,omitempty"`
	UserInfoURL      string   `json:"userInfoUrl,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`

	// Empty means any domain
	AllowedDomains []string `json:"allowedDomains,omitempty"`
}

// RedirectConfig configures the post-authentication redirect
type RedirectConfig struct {
	StorageKey  string        `json:"storageKey"`
	Delay       time.Duration `json:"delay"`
	LandingPath string        `json:"landingPath"`

	delaySet bool
}

// Config represents the config structure with resolved values
type Config struct {
	Version      string         `json:"version"`
	Server       ServerConfig   `json:"server"`
	Session      SessionConfig  `json:"session"`
	Storage      StorageConfig  `json:"storage"`
	IDP          IDPConfig      `json:"idp"`
	Redirect     RedirectConfig `json:"redirect"`
	ServiceAuths []ServiceAuth  `json:"serviceAuths,omitempty"`
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// {"$env": "VAR"} reference resolved from the environment.
//
// The explicit JSON form is used instead of $VAR substitution so that shell
// scripts handling the file never expand it by accident, and a value that
// itself contains $ is never re-expanded.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}
