package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgellow/authredirect/internal/log"
	"github.com/dgellow/authredirect/internal/redirect"
	"github.com/dgellow/authredirect/internal/urlutil"
)

// SupportedVersion is the config version prefix this build understands
const SupportedVersion = "v1"

const (
	defaultAddr            = ":8080"
	defaultName            = "authredirect"
	defaultSessionTTL      = 24 * time.Hour
	defaultCleanupInterval = 10 * time.Minute
	defaultLandingPath     = "/"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes config file contents the same way Load does
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, SupportedVersion) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := applyDefaults(&config); err != nil {
		return Config{}, err
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// secretFields must be {"$env": ...} references rather than literals
var secretFields = []struct {
	section string
	name    string
}{
	{"session", "encryptionKey"},
	{"session", "signingKey"},
	{"idp", "clientSecret"},
	{"storage", "redisPassword"},
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	for _, field := range secretFields {
		section, ok := rawConfig[field.section].(map[string]any)
		if !ok {
			continue
		}
		value, exists := section[field.name]
		if !exists {
			continue
		}
		if err := validateEnvVarReference(value, field.name, field.section+"."+field.name); err != nil {
			return fmt.Errorf("%s", err.Message)
		}
	}

	if auths, ok := rawConfig["serviceAuths"].([]any); ok {
		for i, item := range auths {
			auth, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if password, exists := auth["password"]; exists {
				if err := validateEnvVarReference(password, "password", fmt.Sprintf("serviceAuths[%d].password", i)); err != nil {
					return fmt.Errorf("%s", err.Message)
				}
			}
		}
	}
	return nil
}

func applyDefaults(config *Config) error {
	if config.Server.Addr == "" {
		config.Server.Addr = defaultAddr
	}
	if config.Server.Name == "" {
		config.Server.Name = defaultName
	}

	if config.Session.TTL == 0 {
		config.Session.TTL = defaultSessionTTL
	}
	if config.Session.CleanupInterval == 0 {
		config.Session.CleanupInterval = defaultCleanupInterval
	}

	if config.Storage.Kind == "" {
		config.Storage.Kind = StorageKindMemory
	}

	if config.IDP.RedirectURI == "" && config.Server.BaseURL != "" {
		redirectURI, err := urlutil.JoinPath(config.Server.BaseURL, "auth", "callback")
		if err != nil {
			return fmt.Errorf("deriving idp.redirectUri from server.baseURL: %w", err)
		}
		config.IDP.RedirectURI = redirectURI
	}

	if config.Redirect.StorageKey == "" {
		config.Redirect.StorageKey = redirect.DefaultKey
	}
	if !config.Redirect.delaySet {
		config.Redirect.Delay = redirect.DefaultDelay
	}
	if config.Redirect.LandingPath == "" {
		config.Redirect.LandingPath = defaultLandingPath
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	if _, err := urlutil.ParseBaseURL(config.Server.BaseURL); err != nil {
		return fmt.Errorf("server.baseURL: %w", err)
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if err := validateSessionConfig(&config.Session, config.Storage.Kind); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := validateStorageConfig(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := validateIDPConfig(&config.IDP); err != nil {
		return fmt.Errorf("idp config: %w", err)
	}
	if err := validateRedirectConfig(&config.Redirect); err != nil {
		return fmt.Errorf("redirect config: %w", err)
	}

	if len(config.ServiceAuths) == 0 {
		log.LogWarn("No serviceAuths configured - the internal session API is disabled")
	}
	return nil
}

func validateSessionConfig(session *SessionConfig, kind StorageKind) error {
	if len(session.SigningKey) < 32 {
		return fmt.Errorf("signingKey must be at least 32 characters (got %d). Generate with: openssl rand -base64 32", len(session.SigningKey))
	}
	if kind != StorageKindMemory && len(session.EncryptionKey) != 32 {
		return fmt.Errorf("encryptionKey must be exactly 32 characters when using %s storage (got %d). Generate with: openssl rand -base64 32 | head -c 32", kind, len(session.EncryptionKey))
	}
	if session.TTL < 0 {
		return fmt.Errorf("ttl cannot be negative")
	}
	if session.CleanupInterval < 0 {
		return fmt.Errorf("cleanupInterval cannot be negative")
	}
	if session.CleanupInterval > session.TTL {
		log.LogWarn("Session cleanup interval is greater than session ttl")
	}
	return nil
}

func validateStorageConfig(storage *StorageConfig) error {
	switch storage.Kind {
	case StorageKindMemory:
	case StorageKindFirestore:
		if storage.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
	case StorageKindRedis:
		if storage.RedisAddr == "" {
			return fmt.Errorf("redisAddr is required when using redis storage")
		}
	default:
		return fmt.Errorf("unknown storage kind: %s (memory, firestore or redis)", storage.Kind)
	}
	return nil
}

func validateIDPConfig(idp *IDPConfig) error {
	if idp.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if idp.ClientSecret == "" {
		return fmt.Errorf("clientSecret is required")
	}
	if idp.RedirectURI == "" {
		return fmt.Errorf("redirectUri is required")
	}

	switch idp.Provider {
	case ProviderTypeGoogle, ProviderTypeGitHub:
	case ProviderTypeAzure:
		if idp.TenantID == "" {
			return fmt.Errorf("tenantId is required for azure")
		}
	case ProviderTypeOIDC:
		manual := idp.AuthorizationURL != "" && idp.TokenURL != "" && idp.UserInfoURL != ""
		if idp.Issuer == "" && !manual {
			return fmt.Errorf("oidc requires issuer or authorizationUrl, tokenUrl and userInfoUrl")
		}
	case "":
		return fmt.Errorf("provider is required")
	default:
		return fmt.Errorf("unknown provider: %s (google, github, azure or oidc)", idp.Provider)
	}

	if len(idp.AllowedDomains) == 0 {
		log.LogWarn("No idp.allowedDomains configured - any account the provider authenticates can log in")
	}
	return nil
}

func validateRedirectConfig(r *RedirectConfig) error {
	if r.StorageKey == "" {
		return fmt.Errorf("storageKey is required")
	}
	if r.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if err := urlutil.ValidateLocalPath(r.LandingPath); err != nil {
		return fmt.Errorf("landingPath: %w", err)
	}
	return nil
}
