package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgellow/authredirect/internal/crypto"
	"github.com/dgellow/authredirect/internal/log"
)

// parseString resolves an optional string-or-reference field
func parseString(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	value, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return value, nil
}

func parseDuration(raw, field string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseURL        json.RawMessage `json:"baseURL"`
		Addr           json.RawMessage `json:"addr"`
		Name           string          `json:"name"`
		AllowedOrigins []string        `json:"allowedOrigins"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Name = raw.Name
	s.AllowedOrigins = raw.AllowedOrigins

	var err error
	if s.BaseURL, err = parseString(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	if s.Addr, err = parseString(raw.Addr, "addr"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for SessionConfig
func (s *SessionConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		TTL             string          `json:"ttl"`
		CleanupInterval string          `json:"cleanupInterval"`
		EncryptionKey   json.RawMessage `json:"encryptionKey"`
		SigningKey      json.RawMessage `json:"signingKey"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if s.TTL, err = parseDuration(raw.TTL, "ttl"); err != nil {
		return err
	}
	if s.CleanupInterval, err = parseDuration(raw.CleanupInterval, "cleanupInterval"); err != nil {
		return err
	}

	encryptionKey, err := parseString(raw.EncryptionKey, "encryptionKey")
	if err != nil {
		return err
	}
	s.EncryptionKey = Secret(encryptionKey)

	signingKey, err := parseString(raw.SigningKey, "signingKey")
	if err != nil {
		return err
	}
	s.SigningKey = Secret(signingKey)

	if s.EncryptionKey != "" && len(s.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(s.EncryptionKey))
	}
	if s.SigningKey != "" && len(s.SigningKey) < 32 {
		return fmt.Errorf("signing key must be at least 32 bytes, got %d", len(s.SigningKey))
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind                StorageKind     `json:"kind"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		RedisAddr           json.RawMessage `json:"redisAddr"`
		RedisPassword       json.RawMessage `json:"redisPassword"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = raw.Kind
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestoreCollection = raw.FirestoreCollection

	var err error
	if s.GCPProject, err = parseString(raw.GCPProject, "gcpProject"); err != nil {
		return err
	}
	if s.RedisAddr, err = parseString(raw.RedisAddr, "redisAddr"); err != nil {
		return err
	}
	password, err := parseString(raw.RedisPassword, "redisPassword")
	if err != nil {
		return err
	}
	s.RedisPassword = Secret(password)

	// Apply defaults for Firestore configuration
	if s.Kind == StorageKindFirestore {
		if s.FirestoreDatabase == "" {
			s.FirestoreDatabase = "(default)"
		}
		if s.FirestoreCollection == "" {
			s.FirestoreCollection = "authredirect_sessions"
		}
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for IDPConfig
func (c *IDPConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Provider         ProviderType    `json:"provider"`
		ClientID         json.RawMessage `json:"clientId"`
		ClientSecret     json.RawMessage `json:"clientSecret"`
		RedirectURI      json.RawMessage `json:"redirectUri"`
		TenantID         json.RawMessage `json:"tenantId"`
		Issuer           json.RawMessage `json:"issuer"`
		AuthorizationURL string          `json:"authorizationUrl"`
		TokenURL         string          `json:"tokenUrl"`
		UserInfoURL      string          `json:"userInfoUrl"`
		Scopes           []string        `json:"scopes"`
		AllowedDomains   []string        `json:"allowedDomains"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Provider = raw.Provider
	c.AuthorizationURL = raw.AuthorizationURL
	c.TokenURL = raw.TokenURL
	c.UserInfoURL = raw.UserInfoURL
	c.Scopes = raw.Scopes
	c.AllowedDomains = raw.AllowedDomains

	var err error
	if c.ClientID, err = parseString(raw.ClientID, "clientId"); err != nil {
		return err
	}
	secret, err := parseString(raw.ClientSecret, "clientSecret")
	if err != nil {
		return err
	}
	c.ClientSecret = Secret(secret)
	if c.RedirectURI, err = parseString(raw.RedirectURI, "redirectUri"); err != nil {
		return err
	}
	if c.TenantID, err = parseString(raw.TenantID, "tenantId"); err != nil {
		return err
	}
	if c.Issuer, err = parseString(raw.Issuer, "issuer"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for RedirectConfig
func (r *RedirectConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		StorageKey  string `json:"storageKey"`
		Delay       string `json:"delay"`
		LandingPath string `json:"landingPath"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.StorageKey = raw.StorageKey
	r.LandingPath = raw.LandingPath

	// An explicit "0s" disables the delay, so remember it was set
	if raw.Delay != "" {
		delay, err := parseDuration(raw.Delay, "delay")
		if err != nil {
			return err
		}
		r.Delay = delay
		r.delaySet = true
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ServiceAuth
func (s *ServiceAuth) UnmarshalJSON(data []byte) error {
	// Use type alias to avoid recursion
	type rawServiceAuth ServiceAuth
	var raw rawServiceAuth

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = ServiceAuth(raw)

	log.LogTraceWithFields("config", "Unmarshaling service auth", map[string]any{
		"type": s.Type,
	})

	if s.PasswordRaw != nil {
		password, err := ParseConfigValue(s.PasswordRaw)
		if err != nil {
			return fmt.Errorf("parsing password: %w", err)
		}

		log.LogTraceWithFields("config", "Hashing password for basic auth", map[string]any{
			"username": s.Username,
		})
		hashed, err := crypto.HashPassword(password)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		s.HashedPassword = Secret(hashed)
	}

	switch s.Type {
	case ServiceAuthTypeBasic:
		if s.Username == "" {
			return fmt.Errorf("username is required for basic auth")
		}
		if s.PasswordRaw == nil {
			return fmt.Errorf("password is required for basic auth")
		}
	case ServiceAuthTypeBearer:
		if len(s.Tokens) == 0 {
			return fmt.Errorf("at least one token is required for bearer auth")
		}
	default:
		return fmt.Errorf("unknown service auth type: %s", s.Type)
	}

	return nil
}
