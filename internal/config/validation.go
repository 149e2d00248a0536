package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dgellow/authredirect/internal/urlutil"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes validates config contents without resolving env vars
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": \"%s\"", SupportedVersion)
	} else if !strings.HasPrefix(version, SupportedVersion) {
		result.addError("version", "unsupported version '%s' - use '%s'", version, SupportedVersion)
	}

	validateServerStructure(rawConfig, result)
	validateSessionStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)
	validateIDPStructure(rawConfig, result)
	validateRedirectStructure(rawConfig, result)
	validateServiceAuthsStructure(rawConfig, result)

	return result
}

func section(rawConfig map[string]any, name string, required bool, result *ValidationResult) map[string]any {
	value, exists := rawConfig[name]
	if !exists {
		if required {
			result.addError(name, "%s field is required and must be an object", name)
		}
		return nil
	}
	obj, ok := value.(map[string]any)
	if !ok {
		result.addError(name, "%s must be an object", name)
		return nil
	}
	return obj
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server := section(rawConfig, "server", true, result)
	if server == nil {
		return
	}
	if _, ok := server["baseURL"]; !ok {
		result.addError("server.baseURL", "baseURL is required. Example: \"https://shop.example.com\"")
	}
}

func validateSessionStructure(rawConfig map[string]any, result *ValidationResult) {
	session := section(rawConfig, "session", true, result)
	if session == nil {
		return
	}

	if key, ok := session["signingKey"]; ok {
		if err := validateEnvVarReference(key, "signingKey", "session.signingKey"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	} else {
		result.addError("session.signingKey", "signingKey is required")
	}
	if key, ok := session["encryptionKey"]; ok {
		if err := validateEnvVarReference(key, "encryptionKey", "session.encryptionKey"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}

	for _, field := range []string{"ttl", "cleanupInterval"} {
		if raw, ok := session[field].(string); ok {
			if _, err := time.ParseDuration(raw); err != nil {
				result.addError("session."+field, "invalid duration '%s': %v", raw, err)
			}
		}
	}

	ttl, _ := session["ttl"].(string)
	cleanup, _ := session["cleanupInterval"].(string)
	if ttl != "" && cleanup != "" {
		ttlDur, err1 := time.ParseDuration(ttl)
		cleanupDur, err2 := time.ParseDuration(cleanup)
		if err1 == nil && err2 == nil && cleanupDur > ttlDur {
			result.addWarning("session", "cleanupInterval (%s) is longer than ttl (%s). Expired sessions will remain stored until cleanup runs.", cleanup, ttl)
		}
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage := section(rawConfig, "storage", false, result)
	if storage == nil {
		return
	}

	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case "", StorageKindMemory:
	case StorageKindFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required when using firestore storage")
		}
	case StorageKindRedis:
		if _, ok := storage["redisAddr"]; !ok {
			result.addError("storage.redisAddr", "redisAddr is required when using redis storage")
		}
		if password, ok := storage["redisPassword"]; ok {
			if err := validateEnvVarReference(password, "redisPassword", "storage.redisPassword"); err != nil {
				result.Errors = append(result.Errors, *err)
			}
		}
	default:
		result.addError("storage.kind", "unknown storage kind '%s' - use memory, firestore or redis", kind)
	}

	if kind != "" && StorageKind(kind) != StorageKindMemory {
		if session, ok := rawConfig["session"].(map[string]any); ok {
			if _, ok := session["encryptionKey"]; !ok {
				result.addError("session.encryptionKey", "encryptionKey is required when using %s storage", kind)
			}
		}
	}
}

func validateIDPStructure(rawConfig map[string]any, result *ValidationResult) {
	idp := section(rawConfig, "idp", true, result)
	if idp == nil {
		return
	}

	provider, _ := idp["provider"].(string)
	switch ProviderType(provider) {
	case ProviderTypeGoogle, ProviderTypeGitHub:
	case ProviderTypeAzure:
		if _, ok := idp["tenantId"]; !ok {
			result.addError("idp.tenantId", "tenantId is required for azure")
		}
	case ProviderTypeOIDC:
		_, hasIssuer := idp["issuer"]
		_, hasAuth := idp["authorizationUrl"]
		_, hasToken := idp["tokenUrl"]
		_, hasUserInfo := idp["userInfoUrl"]
		if !hasIssuer && !(hasAuth && hasToken && hasUserInfo) {
			result.addError("idp", "oidc requires issuer or authorizationUrl, tokenUrl and userInfoUrl")
		}
	case "":
		result.addError("idp.provider", "provider is required - use google, github, azure or oidc")
	default:
		result.addError("idp.provider", "unknown provider '%s' - use google, github, azure or oidc", provider)
	}

	if _, ok := idp["clientId"]; !ok {
		result.addError("idp.clientId", "clientId is required")
	}
	if secret, ok := idp["clientSecret"]; ok {
		if err := validateEnvVarReference(secret, "clientSecret", "idp.clientSecret"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	} else {
		result.addError("idp.clientSecret", "clientSecret is required")
	}

	if domains, ok := idp["allowedDomains"].([]any); !ok || len(domains) == 0 {
		result.addWarning("idp.allowedDomains", "no allowedDomains - any account the provider authenticates can log in")
	}
}

func validateRedirectStructure(rawConfig map[string]any, result *ValidationResult) {
	r := section(rawConfig, "redirect", false, result)
	if r == nil {
		return
	}
	if delay, ok := r["delay"].(string); ok {
		if d, err := time.ParseDuration(delay); err != nil {
			result.addError("redirect.delay", "invalid duration '%s': %v", delay, err)
		} else if d < 0 {
			result.addError("redirect.delay", "delay cannot be negative")
		}
	}
	if landing, ok := r["landingPath"].(string); ok && !urlutil.IsLocalPath(landing) {
		result.addError("redirect.landingPath", "landingPath must be a local path such as \"/\"")
	}
}

func validateServiceAuthsStructure(rawConfig map[string]any, result *ValidationResult) {
	value, exists := rawConfig["serviceAuths"]
	if !exists {
		result.addWarning("serviceAuths", "no serviceAuths - the internal session API is disabled")
		return
	}
	auths, ok := value.([]any)
	if !ok {
		result.addError("serviceAuths", "serviceAuths must be an array")
		return
	}

	for i, item := range auths {
		path := fmt.Sprintf("serviceAuths[%d]", i)
		auth, ok := item.(map[string]any)
		if !ok {
			result.addError(path, "service auth must be an object")
			continue
		}
		switch ServiceAuthType(fmt.Sprint(auth["type"])) {
		case ServiceAuthTypeBearer:
			if tokens, ok := auth["tokens"].([]any); !ok || len(tokens) == 0 {
				result.addError(path+".tokens", "at least one token is required for bearer auth")
			}
		case ServiceAuthTypeBasic:
			if _, ok := auth["username"].(string); !ok {
				result.addError(path+".username", "username is required for basic auth")
			}
			if password, ok := auth["password"]; ok {
				if err := validateEnvVarReference(password, "password", path+".password"); err != nil {
					result.Errors = append(result.Errors, *err)
				}
			} else {
				result.addError(path+".password", "password is required for basic auth")
			}
		default:
			result.addError(path+".type", "type must be 'bearer' or 'basic'")
		}
	}
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// validateEnvVarReference checks that a secret is an {"$env": ...} reference
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
