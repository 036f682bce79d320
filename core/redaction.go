package core

import "strings"

const RedactedValue = "[REDACTED]"

func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

// MaskSecret keeps the last four characters of a secret for operator display.
func MaskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return RedactedValue
	}
	return "..." + secret[len(secret)-4:]
}

// Redacted returns a copy of the credential safe to log or render.
func (c Credential) Redacted() Credential {
	c.SessionSecret = MaskSecret(c.SessionSecret)
	if c.AccessToken != "" {
		c.AccessToken = RedactedValue
	}
	c.AccessTokenExpiresAt = cloneTime(c.AccessTokenExpiresAt)
	c.LastUsedAt = cloneTime(c.LastUsedAt)
	return c
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	for _, token := range []string{
		"password",
		"secret",
		"token",
		"authorization",
		"api_key",
		"apikey",
		"session",
		"cookie",
	} {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "credential_id",
		"project_id",
		"capability",
		"session_id",
		"token_expires_at",
		"trace_id",
		"request_id":
		return true
	default:
		return false
	}
}
