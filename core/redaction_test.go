package core

import (
	"testing"
	"time"
)

func TestRedactSensitiveMapPreservesTraceabilityMetadata(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"trace_id":       "trace_1",
		"credential_id":  int64(4),
		"session_secret": "st-secret",
		"access_token":   "at-secret",
		"authorization":  "Bearer at-secret",
		"nested":         map[string]any{"cookie": "sid=1", "request_id": "req_nested"},
		"events":         []any{map[string]any{"api_key": "key_1"}, map[string]any{"email": "a@example.com"}},
	})

	if redacted["trace_id"] != "trace_1" || redacted["credential_id"] != int64(4) {
		t.Fatalf("expected traceability keys visible, got %#v", redacted)
	}
	for _, key := range []string{"session_secret", "access_token", "authorization"} {
		if redacted[key] != RedactedValue {
			t.Fatalf("expected %s to be redacted, got %#v", key, redacted[key])
		}
	}
	nested, ok := redacted["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested redacted map")
	}
	if nested["cookie"] != RedactedValue || nested["request_id"] != "req_nested" {
		t.Fatalf("unexpected nested redaction %#v", nested)
	}
	events, ok := redacted["events"].([]any)
	if !ok || len(events) != 2 {
		t.Fatalf("expected redacted events slice")
	}
	if first := events[0].(map[string]any); first["api_key"] != RedactedValue {
		t.Fatalf("expected api_key redacted in slice, got %#v", first)
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                      "",
		"short":                 RedactedValue,
		"12345678":              RedactedValue,
		"st-abcdefghijklmnop":   "...mnop",
		"  st-abcdefghijklmnop": "...mnop",
	}
	for input, want := range cases {
		if got := MaskSecret(input); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestCredentialRedacted(t *testing.T) {
	expiresAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	credential := Credential{
		ID:                   9,
		SessionSecret:        "st-abcdefghijklmnop",
		AccessToken:          "at-abcdefghijklmnop",
		AccessTokenExpiresAt: &expiresAt,
		Email:                "ops@example.com",
	}
	redacted := credential.Redacted()
	if redacted.SessionSecret != "...mnop" || redacted.AccessToken != RedactedValue {
		t.Fatalf("expected secrets masked, got %+v", redacted)
	}
	if redacted.Email != credential.Email || redacted.ID != credential.ID {
		t.Fatalf("expected identity fields kept")
	}
	if redacted.AccessTokenExpiresAt == credential.AccessTokenExpiresAt {
		t.Fatalf("expected expiry to be copied")
	}
	if credential.SessionSecret != "st-abcdefghijklmnop" {
		t.Fatalf("expected original credential untouched")
	}
}
