package auth

import (
	"errors"
	"net/url"
	"testing"

	"github.com/gorgiachat/signal-relay/internal/config"
)

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "sekrit"}

	if err := v.Verify("sekrit"); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if err := v.Verify("wrong"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("invalid key err=%v, want ErrInvalidAPIKey", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("empty key err=%v, want ErrInvalidAPIKey", err)
	}
	if err := (APIKeyVerifier{}).Verify(""); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("unset expected key must fail closed, got %v", err)
	}
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone})
	if err != nil {
		t.Fatalf("NewVerifier(none): %v", err)
	}
	if err := v.Verify("anything"); err != nil {
		t.Fatalf("AllowAll rejected: %v", err)
	}

	v, err = NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewVerifier(api_key): %v", err)
	}
	if err := v.Verify("k"); err != nil {
		t.Fatalf("api key verifier rejected valid key: %v", err)
	}

	if _, err := NewVerifier(config.Config{AuthMode: "saml"}); err == nil {
		t.Fatalf("NewVerifier accepted unknown mode")
	}
}

func TestCredentialFromQuery(t *testing.T) {
	q := url.Values{"apiKey": []string{"k1"}}

	cred, err := CredentialFromQuery(config.AuthModeAPIKey, q)
	if err != nil || cred != "k1" {
		t.Fatalf("CredentialFromQuery=%q, %v", cred, err)
	}

	if _, err := CredentialFromQuery(config.AuthModeAPIKey, url.Values{}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing credential err=%v, want ErrMissingCredentials", err)
	}

	if cred, err := CredentialFromQuery(config.AuthModeNone, q); err != nil || cred != "" {
		t.Fatalf("AuthModeNone=%q, %v, want empty and nil", cred, err)
	}
}
