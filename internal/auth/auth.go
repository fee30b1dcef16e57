// Package auth implements the optional transport-level gate in front of the
// WebSocket endpoint. It authenticates the connection, not the user: user
// identity stays an opaque id supplied by the external auth collaborator.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/gorgiachat/signal-relay/internal/config"
)

var ErrMissingCredentials = errors.New("missing credentials")

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return AllowAll{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// AllowAll accepts every connection. Used for AUTH_MODE=none deployments where
// the relay sits behind a trusted proxy.
type AllowAll struct{}

func (AllowAll) Verify(string) error { return nil }

// CredentialFromQuery extracts the connection credential from the WebSocket
// upgrade request's query string.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
