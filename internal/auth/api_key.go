package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidAPIKey = errors.New("invalid api key")

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(credential string) error {
	if v.Expected == "" {
		// Misconfiguration; config.Load rejects this, but fail closed anyway.
		return ErrInvalidAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(v.Expected)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
