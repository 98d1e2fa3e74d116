package app

import (
	"errors"
	"fmt"
)

const minTokenKeyBytes = 32

// ErrInsecureConfig is wrapped by all ValidateSecurity failures.
var ErrInsecureConfig = errors.New("insecure configuration")

// ValidateSecurity rejects configurations that would expose the
// server without working authentication. Dev auth bypasses token
// verification and must be opted into explicitly.
func ValidateSecurity(cfg Config) error {
	if cfg.DevAuth {
		if cfg.TokenHMACKey != "" {
			return fmt.Errorf("%w: AGRO_WS_DEV_AUTH and AGRO_TOKEN_HMAC_KEY are mutually exclusive", ErrInsecureConfig)
		}
		return nil
	}
	if cfg.TokenHMACKey == "" {
		return fmt.Errorf("%w: AGRO_TOKEN_HMAC_KEY is required unless AGRO_WS_DEV_AUTH=true", ErrInsecureConfig)
	}
	if len(cfg.TokenHMACKey) < minTokenKeyBytes {
		return fmt.Errorf("%w: AGRO_TOKEN_HMAC_KEY must be at least %d bytes", ErrInsecureConfig, minTokenKeyBytes)
	}
	return nil
}
