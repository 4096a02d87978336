package auth

import (
	"fmt"
	"os"

	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
)

// DiscoverSecret resolves the HMAC shared secret in priority order:
// the named environment variable, then a key file at keyFilePath, and
// finally a freshly generated secret persisted to keyFilePath (mode
// 0600) for subsequent restarts to pick back up (spec.md §4.2).
func DiscoverSecret(envVar, keyFilePath string) ([]byte, error) {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return []byte(v), nil
		}
	}

	if keyFilePath != "" {
		data, err := os.ReadFile(keyFilePath)
		if err == nil && len(data) > 0 {
			return data, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("auth: failed to read secret key file %q: %w", keyFilePath, err)
		}
	}

	secret, err := gwclock.RandomSecret()
	if err != nil {
		return nil, fmt.Errorf("auth: failed to generate secret: %w", err)
	}

	if keyFilePath != "" {
		if err := os.WriteFile(keyFilePath, secret, 0o600); err != nil {
			return nil, fmt.Errorf("auth: failed to persist generated secret to %q: %w", keyFilePath, err)
		}
	}

	return secret, nil
}
