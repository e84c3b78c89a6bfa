// Package auth implements the bearer-token gate for the control plane and
// the WebSocket upgrade. A single token is generated on first start and
// stored in server.token under the data directory, mode 0600.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenFile is the name of the token file under the data directory.
const TokenFile = "server.token"

// EnsureToken returns the bearer token, generating and persisting one on
// first call.
func EnsureToken(dataDir string) (string, error) {
	path := filepath.Join(dataDir, TokenFile)

	data, err := os.ReadFile(path)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write token file: %w", err)
	}
	return token, nil
}

// Verify compares a presented token against the expected one in constant
// time.
func Verify(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// FromAuthorizationHeader extracts the bearer token from an Authorization
// header value, or returns "".
func FromAuthorizationHeader(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
