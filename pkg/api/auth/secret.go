package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
)

// SharedSecretVerifier bcrypt-hashes the configured shared secret once
// at startup and compares login attempts against the hash, the same
// HashPassword/VerifyPassword pattern pkg/security/security.go uses
// for account passwords, applied to this deployment's single operator
// credential instead of a per-user password table.
type SharedSecretVerifier struct {
	hash string
}

// NewSharedSecretVerifier hashes cfg.SharedSecret with bcrypt.
func NewSharedSecretVerifier(cfg config.AuthConfig) (*SharedSecretVerifier, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("auth: shared secret must not be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(cfg.SharedSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash shared secret: %w", err)
	}
	return &SharedSecretVerifier{hash: string(hashed)}, nil
}

// Verify reports whether candidate matches the configured shared secret.
func (v *SharedSecretVerifier) Verify(candidate string) bool {
	if candidate == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(v.hash), []byte(candidate)) == nil
}
