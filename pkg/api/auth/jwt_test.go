package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
)

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		SecretKey:   "test-secret-key",
		ExpiryTime:  time.Minute,
		RefreshTime: time.Hour,
		Issuer:      "clusterbackfill-test",
		Audience:    "clusterbackfill-test-admin",
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewJWTService(testJWTConfig())

	pair, err := svc.GenerateToken("operator")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	claims, err := svc.ValidateToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.True(t, claims.IsAdmin())
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc := NewJWTService(testJWTConfig())
	pair, err := svc.GenerateToken("operator")
	require.NoError(t, err)

	otherCfg := testJWTConfig()
	otherCfg.SecretKey = "a-different-secret"
	other := NewJWTService(otherCfg)

	_, err = other.ValidateToken(pair.AccessToken)
	assert.Error(t, err)
}

func TestRefreshTokenIssuesNewPair(t *testing.T) {
	svc := NewJWTService(testJWTConfig())
	first, err := svc.GenerateToken("operator")
	require.NoError(t, err)

	refreshed, err := svc.RefreshToken(first.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
}

func TestSharedSecretVerifier(t *testing.T) {
	v, err := NewSharedSecretVerifier(config.AuthConfig{SharedSecret: "correct-secret"})
	require.NoError(t, err)

	assert.True(t, v.Verify("correct-secret"))
	assert.False(t, v.Verify("wrong-secret"))
	assert.False(t, v.Verify(""))
}

func TestNewSharedSecretVerifierRejectsEmptySecret(t *testing.T) {
	_, err := NewSharedSecretVerifier(config.AuthConfig{SharedSecret: ""})
	assert.Error(t, err)
}
