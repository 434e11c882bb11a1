package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateParseRoundtrip(t *testing.T) {
	token, err := GenerateToken("user-1", TokenAccess, "session-key", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, "session-key")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, TokenAccess, claims.Type)
}

func TestAccessAndRefreshTypesAreDistinguishable(t *testing.T) {
	access, err := GenerateToken("user-1", TokenAccess, "session-key", time.Hour)
	require.NoError(t, err)
	refresh, err := GenerateToken("user-1", TokenRefresh, "session-key", 24*time.Hour)
	require.NoError(t, err)

	accessClaims, err := ParseToken(access, "session-key")
	require.NoError(t, err)
	refreshClaims, err := ParseToken(refresh, "session-key")
	require.NoError(t, err)

	assert.Equal(t, TokenAccess, accessClaims.Type)
	assert.Equal(t, TokenRefresh, refreshClaims.Type)
	assert.NotEqual(t, accessClaims.Type, refreshClaims.Type)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("user-1", TokenAccess, "session-key", time.Hour)
	require.NoError(t, err)

	_, err = ParseToken(token, "wrong-key")
	assert.Error(t, err)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	token, err := GenerateToken("user-1", TokenAccess, "session-key", -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken(token, "session-key")
	assert.Error(t, err)
}

func TestEachTokenGetsAUniqueJTI(t *testing.T) {
	a, err := GenerateToken("user-1", TokenRefresh, "session-key", time.Hour)
	require.NoError(t, err)
	b, err := GenerateToken("user-1", TokenRefresh, "session-key", time.Hour)
	require.NoError(t, err)

	claimsA, err := ParseToken(a, "session-key")
	require.NoError(t, err)
	claimsB, err := ParseToken(b, "session-key")
	require.NoError(t, err)

	assert.NotEqual(t, claimsA.ID, claimsB.ID)
}
