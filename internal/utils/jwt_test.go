package utils

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenPairRoundTrip(t *testing.T) {
	userID := uuid.New()
	pair, err := GenerateTokenPair("test-secret", userID, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, pair.Access)
	require.NotEmpty(t, pair.Refresh)
	assert.NotEqual(t, pair.Access, pair.Refresh)

	got, err := ParseToken("test-secret", pair.Access, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	got, err = ParseToken("test-secret", pair.Refresh, TokenTypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestParseTokenRejectsWrongType(t *testing.T) {
	pair, err := GenerateTokenPair("test-secret", uuid.New(), time.Hour, 24*time.Hour)
	require.NoError(t, err)

	_, err = ParseToken("test-secret", pair.Refresh, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	_, err = ParseToken("test-secret", pair.Access, TokenTypeRefresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	pair, err := GenerateTokenPair("test-secret", uuid.New(), time.Hour, 24*time.Hour)
	require.NoError(t, err)

	_, err = ParseToken("other-secret", pair.Access, TokenTypeAccess)
	assert.Error(t, err)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	pair, err := GenerateTokenPair("test-secret", uuid.New(), -time.Minute, 24*time.Hour)
	require.NoError(t, err)

	_, err = ParseToken("test-secret", pair.Access, TokenTypeAccess)
	assert.Error(t, err)
}
