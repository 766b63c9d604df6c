package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-at-least-32-characters"

func TestParseToken(t *testing.T) {
	t.Run("Round trip", func(t *testing.T) {
		token, err := GenerateToken(testSecret, "user-1", RoleAdmin, time.Hour)
		require.NoError(t, err)

		claims, err := ParseToken(token, testSecret)

		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.UserID)
		assert.Equal(t, RoleAdmin, claims.Role)
	})

	t.Run("Wrong secret", func(t *testing.T) {
		token, err := GenerateToken(testSecret, "user-1", RoleUser, time.Hour)
		require.NoError(t, err)

		_, err = ParseToken(token, "another-secret-with-at-least-32-chars")
		assert.Error(t, err)
	})

	t.Run("Expired", func(t *testing.T) {
		token, err := GenerateToken(testSecret, "user-1", RoleUser, -time.Minute)
		require.NoError(t, err)

		_, err = ParseToken(token, testSecret)
		assert.Error(t, err)
	})

	t.Run("Missing user id", func(t *testing.T) {
		token, err := GenerateToken(testSecret, "", RoleUser, time.Hour)
		require.NoError(t, err)

		_, err = ParseToken(token, testSecret)
		assert.Error(t, err)
	})
}
