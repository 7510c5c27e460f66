package usecase

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123"

func TestIssueAndValidate(t *testing.T) {
	uc, err := NewAuthUsecase(testSecret, time.Hour)
	require.NoError(t, err)

	token, exp, err := uc.IssueToken("ops", 0)
	require.NoError(t, err)

	op, err := uc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", op.Subject)
	assert.True(t, exp.Equal(op.ExpiresAt))
}

func TestValidateRejects(t *testing.T) {
	uc, err := NewAuthUsecase(testSecret, time.Hour)
	require.NoError(t, err)
	impl := uc.(*authUsecase)

	expired, _, err := uc.IssueToken("ops", time.Minute)
	require.NoError(t, err)
	impl.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = uc.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
	impl.now = time.Now

	other, err := NewAuthUsecase("another-secret-of-length", time.Hour)
	require.NoError(t, err)
	foreign, _, err := other.IssueToken("ops", 0)
	require.NoError(t, err)
	_, err = uc.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Right key, wrong scope.
	noScope, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = uc.ValidateToken(noScope)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewAuthUsecase("short", time.Hour)
	assert.Error(t, err)
}
