package auth

import (
	"testing"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testManager(ttl time.Duration) *JWTManager {
	return NewJWTManager(config.JWTConfig{
		Secret:         testSecret,
		AccessTokenTTL: ttl,
		Issuer:         "medflow-api",
	})
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := testManager(time.Minute)
	staff := uuid.New()
	in := &domain.Claims{UserID: uuid.New(), Email: "dr@clinic.test", Role: domain.RoleDoctor, StaffID: &staff}

	token, expiresAt, err := m.Issue(in)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 5*time.Second)

	got, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, in.UserID, got.UserID)
	assert.Equal(t, domain.RoleDoctor, got.Role)
	assert.Equal(t, "dr@clinic.test", got.Email)
	require.NotNil(t, got.StaffID)
	assert.Equal(t, staff, *got.StaffID)
}

func TestValidateAccessToken_Rejections(t *testing.T) {
	m := testManager(time.Minute)
	token, _, err := m.Issue(&domain.Claims{UserID: uuid.New(), Role: domain.RoleNurse})
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(token + "x")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	other := NewJWTManager(config.JWTConfig{Secret: "another-secret-another-secret-xx", Issuer: "medflow-api", AccessTokenTTL: time.Minute})
	_, err = other.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	foreign := NewJWTManager(config.JWTConfig{Secret: testSecret, Issuer: "someone-else", AccessTokenTTL: time.Minute})
	_, err = foreign.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

// Tokens minted by the identity service for other purposes share the key but not the use.
func TestValidateAccessToken_RefusesRefreshTokens(t *testing.T) {
	m := testManager(time.Minute)
	now := time.Now()
	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, erxClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "medflow-api",
			Subject:   uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role:      string(domain.RoleDoctor),
		TokenType: "refresh",
	})
	signed, err := refresh.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(signed)
	assert.ErrorIs(t, err, ErrTokenTypeMismatch)
}

func TestValidateAccessToken_Expired(t *testing.T) {
	m := testManager(-time.Minute)
	token, _, err := m.Issue(&domain.Claims{UserID: uuid.New(), Role: domain.RoleAdmin})
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestIssue_RequiresCompleteIdentity(t *testing.T) {
	m := testManager(time.Minute)

	_, _, err := m.Issue(&domain.Claims{UserID: uuid.New(), Role: domain.RolePatient})
	assert.ErrorIs(t, err, ErrIncompleteClaims)

	_, _, err = m.Issue(&domain.Claims{UserID: uuid.New(), Role: "janitor"})
	assert.ErrorIs(t, err, ErrIncompleteClaims)

	_, _, err = m.Issue(&domain.Claims{Role: domain.RoleDoctor})
	assert.ErrorIs(t, err, ErrIncompleteClaims)
}
