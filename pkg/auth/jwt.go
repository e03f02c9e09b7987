// Package auth verifies the bearer tokens issued by the identity service.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Only access tokens are honoured; refresh tokens from the identity service carry "refresh".
const accessTokenUse = "access"

const clockSkew = 10 * time.Second

var (
	ErrTokenExpired      = errors.New("token has expired")
	ErrTokenInvalid      = errors.New("token is invalid")
	ErrTokenTypeMismatch = errors.New("wrong token type")
	ErrIncompleteClaims  = errors.New("token identity is incomplete")
)

type erxClaims struct {
	jwt.RegisteredClaims
	Email     string     `json:"email,omitempty"`
	Role      string     `json:"role"`
	StaffID   *uuid.UUID `json:"staff_id,omitempty"`
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
	TokenType string     `json:"token_type"`
}

// JWTManager verifies HS256 access tokens. Issue exists for the development token command.
type JWTManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

func NewJWTManager(cfg config.JWTConfig) *JWTManager {
	m := &JWTManager{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.AccessTokenTTL,
		now:    time.Now,
	}
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	return m
}

// Issue signs an access token for claims and returns it with its expiry.
func (m *JWTManager) Issue(claims *domain.Claims) (string, time.Time, error) {
	if err := checkIdentity(claims); err != nil {
		return "", time.Time{}, err
	}

	now := m.now()
	expiresAt := now.Add(m.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, erxClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   claims.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email:     claims.Email,
		Role:      string(claims.Role),
		StaffID:   claims.StaffID,
		PatientID: claims.PatientID,
		TokenType: accessTokenUse,
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateAccessToken is what the auth middleware calls for every request.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*domain.Claims, error) {
	var parsed erxClaims
	_, err := m.parser.ParseWithClaims(tokenString, &parsed, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, ErrTokenInvalid
	}

	if parsed.TokenType != accessTokenUse {
		return nil, ErrTokenTypeMismatch
	}

	userID, err := uuid.Parse(parsed.Subject)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	claims := &domain.Claims{
		UserID:    userID,
		Email:     parsed.Email,
		Role:      domain.Role(parsed.Role),
		StaffID:   parsed.StaffID,
		PatientID: parsed.PatientID,
	}
	if err := checkIdentity(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// checkIdentity rejects a role that ownership checks could not work with.
func checkIdentity(c *domain.Claims) error {
	switch {
	case c.UserID == uuid.Nil:
		return fmt.Errorf("%w: missing subject", ErrIncompleteClaims)
	case !c.Role.IsValid():
		return fmt.Errorf("%w: unknown role %q", ErrIncompleteClaims, c.Role)
	case c.Role == domain.RolePatient && c.PatientID == nil:
		return fmt.Errorf("%w: patient token without patient_id", ErrIncompleteClaims)
	}
	return nil
}
