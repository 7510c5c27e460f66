package usecase

import (
	"errors"
	"fmt"
	"time"

	authdomain "inbox-agent/internal/auth/domain"

	"github.com/golang-jwt/jwt/v5"
)

// AuthUsecase issues and checks admin API tokens.
type AuthUsecase interface {
	IssueToken(subject string, ttl time.Duration) (string, time.Time, error)
	ValidateToken(token string) (*authdomain.Operator, error)
}

var ErrInvalidToken = errors.New("invalid token")

// authUsecase implements AuthUsecase interface
type authUsecase struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
}

// NewAuthUsecase creates a new instance of authUsecase
func NewAuthUsecase(secret string, defaultTTL time.Duration) (AuthUsecase, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 characters")
	}
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &authUsecase{secret: []byte(secret), defaultTTL: defaultTTL, now: time.Now}, nil
}

func (u *authUsecase) IssueToken(subject string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if ttl <= 0 {
		ttl = u.defaultTTL
	}
	exp := u.now().Add(ttl).Truncate(time.Second)
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": "admin",
		"iat":   u.now().Unix(),
		"exp":   exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(u.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

func (u *authUsecase) ValidateToken(tokenString string) (*authdomain.Operator, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return u.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(u.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	subject, _ := claims["sub"].(string)
	if subject == "" || claims["scope"] != "admin" {
		return nil, ErrInvalidToken
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidToken
	}
	return &authdomain.Operator{Subject: subject, ExpiresAt: exp.Time}, nil
}
