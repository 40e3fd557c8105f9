package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"plantchat/internal/domain"
)

// TokenService wraps JWT creation and validation. Tokens are minted by the
// auth provider in production; CreateForPrincipal exists for tests and tooling.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// CreateForPrincipal creates a JWT for p using the default TTL.
func (t *TokenService) CreateForPrincipal(p domain.Principal) (string, error) {
	return t.CreateWithTTL(p, t.expiresIn)
}

// CreateWithTTL creates a JWT for p with an explicit TTL.
func (t *TokenService) CreateWithTTL(p domain.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  p.UserID,
		"name": p.DisplayName,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		return claims, nil
	}
	return nil, jwt.ErrTokenMalformed
}

// Principal validates a token and returns the identity it carries.
func (t *TokenService) Principal(tokenStr string) (domain.Principal, error) {
	claims, err := t.Parse(tokenStr)
	if err != nil {
		return domain.Principal{}, errors.Join(domain.ErrUnauthorized, err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	name, _ := claims["name"].(string)
	return domain.Principal{UserID: sub, DisplayName: name}, nil
}
