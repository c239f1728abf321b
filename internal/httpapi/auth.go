package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/groviaus/jewellery-software-app/internal/domain"
)

// AuthManager verifies bearer tokens issued by the shop's auth provider.
// The token subject is the owner id; every request is scoped to it.
type AuthManager struct {
	secret []byte
	issuer string
}

type ownerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func NewAuthManager(secret string, issuer string) *AuthManager {
	return &AuthManager{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
	}
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	opts := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{"HS256"})}
	if a.issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.issuer))
	}

	claims := &ownerClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{OwnerID: sub, Role: claims.Role}, nil
}

// IssueToken signs a token for ownerID. Production tokens come from the
// auth provider; this is used by tooling and tests.
func (a *AuthManager) IssueToken(ownerID string, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := ownerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   ownerID,
			Issuer:    a.issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
