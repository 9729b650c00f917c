package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	pkgerrors "codejudge/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier checks subscriber tokens signed with HS256.
type TokenVerifier struct {
	secret []byte
	issuer string
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// userIDClaim accepts the user id as a string or a number.
type userIDClaim string

func (u *userIDClaim) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*u = userIDClaim(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("userId must be a string or number")
	}
	*u = userIDClaim(n.String())
	return nil
}

type subscriberClaims struct {
	UserID userIDClaim `json:"userId"`
	jwt.RegisteredClaims
}

// Verify returns the user id carried by raw.
func (v *TokenVerifier) Verify(raw string) (string, error) {
	if raw == "" || len(v.secret) == 0 {
		return "", pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &subscriberClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", pkgerrors.New(pkgerrors.TokenExpired)
		}
		return "", pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*subscriberClaims)
	if !ok || !parsed.Valid {
		return "", pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return "", pkgerrors.New(pkgerrors.TokenInvalid)
	}
	userID := strings.TrimSpace(string(claims.UserID))
	if userID == "" {
		return "", pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return userID, nil
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
