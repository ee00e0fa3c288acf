package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// Token errors
var (
	ErrTokenInvalid = errcode.New(2001, "token invalid")
	ErrTokenExpired = errcode.New(2002, "token expired")
	ErrTokenNoUser  = errcode.New(2003, "token carries no user id")
)

// Claims represents the session token claims issued by the marketplace backend.
// Depending on the issuing route the user id is carried as user_id, id or sub.
type Claims struct {
	UserId string `json:"user_id,omitempty"`
	Id     string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

// ResolveUserId returns the user id carried by the claims
func (c *Claims) ResolveUserId() string {
	switch {
	case c.UserId != "":
		return c.UserId
	case c.Id != "":
		return c.Id
	default:
		return c.RegisteredClaims.Subject
	}
}

// ParseUnverified decodes the token without checking its signature.
// The client never holds the signing secret; the backend verifies every request.
func ParseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrTokenInvalid.Wrap(err)
	}
	return claims, nil
}

// UserIdFromToken extracts the current user id and rejects expired tokens
func UserIdFromToken(tokenString string, now time.Time) (string, error) {
	claims, err := ParseUnverified(tokenString)
	if err != nil {
		return "", err
	}

	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return "", ErrTokenExpired
	}

	userId := claims.ResolveUserId()
	if userId == "" {
		return "", ErrTokenNoUser
	}
	return userId, nil
}
