package session

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pavelanni/examclient/internal/model"
)

// ErrMalformedToken is returned for tokens that cannot be decoded or that
// carry no expiry.
var ErrMalformedToken = errors.New("malformed token")

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID any    `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Decode reads the claims of a bearer token without checking its signature.
// The server is the authority on signatures; the client only needs the
// expiry and subject.
func Decode(token string) (model.Credential, error) {
	var c tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return model.Credential{}, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	if c.ExpiresAt == nil {
		return model.Credential{}, fmt.Errorf("%w: no exp claim", ErrMalformedToken)
	}
	return model.Credential{
		Token:     token,
		ExpiresAt: c.ExpiresAt.Time,
		Subject:   c.Subject,
		UserID:    userID(c.UserID),
		Role:      model.Role(c.Role),
	}, nil
}

// userID accepts the id as a JSON number or a numeric string.
func userID(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}
