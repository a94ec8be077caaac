package auth

import (
	"errors"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"

	"github.com/arenda-io/arenda/internal/config"
)

var (
	ErrMissingToken = errors.New("missing_token")
	ErrInvalidToken = errors.New("invalid_token")
)

// Claims is the verified identity of a request. Subjects are platform user
// ids issued by the identity service that signs the tokens.
type Claims struct {
	UserID snowflake.ID
	Email  string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Authenticator verifies bearer tokens with the shared HMAC secret.
type Authenticator struct {
	secret []byte
}

func New(cfg config.Config) (*Authenticator, error) {
	if cfg.AuthJWTSecret == "" {
		return nil, errors.New("AUTH_JWT_SECRET is required")
	}
	return &Authenticator{secret: []byte(cfg.AuthJWTSecret)}, nil
}

func (a *Authenticator) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID == 0 {
		return nil, ErrInvalidToken
	}

	return &Claims{
		UserID: snowflake.ID(userID),
		Email:  claims.Email,
	}, nil
}
