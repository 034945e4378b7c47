package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a missing, malformed, expired or badly signed token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrEmptySecret signals the verifier was built without a signing secret.
	ErrEmptySecret = errors.New("auth: empty jwt secret")
)

// Verifier validates HS256 bearer tokens and yields the acting user id.
// Tokens are minted by the upstream account service; Issue exists for tools
// and tests.
type Verifier struct {
	jwtSecret []byte
	now       func() time.Time
}

// NewVerifier creates a verifier for tokens signed with jwtSecret.
func NewVerifier(jwtSecret string) (*Verifier, error) {
	if jwtSecret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{jwtSecret: []byte(jwtSecret), now: time.Now}, nil
}

// WithClock overrides the clock used for issuing and validating expiry.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// VerifyToken validates a JWT token and returns the user ID.
func (v *Verifier) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.jwtSecret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return userID, nil
}

// Issue signs a token for userID valid for ttl.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: empty user id")
	}
	now := v.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(v.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}
