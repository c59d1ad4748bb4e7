package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meetingpro/agent/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims holds the meeting-backend-issued JWT claims. The role claim is the
// participant's meeting role and feeds the tracking mode derivation.
type Claims struct {
	UserID   string      `json:"user_id"`
	UserName string      `json:"user_name"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates tokens minted by the meeting backend. The agent never
// issues tokens itself; Generate exists for local integration testing only.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier with the shared HS256 secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Validate parses and validates a token, returning claims or error.
func (v *Verifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	switch claims.Role {
	case models.RoleHost, models.RoleCoHost, models.RoleParticipant:
	default:
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Generate mints a token for tests and local development.
func (v *Verifier) Generate(userID, userName string, role models.Role, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:   userID,
		UserName: userName,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
