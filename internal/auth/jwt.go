package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aviary-run/aviary/internal/db"
)

// Claims holds the custom JWT claims embedded in every access token.
// Standard claims (exp, iat, iss) are included via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is the numeric ID of the authenticated user.
	UserID uint64 `json:"uid"`

	// Username is included so the frontend does not need to fetch the user
	// profile just to display the logged-in identity.
	Username string `json:"username"`

	// Role is the user's role at token issuance time.
	// Access tokens are short-lived so role staleness is acceptable.
	Role db.Role `json:"role"`
}

// JWTManager handles HS256 signing and verification of access tokens.
// The signing secret is shared across all instances so any replica can
// verify tokens issued by another.
type JWTManager struct {
	secret   []byte
	issuer   string
	duration time.Duration
}

// NewJWTManager creates a JWTManager signing with the given secret.
// duration is how long issued access tokens remain valid.
func NewJWTManager(secret, issuer string, duration time.Duration) (*JWTManager, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret must not be empty")
	}
	if duration <= 0 {
		return nil, fmt.Errorf("auth: invalid token duration %v", duration)
	}
	return &JWTManager{
		secret:   []byte(secret),
		issuer:   issuer,
		duration: duration,
	}, nil
}

// GenerateAccessToken creates a signed HS256 JWT for the given user.
func (m *JWTManager) GenerateAccessToken(user *db.User) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatUint(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
			// JTI provides a unique identifier for this token instance.
			// Useful if token revocation via a denylist is added later.
			ID: uuid.NewString(),
		},
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}

	return signed, nil
}

// ValidateAccessToken parses and verifies a JWT string.
// Returns the embedded Claims on success, or a sentinel error on failure.
//
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered/malformed ones.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than HMAC.
			// This prevents the "alg:none" and key confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
