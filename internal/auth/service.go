package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/repositories"
)

const (
	// argon2Time is the number of iterations (time cost) for Argon2id.
	// OWASP minimum recommendation is 1; 2 provides a better security margin.
	argon2Time = 2

	// argon2Memory is the memory cost in KiB for Argon2id (64 MiB).
	argon2Memory = 64 * 1024

	// argon2Threads is the parallelism factor for Argon2id.
	argon2Threads = 2

	// argon2KeyLen is the output hash length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16

	// refreshTokenBytes is the length of the random refresh token before
	// hex encoding.
	refreshTokenBytes = 32
)

// RegisterRequest carries the fields needed to create a local account.
type RegisterRequest struct {
	Username string
	Email    string
	Password string
	Role     db.Role
}

// LoginRequest carries username/password credentials.
type LoginRequest struct {
	Username string
	Password string
}

// SessionMeta records where a session was created from, for auditing.
type SessionMeta struct {
	UserAgent string
	IPAddress string
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken           string
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// Service authenticates users via username/password stored in the database.
// Passwords are hashed with Argon2id. Refresh tokens are stored as SHA-256
// hashes so the raw token is never persisted.
type Service struct {
	users      repositories.UserRepository
	sessions   repositories.SessionRepository
	jwtManager *JWTManager
	refreshTTL time.Duration
}

// NewService creates an auth Service with the given dependencies.
// refreshTTL is how long issued refresh tokens remain valid.
func NewService(
	users repositories.UserRepository,
	sessions repositories.SessionRepository,
	jwtManager *JWTManager,
	refreshTTL time.Duration,
) *Service {
	return &Service{
		users:      users,
		sessions:   sessions,
		jwtManager: jwtManager,
		refreshTTL: refreshTTL,
	}
}

// Register creates a new local user account with a hashed password.
// Accounts default to the viewer role unless a valid role is requested.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*db.User, error) {
	role := req.Role
	if !role.Valid() {
		role = db.RoleViewer
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &db.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("auth: creating user: %w", err)
	}
	return user, nil
}

// Login validates username/password and returns a token pair on success.
func (s *Service) Login(ctx context.Context, req LoginRequest, meta SessionMeta) (*db.User, *TokenPair, error) {
	user, err := s.users.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Return ErrInvalidCredentials instead of ErrUserNotFound to avoid
			// leaking whether the username is registered (user enumeration).
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("auth: fetching user by username: %w", err)
	}

	if !user.IsActive {
		return nil, nil, ErrUserDisabled
	}

	if !verifyPassword(req.Password, user.PasswordHash) {
		return nil, nil, ErrInvalidCredentials
	}

	now := time.Now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, nil, fmt.Errorf("auth: recording last login: %w", err)
	}
	user.LastLoginAt = &now

	pair, err := s.issueTokenPair(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Refresh validates a refresh token, rotates it, and issues a new token pair.
// The old token is deleted before issuing the new one — if the issue fails
// the user must log in again. This prevents replay even on partial failures.
func (s *Service) Refresh(ctx context.Context, rawToken string, meta SessionMeta) (*TokenPair, error) {
	tokenHash := hashRefreshToken(rawToken)

	stored, err := s.sessions.GetByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("auth: fetching refresh token: %w", err)
	}

	// Delete before issuing the new pair.
	if err := s.sessions.DeleteByHash(ctx, tokenHash); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("auth: deleting old refresh token: %w", err)
	}

	if time.Now().After(stored.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("auth: fetching user for token refresh: %w", err)
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	return s.issueTokenPair(ctx, user, meta)
}

// Logout invalidates the given refresh token.
// If the token does not exist the call is a no-op — the client should clear
// its stored token regardless.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	tokenHash := hashRefreshToken(rawToken)

	if err := s.sessions.DeleteByHash(ctx, tokenHash); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("auth: revoking refresh token on logout: %w", err)
	}
	return nil
}

// PurgeExpiredSessions removes sessions whose refresh token has expired.
// Called periodically by the scheduler.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return s.sessions.DeleteExpired(ctx, time.Now())
}

// issueTokenPair generates a new access token and refresh token, persists
// the refresh token hash, and returns both as a TokenPair.
func (s *Service) issueTokenPair(ctx context.Context, user *db.User, meta SessionMeta) (*TokenPair, error) {
	accessToken, err := s.jwtManager.GenerateAccessToken(user)
	if err != nil {
		return nil, err
	}

	rawRefresh, err := generateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("auth: generating refresh token: %w", err)
	}

	expiresAt := time.Now().Add(s.refreshTTL)

	if err := s.sessions.Create(ctx, &db.UserSession{
		UserID:    user.ID,
		TokenHash: hashRefreshToken(rawRefresh),
		ExpiresAt: expiresAt,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	}); err != nil {
		return nil, fmt.Errorf("auth: persisting refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:           accessToken,
		RefreshToken:          rawRefresh,
		RefreshTokenExpiresAt: expiresAt,
	}, nil
}

// HashPassword returns an Argon2id hash of the given plaintext password.
// Exported so user provisioning tooling can hash passwords without the full
// service.
//
// Format: saltHex:hashHex
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating password salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// verifyPassword checks a plaintext password against a stored Argon2id hash.
// Returns false if the hash format is invalid rather than propagating an
// error, since an invalid hash means authentication must fail.
func verifyPassword(password, stored string) bool {
	saltHex, hashHex, ok := splitHash(stored)
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}

	expectedHash, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}

	actual := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expectedHash)))

	return subtle.ConstantTimeCompare(actual, expectedHash) == 1
}

// hashRefreshToken returns the SHA-256 hex digest of a raw refresh token.
// Only the hash is stored in the database.
func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// generateRefreshToken returns a cryptographically random hex-encoded token.
func generateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// splitHash splits a "saltHex:hashHex" string into its two components.
func splitHash(s string) (salt, hash string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
