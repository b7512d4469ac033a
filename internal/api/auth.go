package api

import (
	"errors"
	"net/http"
	"net/mail"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-run/aviary/internal/auth"
	"github.com/aviary-run/aviary/internal/db"
	"github.com/aviary-run/aviary/internal/repositories"
)

// minPasswordLen is the minimum accepted password length at registration.
const minPasswordLen = 8

// AuthHandler groups the authentication endpoints.
type AuthHandler struct {
	svc    *auth.Service
	users  repositories.UserRepository
	logger *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(svc *auth.Service, users repositories.UserRepository, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		users:  users,
		logger: logger.Named("auth_handler"),
	}
}

// userResponse is the JSON representation of a user. The password hash is
// never serialized.
type userResponse struct {
	ID          uint64     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Role        db.Role    `json:"role"`
	IsActive    bool       `json:"isActive"`
	LastLoginAt *time.Time `json:"lastLoginAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func userToResponse(u *db.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Role:        u.Role,
		IsActive:    u.IsActive,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// tokenResponse carries an issued token pair.
type tokenResponse struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

func pairToResponse(pair *auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		RefreshTokenExpiresAt: pair.RefreshTokenExpiresAt,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type registerResponse struct {
	User   userResponse  `json:"user"`
	Tokens tokenResponse `json:"tokens"`
}

// Register handles POST /api/auth/register. On success the new account is
// logged in immediately and the token pair returned alongside the user.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Username == "" {
		Fail(w, http.StatusBadRequest, "username is required")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		Fail(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < minPasswordLen {
		Fail(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, err := h.svc.Register(r.Context(), auth.RegisterRequest{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     db.Role(req.Role),
	})
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			Fail(w, http.StatusConflict, "username or email already taken")
			return
		}
		h.logger.Error("registering user", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}

	_, pair, err := h.svc.Login(r.Context(),
		auth.LoginRequest{Username: req.Username, Password: req.Password},
		sessionMeta(r))
	if err != nil {
		h.logger.Error("issuing tokens after registration", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}

	Created(w, registerResponse{
		User:   userToResponse(user),
		Tokens: pairToResponse(pair),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User   userResponse  `json:"user"`
	Tokens tokenResponse `json:"tokens"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		Fail(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, pair, err := h.svc.Login(r.Context(),
		auth.LoginRequest{Username: req.Username, Password: req.Password},
		sessionMeta(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUserDisabled) {
			Fail(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("logging in user", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}

	Ok(w, loginResponse{
		User:   userToResponse(user),
		Tokens: pairToResponse(pair),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh handles POST /api/auth/refresh. The refresh token is rotated: the
// presented token is invalidated and a fresh pair is returned.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		Fail(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken, sessionMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRefreshTokenNotFound),
			errors.Is(err, auth.ErrTokenExpired),
			errors.Is(err, auth.ErrUserNotFound),
			errors.Is(err, auth.ErrUserDisabled):
			Fail(w, http.StatusUnauthorized, "invalid or expired refresh token")
		default:
			h.logger.Error("refreshing token", zap.Error(err))
			Fail(w, http.StatusInternalServerError, "an internal error occurred")
		}
		return
	}

	Ok(w, pairToResponse(pair))
}

// Logout handles POST /api/auth/logout. Invalidating an unknown token is a
// no-op so the endpoint is idempotent.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		h.logger.Error("logging out", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}
	OkMessage(w, "logged out")
}

// Profile handles GET /api/auth/profile.
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	user, err := h.users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Fail(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Error("fetching profile", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}

	Ok(w, userToResponse(user))
}

func sessionMeta(r *http.Request) auth.SessionMeta {
	return auth.SessionMeta{
		UserAgent: r.UserAgent(),
		IPAddress: r.RemoteAddr,
	}
}
