package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nexus-run/orchestrator/internal/apierr"
	"github.com/nexus-run/orchestrator/internal/auth"
	"github.com/nexus-run/orchestrator/internal/models"
	"github.com/nexus-run/orchestrator/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler handles signup, login, and refresh — the only endpoints that
// don't go through AuthMiddleware, since the caller doesn't have a session
// token yet (signup/login) or is presenting a refresh token instead of an
// access token (refresh).
type AuthHandler struct {
	userRepo        repository.UserRepository
	sessionKey      string
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	logger          *zap.Logger
}

func NewAuthHandler(userRepo repository.UserRepository, sessionKey string, accessTTL, refreshTTL time.Duration, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		userRepo:        userRepo,
		sessionKey:      sessionKey,
		accessTokenTTL:  accessTTL,
		refreshTokenTTL: refreshTTL,
		logger:          logger,
	}
}

type signupRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// sessionTokens is the token pair minted on every successful auth call.
type sessionTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// authResponse is what signup and login return: the user alongside the
// tokens. Refresh returns the bare token pair — the caller already knows
// who they are.
type authResponse struct {
	User   *models.User  `json:"user"`
	Tokens sessionTokens `json:"tokens"`
}

// Signup handles POST /v1/auth/signup.
func (h *AuthHandler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, apierr.NewValidation("invalid_request", err.Error()))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash password", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("signup_failed", "signup failed", err))
		return
	}

	user, err := h.userRepo.Create(c.Request.Context(), req.Email, string(hash))
	if err != nil {
		var pgErr *pgconn.PgError
		if isUniqueViolation(err, &pgErr) {
			apierr.Respond(c, apierr.NewConflict("email_taken", "email already registered"))
			return
		}
		h.logger.Error("create user", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("signup_failed", "signup failed", err))
		return
	}

	tokens, ok := h.mintSession(c, user.ID)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, authResponse{User: user, Tokens: *tokens})
}

// Login handles POST /v1/auth/login. Both "no such user" and "wrong
// password" return the same message — telling them apart leaks which
// emails are registered.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, apierr.NewValidation("invalid_request", err.Error()))
		return
	}

	user, err := h.userRepo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		h.logger.Error("find user", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("login_failed", "login failed", err))
		return
	}
	if user == nil {
		apierr.Respond(c, apierr.NewAuthorization("invalid_credentials", "invalid email or password"))
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		apierr.Respond(c, apierr.NewAuthorization("invalid_credentials", "invalid email or password"))
		return
	}

	tokens, ok := h.mintSession(c, user.ID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, authResponse{User: user, Tokens: *tokens})
}

// Refresh handles POST /v1/auth/refresh. Refresh tokens are single-use: the
// token's jti must match users.current_refresh_jti, and a successful
// refresh immediately overwrites it with a freshly minted jti — a stolen
// refresh token stops working the moment its legitimate owner refreshes.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Respond(c, apierr.NewValidation("invalid_request", err.Error()))
		return
	}

	claims, err := auth.ParseToken(req.RefreshToken, h.sessionKey)
	if err != nil || claims.Type != auth.TokenRefresh {
		apierr.Respond(c, apierr.NewAuthorization("invalid_token", "invalid or expired refresh token"))
		return
	}

	user, err := h.userRepo.GetByID(c.Request.Context(), claims.Subject)
	if err != nil {
		h.logger.Error("find user", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("refresh_failed", "refresh failed", err))
		return
	}
	if user == nil || claims.ID == "" || claims.ID != user.CurrentRefreshJTI {
		apierr.Respond(c, apierr.NewAuthorization("invalid_token", "invalid or expired refresh token"))
		return
	}

	tokens, ok := h.mintSession(c, user.ID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// mintSession generates the access/refresh pair for userID and records the
// refresh jti. On failure it writes the error response itself and returns
// ok=false.
func (h *AuthHandler) mintSession(c *gin.Context, userID string) (*sessionTokens, bool) {
	access, err := auth.GenerateToken(userID, auth.TokenAccess, h.sessionKey, h.accessTokenTTL)
	if err != nil {
		h.logger.Error("generate access token", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("token_failed", "failed to issue session", err))
		return nil, false
	}
	refresh, err := auth.GenerateToken(userID, auth.TokenRefresh, h.sessionKey, h.refreshTokenTTL)
	if err != nil {
		h.logger.Error("generate refresh token", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("token_failed", "failed to issue session", err))
		return nil, false
	}

	refreshClaims, err := auth.ParseToken(refresh, h.sessionKey)
	if err != nil {
		h.logger.Error("parse freshly minted refresh token", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("token_failed", "failed to issue session", err))
		return nil, false
	}
	if err := h.userRepo.SetCurrentRefreshJTI(c.Request.Context(), userID, refreshClaims.ID); err != nil {
		h.logger.Error("record refresh jti", zap.Error(err))
		apierr.Respond(c, apierr.NewFatal("token_failed", "failed to issue session", err))
		return nil, false
	}

	return &sessionTokens{AccessToken: access, RefreshToken: refresh}, true
}
