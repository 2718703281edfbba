package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/auth"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type registerRequestPayload struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequestPayload struct {
	Refresh string `json:"refresh"`
}

type userPayload struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	IsStaff  bool   `json:"is_staff"`
}

type loginResponsePayload struct {
	Refresh   string      `json:"refresh"`
	Access    string      `json:"access"`
	ExpiresIn int64       `json:"expires_in"`
	TokenType string      `json:"token_type"`
	User      userPayload `json:"user"`
}

func newUserPayload(user users.User) userPayload {
	return userPayload{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		IsStaff:  user.IsStaff,
	}
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.users.Register(c.Request.Context(), users.Registration{
		Email:    request.Email,
		FullName: request.FullName,
		Password: request.Password,
	})
	switch {
	case errors.Is(err, users.ErrInvalidRegistration), errors.Is(err, users.ErrEmailTaken):
		c.JSON(http.StatusBadRequest, gin.H{"error": strings.TrimPrefix(err.Error(), "users: ")})
		return
	case err != nil:
		h.logger.Error("registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "User registered successfully.",
		"user":    newUserPayload(user),
	})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	switch {
	case errors.Is(err, users.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password."})
		return
	case errors.Is(err, users.ErrAccountDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "User account is disabled."})
		return
	case err != nil:
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	pair, err := h.tokens.IssueTokenPair(c.Request.Context(), users.PrincipalFor(user))
	if err != nil {
		h.logger.Error("failed to issue token pair", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		Refresh:   pair.RefreshToken,
		Access:    pair.AccessToken,
		ExpiresIn: pair.ExpiresIn,
		TokenType: "Bearer",
		User:      newUserPayload(user),
	})
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	var request refreshRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Refresh) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	access, expiresIn, err := h.tokens.RefreshAccessToken(c.Request.Context(), request.Refresh)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrRevokedToken) {
			h.logger.Info("refresh rejected", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"access": access, "expires_in": expiresIn, "token_type": "Bearer"})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	var request refreshRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Refresh) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "refresh token is required"})
		return
	}

	if err := h.tokens.Revoke(c.Request.Context(), request.Refresh); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Token is invalid or expired"})
			return
		}
		h.logger.Error("logout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "logout_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"detail": "Logout successful"})
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	principal := principalFrom(c)
	if err := h.reservations.RemoveUser(c.Request.Context(), principal, principal.UserID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted successfully."})
}
