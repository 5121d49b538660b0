// internal/handlers/auth/auth_handler.go
package auth

import (
	"net/http"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/middleware"
	"civicreport-service/internal/pkg/response"
	authUsecase "civicreport-service/internal/service/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AuthHandler struct {
	authService *authUsecase.AuthService
	logger      *zap.Logger
}

func NewAuthHandler(authService *authUsecase.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		logger:      logger,
	}
}

// ========== Registration ==========

// Register handles citizen registration (public endpoint)
func (h *AuthHandler) Register(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	req.IPAddress = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	loginResp, err := h.authService.Register(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("registration failed",
			zap.String("email", req.Email),
			zap.Error(err),
		)
		response.FromError(c, "registration failed", err)
		return
	}

	response.Success(c, http.StatusCreated, "registration successful", loginResp)
}

// CreateStaff provisions staff and admin accounts (admin only)
func (h *AuthHandler) CreateStaff(c *gin.Context) {
	var req auth.CreateStaffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	info, err := h.authService.CreateStaff(c.Request.Context(), &req)
	if err != nil {
		response.FromError(c, "failed to create account", err)
		return
	}

	response.Success(c, http.StatusCreated, "account created", info)
}

// ========== Login ==========

// Login authenticates inside the identity space named by the path.
func (h *AuthHandler) Login(c *gin.Context) {
	space, err := auth.ParseSpace(c.Param("space"))
	if err != nil {
		response.ValidationError(c, "unknown identity space", err)
		return
	}

	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	req.Space = space
	req.IPAddress = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	loginResp, err := h.authService.Login(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("login failed",
			zap.String("email", req.Email),
			zap.String("space", string(space)),
			zap.String("ip", req.IPAddress),
			zap.Error(err),
		)
		response.FromError(c, "login failed", err)
		return
	}

	h.logger.Info("user logged in",
		zap.String("user_id", loginResp.User.ID),
		zap.String("space", string(space)),
	)

	response.Success(c, http.StatusOK, "login successful", loginResp)
}

// ========== Logout ==========

// Logout revokes the presented token (requires auth)
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := middleware.MustGetClaims(c)

	if err := h.authService.Logout(c.Request.Context(), claims); err != nil {
		h.logger.Error("logout failed",
			zap.String("user_id", claims.SubjectID()),
			zap.Error(err),
		)
		response.Error(c, http.StatusInternalServerError, "logout failed", err)
		return
	}

	response.Success(c, http.StatusOK, "logout successful", nil)
}

// GetMe returns the signed-in account (requires auth)
func (h *AuthHandler) GetMe(c *gin.Context) {
	claims := middleware.MustGetClaims(c)

	info, err := h.authService.GetMe(c.Request.Context(), claims.SubjectID())
	if err != nil {
		response.FromError(c, "failed to get account", err)
		return
	}

	response.Success(c, http.StatusOK, "account retrieved", info)
}
