package http

import (
	"net/http"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/errors"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler issues relay tokens for arbitrary identities. It trusts the
// caller completely and is only mounted in development setups.
type AuthHandler struct {
	authService ports.AuthService
	logger      *zap.SugaredLogger
}

func NewAuthHandler(authService ports.AuthService, logger *zap.SugaredLogger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		logger:      logger,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type IssueTokenRequest struct {
	UserID    string `json:"userId" binding:"required,max=128"`
	Username  string `json:"username" binding:"required,max=256"`
	AvatarURL string `json:"avatarUrl" binding:"omitempty,max=2048"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = utils.SanitizeString(req.Username)
	if err := validation.ValidateIdentifier(req.UserID, "userId"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.AvatarURL != "" {
		if err := validation.ValidateURL(req.AvatarURL); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	user := domain.User{
		ID:        domain.UserID(req.UserID),
		Username:  req.Username,
		AvatarURL: req.AvatarURL,
	}
	token, err := h.authService.GenerateToken(user)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	h.logger.Infow("issued relay token", "user_id", user.ID, "token", utils.MaskSensitive(token, 8))
	c.JSON(http.StatusCreated, gin.H{
		"userId":      user.ID,
		"username":    user.Username,
		"accessToken": token,
	})
}
