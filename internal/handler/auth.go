package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/auth"
)

// AuthHandler manages authentication endpoints
type AuthHandler struct {
	svc *auth.Service
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(svc *auth.Service) *AuthHandler {
	return &AuthHandler{svc: svc}
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Setup creates the initial admin user (only works when no users exist)
func (h *AuthHandler) Setup(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("Username and password are required"))
		return
	}
	user, err := h.svc.Setup(req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Admin user created successfully",
		"user":    user,
	})
}

// Login authenticates a user and returns a JWT token
func (h *AuthHandler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("Username and password are required"))
		return
	}
	token, user, err := h.svc.Login(c.ClientIP(), req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// NeedSetup reports whether the initial user still has to be created
func (h *AuthHandler) NeedSetup(c *gin.Context) {
	need, err := h.svc.NeedSetup()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"need_setup": need})
}

// Me returns the current user
func (h *AuthHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"id":       c.GetUint("user_id"),
		"username": c.GetString("username"),
		"is_admin": c.GetBool("is_admin"),
	})
}
