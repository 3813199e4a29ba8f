package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"rewear/models"
	"rewear/store"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type SignupRequest struct {
	Name     string `json:"name" binding:"required,min=2,max=50"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6,max=72"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// usernameFromEmail derives a starting username from the local part of an
// email address.
func usernameFromEmail(email string) string {
	local, _, found := strings.Cut(email, "@")
	if !found || local == "" {
		return "user_" + primitive.NewObjectID().Hex()[:8]
	}
	local = strings.ToLower(strings.ReplaceAll(local, ".", ""))
	return local + "_" + primitive.NewObjectID().Hex()[18:22]
}

// newUser fills in the fields every account starts with.
func (h *Handler) newUser(email, name, provider string) *models.User {
	now := time.Now().Unix()
	role := models.RoleUser
	if h.cfg.IsAdminEmail(email) {
		role = models.RoleAdmin
	}
	return &models.User{
		ID:           primitive.NewObjectID(),
		Email:        email,
		AuthProvider: provider,
		Role:         role,
		Name:         strings.TrimSpace(name),
		Username:     usernameFromEmail(email),
		Points:       h.cfg.SignupBonus,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastSeen:     now,
	}
}

func (h *Handler) respondWithToken(c *gin.Context, status int, user *models.User, message string) {
	token, err := h.auth.IssueToken(user.ID.Hex(), user.Role)
	if err != nil {
		h.serverError(c, "IssueToken", err)
		return
	}
	c.JSON(status, gin.H{
		"message": message,
		"token":   token,
		"user":    user,
	})
}

func (h *Handler) Signup(c *gin.Context) {
	var req SignupRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.serverError(c, "Signup", err)
		return
	}
	hashed := string(hashedPassword)

	user := h.newUser(strings.ToLower(strings.TrimSpace(req.Email)), req.Name, models.AuthProviderEmail)
	user.PasswordHash = &hashed

	if err := h.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "Email already in use"})
			return
		}
		h.serverError(c, "Signup", err)
		return
	}

	h.logger.Info("User signed up", zap.String("userId", user.ID.Hex()), zap.String("role", user.Role))
	h.respondWithToken(c, http.StatusCreated, user, "User created successfully")
}

func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	user, err := h.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}
	if err != nil {
		h.serverError(c, "Login", err)
		return
	}

	// Google accounts have no password to check against.
	if user.PasswordHash == nil ||
		bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	now := time.Now().Unix()
	if err := h.store.TouchUser(ctx, user.ID, now); err != nil {
		h.logger.Warn("Failed to update last seen", zap.String("userId", user.ID.Hex()), zap.Error(err))
	}
	user.LastSeen = now

	h.respondWithToken(c, http.StatusOK, user, "Login successful")
}
