package handlers

import (
	"net/http"
	"strings"

	"rewear/models"
	"rewear/store"
	"rewear/upload"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type UpdateProfileRequest struct {
	Name     *string `json:"name" binding:"omitempty,min=2,max=50"`
	Username *string `json:"username" binding:"omitempty,min=3,max=30"`
	Bio      *string `json:"bio" binding:"omitempty,max=500"`
	Location *string `json:"location" binding:"omitempty,max=100"`
}

type AvatarURLRequest struct {
	AvatarURL string `json:"avatarUrl" binding:"required,url"`
}

func (h *Handler) GetMyProfile(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.respondStoreError(c, "GetMyProfile", err, "User not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) UpdateMyProfile(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req UpdateProfileRequest
	if !bindJSON(c, &req) {
		return
	}

	update := models.UserUpdate{
		Name:     trimmed(req.Name),
		Username: trimmed(req.Username),
		Bio:      trimmed(req.Bio),
		Location: trimmed(req.Location),
	}
	if update.Username != nil && strings.ContainsAny(*update.Username, " @/") {
		validationFailed(c, fieldError{Field: "username", Message: "username cannot contain spaces, @ or /"})
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	user, err := h.store.UpdateUser(ctx, userID, update)
	if err != nil {
		h.respondStoreError(c, "UpdateMyProfile", err, "User not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Profile updated successfully", "user": user})
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}

// GetMyPoints returns the balance, level progress and ledger, newest first.
func (h *Handler) GetMyPoints(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.respondStoreError(c, "GetMyPoints", err, "User not found")
		return
	}
	history, err := h.store.PointHistory(ctx, userID, clamp(queryInt(c, "limit", 50), 1, 100))
	if err != nil {
		h.serverError(c, "GetMyPoints", err)
		return
	}

	resp := gin.H{
		"points":  user.Points,
		"level":   user.Level,
		"levels":  models.LevelTiers,
		"history": history,
	}
	if next, missing, ok := models.NextLevel(user.Points); ok {
		resp["nextLevel"] = next
		resp["pointsToNextLevel"] = missing
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Leaderboard(c *gin.Context) {
	limit := clamp(queryInt(c, "limit", 10), 1, 50)

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	users, err := h.store.Leaderboard(ctx, limit)
	if err != nil {
		h.serverError(c, "Leaderboard", err)
		return
	}

	board := make([]gin.H, len(users))
	for i := range users {
		board[i] = gin.H{"rank": i + 1, "user": users[i].Public()}
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": board})
}

func (h *Handler) GetUser(c *gin.Context) {
	id, ok := pathID(c, "user")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	user, err := h.store.GetUser(ctx, id)
	if err != nil {
		h.respondStoreError(c, "GetUser", err, "User not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user.Public()})
}

// GetUserItems lists a user's live items. The owner also sees pending and
// swapped ones.
func (h *Handler) GetUserItems(c *gin.Context) {
	id, ok := pathID(c, "user")
	if !ok {
		return
	}

	filter := store.ItemFilter{
		UploaderID: &id,
		Page:       queryInt(c, "page", 1),
		Limit:      queryInt(c, "limit", 12),
	}
	if caller, ok := optionalUser(c); ok && caller == id {
		filter.Statuses = []models.ItemStatus{models.ItemPending, models.ItemAvailable, models.ItemSwapped}
		filter.AnyApproval = true
	}
	filter.Normalize()

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	if _, err := h.store.GetUser(ctx, id); err != nil {
		h.respondStoreError(c, "GetUserItems", err, "User not found")
		return
	}
	items, total, err := h.store.ListItems(ctx, filter)
	if err != nil {
		h.serverError(c, "GetUserItems", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":      items,
		"pagination": pagination(filter.Page, filter.Limit, total),
	})
}

// UpdateAvatar accepts either a multipart "avatar" file or {"avatarUrl"}.
func (h *Handler) UpdateAvatar(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "user")
	if !ok {
		return
	}
	if id != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "You can only change your own avatar"})
		return
	}

	ctx, cancel := requestContext(c, uploadTimeout)
	defer cancel()

	var avatar string
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("avatar")
		if err != nil {
			validationFailed(c, fieldError{Field: "avatar", Message: "avatar is required"})
			return
		}
		avatar, err = h.saveImage(ctx, fh, upload.FolderAvatars, userID.Hex())
		if err != nil {
			h.respondUploadError(c, "UpdateAvatar", err)
			return
		}
	} else {
		var req AvatarURLRequest
		if !bindJSON(c, &req) {
			return
		}
		avatar = req.AvatarURL
	}

	user, err := h.store.UpdateUser(ctx, userID, models.UserUpdate{Avatar: &avatar})
	if err != nil {
		h.respondStoreError(c, "UpdateAvatar", err, "User not found")
		return
	}
	h.logger.Debug("Avatar updated", zap.String("userId", userID.Hex()))
	c.JSON(http.StatusOK, gin.H{"message": "Avatar updated successfully", "user": user})
}
