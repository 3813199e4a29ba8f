package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rewear/models"
	"rewear/store"
	"rewear/upload"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type ListItemsQuery struct {
	Category  string `form:"category" binding:"omitempty,itemcategory"`
	Size      string `form:"size" binding:"omitempty,itemsize"`
	Condition string `form:"condition" binding:"omitempty,itemcondition"`
	Type      string `form:"type" binding:"omitempty,itemtype"`
	MinPoints *int   `form:"minPoints" binding:"omitempty,min=0"`
	MaxPoints *int   `form:"maxPoints" binding:"omitempty,min=0"`
	Search    string `form:"search" binding:"max=100"`
	Sort      string `form:"sort" binding:"omitempty,itemsort"`
	Page      int    `form:"page" binding:"omitempty,min=1"`
	Limit     int    `form:"limit" binding:"omitempty,min=1"`
}

// CreateItemRequest binds from JSON or from a multipart form; image files
// in a form arrive separately under "images".
type CreateItemRequest struct {
	Title       string   `json:"title" form:"title" binding:"required,min=3,max=100"`
	Description string   `json:"description" form:"description" binding:"required,min=10,max=2000"`
	Category    string   `json:"category" form:"category" binding:"required,itemcategory"`
	Type        string   `json:"type" form:"type" binding:"required,itemtype"`
	Size        string   `json:"size" form:"size" binding:"required,itemsize"`
	Condition   string   `json:"condition" form:"condition" binding:"required,itemcondition"`
	Brand       string   `json:"brand" form:"brand" binding:"max=50"`
	Color       string   `json:"color" form:"color" binding:"max=30"`
	Tags        []string `json:"tags" form:"tags" binding:"max=10,dive,max=30"`
	Images      []string `json:"images" form:"-" binding:"max=5,dive,url"`
	Points      *int     `json:"points" form:"points" binding:"required,min=0,max=10000"`
}

type UpdateItemRequest struct {
	Title       *string  `json:"title" binding:"omitempty,min=3,max=100"`
	Description *string  `json:"description" binding:"omitempty,min=10,max=2000"`
	Category    *string  `json:"category" binding:"omitempty,itemcategory"`
	Type        *string  `json:"type" binding:"omitempty,itemtype"`
	Size        *string  `json:"size" binding:"omitempty,itemsize"`
	Condition   *string  `json:"condition" binding:"omitempty,itemcondition"`
	Brand       *string  `json:"brand" binding:"omitempty,max=50"`
	Color       *string  `json:"color" binding:"omitempty,max=30"`
	Tags        []string `json:"tags" binding:"omitempty,max=10,dive,max=30"`
	Images      []string `json:"images" binding:"omitempty,max=5,dive,url"`
	Points      *int     `json:"points" binding:"omitempty,min=0,max=10000"`
}

// normalizeTags lowercases, trims and dedupes tags. A single form value
// may carry a comma separated list.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, raw := range tags {
		for _, tag := range strings.Split(raw, ",") {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}

func (h *Handler) canSeeItem(c *gin.Context, item *models.Item) bool {
	if item.Listable() || isAdmin(c) {
		return true
	}
	caller, ok := optionalUser(c)
	return ok && caller == item.UploaderID
}

// attachUploaders fills in the uploader summary on each item.
func (h *Handler) attachUploaders(c *gin.Context, items []models.Item) {
	if len(items) == 0 {
		return
	}
	ids := make([]primitive.ObjectID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.UploaderID)
	}
	users, err := h.store.GetUsers(c.Request.Context(), ids)
	if err != nil {
		h.logger.Warn("Failed to load uploaders", zap.Error(err))
		return
	}
	for i := range items {
		if u, ok := users[items[i].UploaderID]; ok {
			items[i].Uploader = u.Summary()
		}
	}
}

func (h *Handler) ListItems(c *gin.Context) {
	var q ListItemsQuery
	if !bindQuery(c, &q) {
		return
	}
	if q.MinPoints != nil && q.MaxPoints != nil && *q.MinPoints > *q.MaxPoints {
		validationFailed(c, fieldError{Field: "minPoints", Message: "minPoints cannot exceed maxPoints"})
		return
	}

	filter := store.ItemFilter{
		Category:  q.Category,
		Size:      q.Size,
		Condition: q.Condition,
		Type:      q.Type,
		MinPoints: q.MinPoints,
		MaxPoints: q.MaxPoints,
		Search:    strings.TrimSpace(q.Search),
		Sort:      q.Sort,
		Page:      q.Page,
		Limit:     q.Limit,
	}
	filter.Normalize()

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	items, total, err := h.store.ListItems(ctx, filter)
	if err != nil {
		h.serverError(c, "ListItems", err)
		return
	}
	h.attachUploaders(c, items)

	c.JSON(http.StatusOK, gin.H{
		"items":      items,
		"pagination": pagination(filter.Page, filter.Limit, total),
	})
}

func (h *Handler) ItemCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"categories": models.ItemCategories,
		"sizes":      models.ItemSizes,
		"conditions": models.ItemConditions,
		"types":      models.ItemTypes,
		"sorts":      store.ItemSorts,
	})
}

func (h *Handler) GetItem(c *gin.Context) {
	id, ok := pathID(c, "item")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	item, err := h.store.GetItem(ctx, id)
	if err != nil {
		h.respondStoreError(c, "GetItem", err, "Item not found")
		return
	}
	if !h.canSeeItem(c, item) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
		return
	}

	if err := h.store.IncrementItemViews(ctx, id); err != nil {
		h.logger.Warn("Failed to count item view", zap.String("itemId", id.Hex()), zap.Error(err))
	} else {
		item.Views++
	}

	items := []models.Item{*item}
	h.attachUploaders(c, items)

	resp := gin.H{"item": items[0]}
	if caller, ok := optionalUser(c); ok {
		resp["liked"] = item.LikedBy(caller)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateItem(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	multipartForm := strings.HasPrefix(c.ContentType(), "multipart/")
	var req CreateItemRequest
	if multipartForm {
		if err := c.ShouldBind(&req); err != nil {
			bindFailed(c, err, "Invalid form data")
			return
		}
	} else if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := requestContext(c, uploadTimeout)
	defer cancel()

	now := time.Now().Unix()
	item := &models.Item{
		ID:          primitive.NewObjectID(),
		UploaderID:  userID,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Category:    req.Category,
		Type:        req.Type,
		Size:        req.Size,
		Condition:   req.Condition,
		Brand:       strings.TrimSpace(req.Brand),
		Color:       strings.TrimSpace(req.Color),
		Tags:        normalizeTags(req.Tags),
		Images:      req.Images,
		Points:      *req.Points,
		Status:      models.ItemPending,
		Likes:       []primitive.ObjectID{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if item.Images == nil {
		item.Images = []string{}
	}

	if multipartForm {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid form data"})
			return
		}
		files := form.File["images"]
		if len(item.Images)+len(files) > models.MaxItemImages {
			validationFailed(c, fieldError{Field: "images", Message: fmt.Sprintf("images must have at most %d entries", models.MaxItemImages)})
			return
		}
		for i, fh := range files {
			url, err := h.saveImage(ctx, fh, upload.FolderItems, fmt.Sprintf("%s_%d", item.ID.Hex(), i))
			if err != nil {
				h.respondUploadError(c, "CreateItem", err)
				return
			}
			item.Images = append(item.Images, url)
		}
	}

	if h.cfg.AutoApproveItems {
		item.Status = models.ItemAvailable
		item.IsApproved = true
	}

	if err := h.store.CreateItem(ctx, item, h.cfg.ListingBonus); err != nil {
		h.serverError(c, "CreateItem", err)
		return
	}

	message := "Item submitted for review"
	if item.IsApproved {
		message = "Item listed successfully"
	}
	h.logger.Info("Item created", zap.String("itemId", item.ID.Hex()), zap.String("status", string(item.Status)))
	c.JSON(http.StatusCreated, gin.H{"message": message, "item": item})
}

func (h *Handler) UpdateItem(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "item")
	if !ok {
		return
	}

	var req UpdateItemRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	item, err := h.store.GetItem(ctx, id)
	if err != nil {
		h.respondStoreError(c, "UpdateItem", err, "Item not found")
		return
	}
	if item.UploaderID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "You can only update your own items"})
		return
	}
	if item.Status == models.ItemSwapped || item.Status == models.ItemRemoved {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Cannot update a %s item", item.Status)})
		return
	}

	update := models.ItemUpdate{
		Title:       trimmed(req.Title),
		Description: trimmed(req.Description),
		Category:    req.Category,
		Type:        req.Type,
		Size:        req.Size,
		Condition:   req.Condition,
		Brand:       trimmed(req.Brand),
		Color:       trimmed(req.Color),
		Images:      req.Images,
		Points:      req.Points,
	}
	if req.Tags != nil {
		update.Tags = normalizeTags(req.Tags)
	}

	updated, err := h.store.UpdateItem(ctx, id, update, time.Now().Unix())
	if errors.Is(err, store.ErrConflict) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Item can no longer be edited"})
		return
	}
	if err != nil {
		h.respondStoreError(c, "UpdateItem", err, "Item not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Item updated successfully", "item": updated})
}

// DeleteItem retires the item. Owners and admins only.
func (h *Handler) DeleteItem(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "item")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	item, err := h.store.GetItem(ctx, id)
	if err != nil {
		h.respondStoreError(c, "DeleteItem", err, "Item not found")
		return
	}
	if item.UploaderID != userID && !isAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "You can only delete your own items"})
		return
	}
	switch item.Status {
	case models.ItemRemoved:
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
		return
	case models.ItemSwapped:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot delete a swapped item"})
		return
	}

	err = h.store.RemoveItem(ctx, id, userID, time.Now().Unix())
	if errors.Is(err, store.ErrConflict) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot delete an item with an accepted swap"})
		return
	}
	if err != nil {
		h.respondStoreError(c, "DeleteItem", err, "Item not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Item deleted successfully"})
}

func (h *Handler) ToggleLike(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "item")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	item, err := h.store.GetItem(ctx, id)
	if err != nil {
		h.respondStoreError(c, "ToggleLike", err, "Item not found")
		return
	}
	if !h.canSeeItem(c, item) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
		return
	}

	liked, count, err := h.store.ToggleItemLike(ctx, id, userID)
	if err != nil {
		h.respondStoreError(c, "ToggleLike", err, "Item not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"liked": liked, "likeCount": count})
}
