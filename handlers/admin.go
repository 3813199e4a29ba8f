package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"rewear/models"
	"rewear/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ModerationQuery struct {
	Status string `form:"status" binding:"omitempty,itemstatus"`
	Page   int    `form:"page" binding:"omitempty,min=1"`
	Limit  int    `form:"limit" binding:"omitempty,min=1"`
}

type RejectItemRequest struct {
	Reason string `json:"reason" binding:"required,min=3,max=500"`
}

type AdjustPointsRequest struct {
	Change int    `json:"change" binding:"required,min=-10000,max=10000"`
	Note   string `json:"note" binding:"required,min=3,max=200"`
}

// ModerationQueue lists items by status for admins, pending by default,
// oldest first.
func (h *Handler) ModerationQueue(c *gin.Context) {
	var q ModerationQuery
	if !bindQuery(c, &q) {
		return
	}
	status := models.ItemStatus(q.Status)
	if status == "" {
		status = models.ItemPending
	}

	filter := store.ItemFilter{
		Statuses:    []models.ItemStatus{status},
		AnyApproval: true,
		Sort:        store.SortOldest,
		Page:        q.Page,
		Limit:       q.Limit,
	}
	filter.Normalize()

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	items, total, err := h.store.ListItems(ctx, filter)
	if err != nil {
		h.serverError(c, "ModerationQueue", err)
		return
	}
	h.attachUploaders(c, items)
	c.JSON(http.StatusOK, gin.H{
		"items":      items,
		"pagination": pagination(filter.Page, filter.Limit, total),
	})
}

func (h *Handler) ApproveItem(c *gin.Context) {
	h.moderate(c, true, "")
}

func (h *Handler) RejectItem(c *gin.Context) {
	var req RejectItemRequest
	if !bindJSON(c, &req) {
		return
	}
	h.moderate(c, false, strings.TrimSpace(req.Reason))
}

func (h *Handler) moderate(c *gin.Context, approve bool, reason string) {
	adminID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "item")
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	item, err := h.store.ModerateItem(ctx, id, approve, reason, h.cfg.ListingBonus, time.Now().Unix())
	if errors.Is(err, store.ErrConflict) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Item is not pending review"})
		return
	}
	if err != nil {
		h.respondStoreError(c, "ModerateItem", err, "Item not found")
		return
	}

	h.logger.Info("Item moderated",
		zap.String("itemId", id.Hex()),
		zap.String("adminId", adminID.Hex()),
		zap.Bool("approved", approve))
	h.notifier.ItemModerated(item)

	message := "Item approved"
	if !approve {
		message = "Item rejected"
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "item": item})
}

// AdjustPoints credits or debits a user's balance outside of a swap. A debit
// that would take the balance below zero is refused.
func (h *Handler) AdjustPoints(c *gin.Context) {
	adminID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "user")
	if !ok {
		return
	}
	var req AdjustPointsRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	user, err := h.store.AddPoints(ctx, store.PointCredit{
		UserID: id,
		Change: req.Change,
		Reason: models.PointsAdjustment,
	})
	if err != nil {
		h.respondStoreError(c, "AdjustPoints", err, "User not found")
		return
	}

	h.logger.Info("Points adjusted",
		zap.String("userId", id.Hex()),
		zap.String("adminId", adminID.Hex()),
		zap.Int("change", req.Change),
		zap.String("note", strings.TrimSpace(req.Note)))
	c.JSON(http.StatusOK, gin.H{
		"message": "Points adjusted",
		"points":  user.Points,
		"level":   user.Level,
	})
}
