package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rewear/models"
	"rewear/store"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type CreateSwapRequest struct {
	RequestedItemID string          `json:"requestedItemId"`
	OfferedItemID   string          `json:"offeredItemId"`
	SwapType        models.SwapType `json:"swapType" binding:"required,swaptype"`
	PointsInvolved  *int            `json:"pointsInvolved" binding:"omitempty,min=0,max=10000"`
	Message         string          `json:"message" binding:"max=500"`
}

type ListSwapsQuery struct {
	Role   string `form:"role" binding:"omitempty,oneof=requester provider"`
	Status string `form:"status" binding:"omitempty,swapstatus"`
}

type UpdateSwapStatusRequest struct {
	Status models.SwapStatus `json:"status" binding:"required,oneof=accepted rejected completed"`
}

type CancelSwapRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

type SwapMessageRequest struct {
	Message string `json:"message" binding:"required,min=1,max=1000"`
}

type RateSwapRequest struct {
	Rating   int    `json:"rating" binding:"required,min=1,max=5"`
	Feedback string `json:"feedback" binding:"max=500"`
}

// CreateSwap handles POST /swaps.
func (h *Handler) CreateSwap(c *gin.Context) {
	var req CreateSwapRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.RequestedItemID == "" {
		validationFailed(c, fieldError{Field: "requestedItemId", Message: "requestedItemId is required"})
		return
	}
	itemID, err := primitive.ObjectIDFromHex(req.RequestedItemID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid item ID"})
		return
	}
	h.requestSwap(c, itemID, req)
}

// RequestSwapForItem handles POST /items/:id/swap-request.
func (h *Handler) RequestSwapForItem(c *gin.Context) {
	itemID, ok := pathID(c, "item")
	if !ok {
		return
	}
	var req CreateSwapRequest
	if !bindJSON(c, &req) {
		return
	}
	h.requestSwap(c, itemID, req)
}

func (h *Handler) requestSwap(c *gin.Context, itemID primitive.ObjectID, req CreateSwapRequest) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	item, err := h.store.GetItem(ctx, itemID)
	if err != nil {
		h.respondStoreError(c, "CreateSwap", err, "Item not found")
		return
	}
	if item.Status == models.ItemRemoved {
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
		return
	}
	if !item.Listable() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Item is not available for swap"})
		return
	}
	if item.UploaderID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot request swap for your own item"})
		return
	}

	open, err := h.store.HasOpenSwap(ctx, userID, itemID)
	if err != nil {
		h.serverError(c, "CreateSwap", err)
		return
	}
	if open {
		c.JSON(http.StatusBadRequest, gin.H{"error": "You already have a pending swap request for this item"})
		return
	}

	requester, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.respondStoreError(c, "CreateSwap", err, "User not found")
		return
	}

	now := time.Now().Unix()
	swap := &models.Swap{
		ID:              primitive.NewObjectID(),
		RequesterID:     userID,
		ProviderID:      item.UploaderID,
		RequestedItemID: item.ID,
		SwapType:        req.SwapType,
		Status:          models.SwapPending,
		Message:         strings.TrimSpace(req.Message),
		Messages:        []models.SwapMessage{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var offered *models.Item
	if req.SwapType.NeedsOfferedItem() {
		if req.OfferedItemID == "" {
			validationFailed(c, fieldError{Field: "offeredItemId", Message: "offeredItemId is required for " + string(req.SwapType)})
			return
		}
		offeredID, err := primitive.ObjectIDFromHex(req.OfferedItemID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offered item ID"})
			return
		}
		offered, err = h.store.GetItem(ctx, offeredID)
		if err != nil {
			h.respondStoreError(c, "CreateSwap", err, "Offered item not found")
			return
		}
		if offered.UploaderID != userID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "You can only offer your own items"})
			return
		}
		if !offered.Listable() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Offered item is not available for swap"})
			return
		}
		swap.OfferedItemID = &offered.ID
	}

	// The payer has to cover the price now; completion checks again.
	var payer *models.User
	switch req.SwapType {
	case models.ItemForPoints:
		swap.PointsInvolved = pointsOr(req.PointsInvolved, item.Points)
		payer = requester
	case models.PointsForItem:
		swap.PointsInvolved = pointsOr(req.PointsInvolved, offered.Points)
		payer, err = h.store.GetUser(ctx, item.UploaderID)
		if err != nil {
			h.respondStoreError(c, "CreateSwap", err, "Item owner not found")
			return
		}
	}
	if payer != nil {
		if swap.PointsInvolved <= 0 {
			validationFailed(c, fieldError{Field: "pointsInvolved", Message: "pointsInvolved must be greater than 0"})
			return
		}
		if payer.Points < swap.PointsInvolved {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":     "Insufficient points",
				"required":  swap.PointsInvolved,
				"available": payer.Points,
			})
			return
		}
	}

	if err := h.store.CreateSwap(ctx, swap); err != nil {
		h.serverError(c, "CreateSwap", err)
		return
	}

	h.logger.Info("Swap requested",
		zap.String("swapId", swap.ID.Hex()),
		zap.String("swapType", string(swap.SwapType)),
		zap.Int("points", swap.PointsInvolved))
	h.notifier.SwapRequested(swap, requester.Name, item.Title)

	c.JSON(http.StatusCreated, gin.H{"message": "Swap request sent successfully", "swap": swap})
}

func pointsOr(requested *int, fallback int) int {
	if requested != nil && *requested > 0 {
		return *requested
	}
	return fallback
}

// populateSwaps attaches participant summaries and items for display.
func (h *Handler) populateSwaps(c *gin.Context, swaps []models.Swap) {
	if len(swaps) == 0 {
		return
	}
	var userIDs, itemIDs []primitive.ObjectID
	for _, s := range swaps {
		userIDs = append(userIDs, s.RequesterID, s.ProviderID)
		itemIDs = append(itemIDs, s.RequestedItemID)
		if s.OfferedItemID != nil {
			itemIDs = append(itemIDs, *s.OfferedItemID)
		}
	}

	ctx := c.Request.Context()
	users, err := h.store.GetUsers(ctx, userIDs)
	if err != nil {
		h.logger.Warn("Failed to load swap participants", zap.Error(err))
		users = nil
	}
	items, err := h.store.GetItems(ctx, itemIDs)
	if err != nil {
		h.logger.Warn("Failed to load swap items", zap.Error(err))
		items = nil
	}

	for i := range swaps {
		s := &swaps[i]
		if u, ok := users[s.RequesterID]; ok {
			s.Requester = u.Summary()
		}
		if u, ok := users[s.ProviderID]; ok {
			s.Provider = u.Summary()
		}
		s.RequestedItem = items[s.RequestedItemID]
		if s.OfferedItemID != nil {
			s.OfferedItem = items[*s.OfferedItemID]
		}
	}
}

func (h *Handler) ListSwaps(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var q ListSwapsQuery
	if !bindQuery(c, &q) {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	swaps, err := h.store.ListSwaps(ctx, store.SwapFilter{
		UserID: userID,
		Role:   q.Role,
		Status: models.SwapStatus(q.Status),
	})
	if err != nil {
		h.serverError(c, "ListSwaps", err)
		return
	}
	h.populateSwaps(c, swaps)
	c.JSON(http.StatusOK, gin.H{"swaps": swaps, "count": len(swaps)})
}

// loadSwap fetches the swap in the path and checks the caller takes part
// in it. Admins may read any swap when allowAdmin is set.
func (h *Handler) loadSwap(c *gin.Context, op string, allowAdmin bool) (*models.Swap, primitive.ObjectID, bool) {
	userID, ok := currentUser(c)
	if !ok {
		return nil, userID, false
	}
	id, ok := pathID(c, "swap")
	if !ok {
		return nil, userID, false
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	swap, err := h.store.GetSwap(ctx, id)
	if err != nil {
		h.respondStoreError(c, op, err, "Swap not found")
		return nil, userID, false
	}
	if !swap.IsParticipant(userID) && !(allowAdmin && isAdmin(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "You are not part of this swap"})
		return nil, userID, false
	}
	return swap, userID, true
}

func (h *Handler) GetSwap(c *gin.Context) {
	swap, _, ok := h.loadSwap(c, "GetSwap", true)
	if !ok {
		return
	}
	swaps := []models.Swap{*swap}
	h.populateSwaps(c, swaps)
	c.JSON(http.StatusOK, gin.H{"swap": swaps[0]})
}

// UpdateSwapStatus lets the provider accept, reject or complete a swap.
func (h *Handler) UpdateSwapStatus(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "swap")
	if !ok {
		return
	}
	var req UpdateSwapStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	swap, err := h.store.GetSwap(ctx, id)
	if err != nil {
		h.respondStoreError(c, "UpdateSwapStatus", err, "Swap not found")
		return
	}
	if swap.ProviderID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the item owner can update this swap"})
		return
	}
	if err := models.CheckTransition(swap.Status, req.Status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var updated *models.Swap
	if req.Status == models.SwapCompleted {
		updated, err = h.store.CompleteSwap(ctx, id, time.Now().Unix())
	} else {
		updated, err = h.store.TransitionSwap(ctx, id, swap.Status, req.Status, userID, "", time.Now().Unix())
	}
	switch {
	case errors.Is(err, store.ErrInsufficientPoints):
		c.JSON(http.StatusConflict, gin.H{"error": "Insufficient points to complete swap"})
		return
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Swap was updated by another request"})
		return
	case err != nil:
		h.respondStoreError(c, "UpdateSwapStatus", err, "Swap not found")
		return
	}

	h.logger.Info("Swap status changed",
		zap.String("swapId", id.Hex()),
		zap.String("from", string(swap.Status)),
		zap.String("to", string(updated.Status)))
	h.notifier.SwapStatusChanged(updated, userID)

	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Swap %s successfully", updated.Status), "swap": updated})
}

// CancelSwap lets either participant back out of an open swap.
func (h *Handler) CancelSwap(c *gin.Context) {
	var req CancelSwapRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	swap, userID, ok := h.loadSwap(c, "CancelSwap", false)
	if !ok {
		return
	}
	if err := models.CheckTransition(swap.Status, models.SwapCancelled); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	updated, err := h.store.TransitionSwap(ctx, swap.ID, swap.Status, models.SwapCancelled, userID,
		strings.TrimSpace(req.Reason), time.Now().Unix())
	if errors.Is(err, store.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "Swap was updated by another request"})
		return
	}
	if err != nil {
		h.respondStoreError(c, "CancelSwap", err, "Swap not found")
		return
	}

	h.notifier.SwapStatusChanged(updated, userID)
	c.JSON(http.StatusOK, gin.H{"message": "Swap cancelled successfully", "swap": updated})
}

func (h *Handler) AddSwapMessage(c *gin.Context) {
	var req SwapMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		validationFailed(c, fieldError{Field: "message", Message: "message is required"})
		return
	}
	swap, userID, ok := h.loadSwap(c, "AddSwapMessage", false)
	if !ok {
		return
	}
	if swap.Status == models.SwapCancelled || swap.Status == models.SwapRejected {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Cannot send messages on a %s swap", swap.Status)})
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	msg := models.SwapMessage{SenderID: userID, Message: text, CreatedAt: time.Now().Unix()}
	updated, err := h.store.AddSwapMessage(ctx, swap.ID, msg)
	if err != nil {
		h.respondStoreError(c, "AddSwapMessage", err, "Swap not found")
		return
	}

	senderName := ""
	if sender, err := h.store.GetUser(ctx, userID); err == nil {
		senderName = sender.Name
	}
	h.notifier.SwapMessage(updated, msg, senderName)

	c.JSON(http.StatusCreated, gin.H{"message": "Message sent", "swap": updated})
}

// RateSwap records the caller's rating of the other participant.
func (h *Handler) RateSwap(c *gin.Context) {
	var req RateSwapRequest
	if !bindJSON(c, &req) {
		return
	}
	swap, userID, ok := h.loadSwap(c, "RateSwap", false)
	if !ok {
		return
	}
	if swap.Status != models.SwapCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Can only rate completed swaps"})
		return
	}
	if _, _, existing := swap.RatingFrom(userID); existing != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "You have already rated this swap"})
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	rated, err := h.store.RateSwap(ctx, swap.ID, userID, models.SwapRating{
		Rating:    req.Rating,
		Feedback:  strings.TrimSpace(req.Feedback),
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		h.respondStoreError(c, "RateSwap", err, "Swap not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rating submitted successfully", "swap": rated})
}
