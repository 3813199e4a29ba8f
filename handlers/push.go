package handlers

import (
	"net/http"
	"time"

	"rewear/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
}

func (h *Handler) VapidPublicKey(c *gin.Context) {
	if !h.cfg.PushEnabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Push notifications are not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.cfg.VAPIDPublicKey})
}

// SubscribePush stores the caller's browser subscription, replacing any
// earlier one.
func (h *Handler) SubscribePush(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req PushSubscriptionRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	sub := &models.PushSubscription{
		UserID:    userID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		UpdatedAt: time.Now().Unix(),
	}
	if err := h.store.SavePushSubscription(ctx, sub); err != nil {
		h.serverError(c, "SubscribePush", err)
		return
	}

	h.logger.Debug("Push subscription saved", zap.String("userId", userID.Hex()))
	c.JSON(http.StatusCreated, gin.H{"message": "Subscribed to push notifications"})
}

func (h *Handler) UnsubscribePush(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	ctx, cancel := requestContext(c, requestTimeout)
	defer cancel()

	if err := h.store.DeletePushSubscription(ctx, userID); err != nil {
		h.respondStoreError(c, "UnsubscribePush", err, "No push subscription found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Unsubscribed from push notifications"})
}
