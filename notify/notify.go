// Package notify fans swap and moderation events out to the realtime hub
// and to Web Push, off the request path.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"rewear/models"
	"rewear/push"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const previewRunes = 100

const (
	EventSwapRequested = "swap_requested"
	EventSwapStatus    = "swap_status"
	EventSwapMessage   = "swap_message"
	EventItemModerated = "item_moderated"
)

// Realtime delivers an event to a user's open connections.
type Realtime interface {
	SendToUser(userID, eventType string, payload interface{})
}

// Pusher delivers a Web Push notification.
type Pusher interface {
	Send(ctx context.Context, userID primitive.ObjectID, n push.Notification) error
}

// Notifier dispatches events in the background. Both sinks are optional.
type Notifier struct {
	realtime Realtime
	pusher   Pusher
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func New(realtime Realtime, pusher Pusher, logger *zap.Logger) *Notifier {
	return &Notifier{realtime: realtime, pusher: pusher, logger: logger}
}

// Wait blocks until every dispatched event has been delivered or dropped.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) dispatch(to primitive.ObjectID, event string, payload interface{}, note push.Notification) {
	if n == nil || (n.realtime == nil && n.pusher == nil) {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("Panic in notification", zap.Any("panic", r), zap.String("event", event))
			}
		}()

		if n.realtime != nil {
			n.realtime.SendToUser(to.Hex(), event, payload)
		}
		if n.pusher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			note.Type = event
			if err := n.pusher.Send(ctx, to, note); err != nil {
				n.logger.Warn("Push notification failed",
					zap.String("event", event),
					zap.String("userId", to.Hex()),
					zap.Error(err))
			}
		}
	}()
}

func swapURL(s *models.Swap) string {
	return "/swaps/" + s.ID.Hex()
}

// SwapRequested tells the provider about a new request.
func (n *Notifier) SwapRequested(s *models.Swap, requesterName, itemTitle string) {
	n.dispatch(s.ProviderID, EventSwapRequested, swapPayload(s), push.Notification{
		Title: "New swap request",
		Body:  fmt.Sprintf("%s wants to swap for your %s", nameOr(requesterName), itemTitle),
		URL:   swapURL(s),
	})
}

// SwapStatusChanged tells the participant who did not act.
func (n *Notifier) SwapStatusChanged(s *models.Swap, actor primitive.ObjectID) {
	n.dispatch(s.Counterpart(actor), EventSwapStatus, swapPayload(s), push.Notification{
		Title: "Swap " + string(s.Status),
		Body:  fmt.Sprintf("Your swap is now %s", s.Status),
		URL:   swapURL(s),
	})
}

// SwapMessage forwards a chat message to the other participant.
func (n *Notifier) SwapMessage(s *models.Swap, msg models.SwapMessage, senderName string) {
	n.dispatch(s.Counterpart(msg.SenderID), EventSwapMessage, map[string]interface{}{
		"swapId":  s.ID.Hex(),
		"message": msg,
	}, push.Notification{
		Title: nameOr(senderName) + " sent a message",
		Body:  preview(msg.Message, previewRunes),
		URL:   swapURL(s),
	})
}

// ItemModerated tells the uploader how moderation went.
func (n *Notifier) ItemModerated(item *models.Item) {
	title := "Your item was approved"
	body := item.Title + " is now live"
	if !item.IsApproved {
		title = "Your item was not approved"
		body = item.Title
		if item.RejectionReason != "" {
			body += ": " + item.RejectionReason
		}
	}
	n.dispatch(item.UploaderID, EventItemModerated, map[string]interface{}{
		"itemId":          item.ID.Hex(),
		"status":          item.Status,
		"isApproved":      item.IsApproved,
		"rejectionReason": item.RejectionReason,
	}, push.Notification{Title: title, Body: body, URL: "/items/" + item.ID.Hex()})
}

func swapPayload(s *models.Swap) map[string]interface{} {
	return map[string]interface{}{
		"swapId":   s.ID.Hex(),
		"status":   s.Status,
		"swapType": s.SwapType,
	}
}

func nameOr(name string) string {
	if name == "" {
		return "Someone"
	}
	return name
}

// preview cuts s to at most max runes.
func preview(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
