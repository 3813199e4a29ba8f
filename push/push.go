// Package push delivers Web Push notifications signed with the service's
// VAPID keys.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"rewear/models"
	"rewear/store"

	"github.com/SherClockHolmes/webpush-go"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Subscriptions is the slice of the store the sender reads and prunes.
type Subscriptions interface {
	GetPushSubscription(ctx context.Context, userID primitive.ObjectID) (*models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID primitive.ObjectID) error
}

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Type  string `json:"type,omitempty"`
}

// SendFunc matches webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

type Sender struct {
	subs       Subscriptions
	publicKey  string
	privateKey string
	subject    string
	send       SendFunc
	logger     *zap.Logger
}

func NewSender(subs Subscriptions, publicKey, privateKey, subject string, logger *zap.Logger) *Sender {
	return &Sender{
		subs:       subs,
		publicKey:  publicKey,
		privateKey: privateKey,
		subject:    subject,
		send:       webpush.SendNotificationWithContext,
		logger:     logger,
	}
}

// WithSendFunc replaces the transport, for tests.
func (s *Sender) WithSendFunc(fn SendFunc) *Sender {
	s.send = fn
	return s
}

// Send pushes n to the user's subscription, if any. An endpoint the push
// service reports as gone is deleted.
func (s *Sender) Send(ctx context.Context, userID primitive.ObjectID, n Notification) error {
	sub, err := s.subs.GetPushSubscription(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find subscription: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"title": n.Title,
		"body":  n.Body,
		"data": map[string]interface{}{
			"url":       n.URL,
			"type":      n.Type,
			"timestamp": time.Now().Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	resp, err := s.send(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             30,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		s.logger.Info("Push subscription expired, deleting", zap.String("userId", userID.Hex()))
		return s.subs.DeletePushSubscription(ctx, userID)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service answered %d", resp.StatusCode)
	}
	return nil
}

// GenerateKeys returns a fresh VAPID key pair.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
