package models

import "go.mongodb.org/mongo-driver/bson/primitive"

const (
	PointsSignupBonus     = "signup_bonus"
	PointsListingApproved = "listing_approved"
	PointsSwapPayment     = "swap_payment"
	PointsSwapIncome      = "swap_income"
	PointsAdjustment      = "admin_adjustment"
)

// PointEntry is one line of a user's points ledger.
type PointEntry struct {
	ID           primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	UserID       primitive.ObjectID  `bson:"user" json:"userId"`
	Change       int                 `bson:"change" json:"change"`
	BalanceAfter int                 `bson:"balanceAfter" json:"balanceAfter"`
	Reason       string              `bson:"reason" json:"reason"`
	SwapID       *primitive.ObjectID `bson:"swap,omitempty" json:"swapId,omitempty"`
	ItemID       *primitive.ObjectID `bson:"item,omitempty" json:"itemId,omitempty"`
	CreatedAt    int64               `bson:"createdAt" json:"createdAt"`
}

// PushSubscription is a browser Web Push endpoint, one per user.
type PushSubscription struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID    primitive.ObjectID `bson:"userId" json:"userId"`
	Endpoint  string             `bson:"endpoint" json:"endpoint"`
	P256dh    string             `bson:"p256dh" json:"p256dh"`
	Auth      string             `bson:"auth" json:"auth"`
	UpdatedAt int64              `bson:"updatedAt" json:"updatedAt"`
}
