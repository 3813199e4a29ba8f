package models

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type SwapType string

const (
	ItemForItem   SwapType = "item_for_item"
	ItemForPoints SwapType = "item_for_points"
	PointsForItem SwapType = "points_for_item"
)

// NeedsOfferedItem reports whether the requester has to put up an item.
func (t SwapType) NeedsOfferedItem() bool {
	return t == ItemForItem || t == PointsForItem
}

type SwapStatus string

const (
	SwapPending   SwapStatus = "pending"
	SwapAccepted  SwapStatus = "accepted"
	SwapRejected  SwapStatus = "rejected"
	SwapCompleted SwapStatus = "completed"
	SwapCancelled SwapStatus = "cancelled"
)

// OpenSwapStatuses are the statuses in which a swap still holds its items.
var OpenSwapStatuses = []SwapStatus{SwapPending, SwapAccepted}

var swapTransitions = map[SwapStatus][]SwapStatus{
	SwapPending:  {SwapAccepted, SwapRejected, SwapCancelled},
	SwapAccepted: {SwapCompleted, SwapCancelled},
}

func (s SwapStatus) Terminal() bool {
	return len(swapTransitions[s]) == 0
}

// CanTransition reports whether the transition table allows from -> to.
func CanTransition(from, to SwapStatus) bool {
	for _, next := range swapTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError explains a rejected status change.
type TransitionError struct {
	From SwapStatus
	To   SwapStatus
}

func (e *TransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("Cannot update a %s swap", e.From)
	}
	return fmt.Sprintf("Invalid status transition from %s to %s", e.From, e.To)
}

// CheckTransition returns a *TransitionError when from -> to is not allowed.
func CheckTransition(from, to SwapStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

type SwapMessage struct {
	SenderID  primitive.ObjectID `bson:"sender" json:"senderId"`
	Message   string             `bson:"message" json:"message"`
	CreatedAt int64              `bson:"createdAt" json:"createdAt"`
}

type SwapRating struct {
	Rating    int    `bson:"rating" json:"rating"`
	Feedback  string `bson:"feedback" json:"feedback"`
	CreatedAt int64  `bson:"createdAt" json:"createdAt"`
}

type Swap struct {
	ID              primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	RequesterID     primitive.ObjectID  `bson:"requester" json:"requesterId"`
	ProviderID      primitive.ObjectID  `bson:"provider" json:"providerId"`
	RequestedItemID primitive.ObjectID  `bson:"requestedItem" json:"requestedItemId"`
	OfferedItemID   *primitive.ObjectID `bson:"offeredItem,omitempty" json:"offeredItemId,omitempty"`
	SwapType        SwapType            `bson:"swapType" json:"swapType"`
	PointsInvolved  int                 `bson:"pointsInvolved" json:"pointsInvolved"`
	Status          SwapStatus          `bson:"status" json:"status"`
	Message         string              `bson:"message" json:"message"`
	Messages        []SwapMessage       `bson:"messages" json:"messages"`

	// RequesterRating is the rating the requester received from the provider,
	// ProviderRating the one the provider received from the requester.
	RequesterRating *SwapRating `bson:"requesterRating,omitempty" json:"requesterRating,omitempty"`
	ProviderRating  *SwapRating `bson:"providerRating,omitempty" json:"providerRating,omitempty"`

	CancelledBy  *primitive.ObjectID `bson:"cancelledBy,omitempty" json:"cancelledBy,omitempty"`
	CancelReason string              `bson:"cancelReason,omitempty" json:"cancelReason,omitempty"`

	CreatedAt   int64 `bson:"createdAt" json:"createdAt"`
	UpdatedAt   int64 `bson:"updatedAt" json:"updatedAt"`
	AcceptedAt  int64 `bson:"acceptedAt,omitempty" json:"acceptedAt,omitempty"`
	RejectedAt  int64 `bson:"rejectedAt,omitempty" json:"rejectedAt,omitempty"`
	CompletedAt int64 `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	CancelledAt int64 `bson:"cancelledAt,omitempty" json:"cancelledAt,omitempty"`

	// Populated in response only
	Requester     *UserSummary `bson:"-" json:"requester,omitempty"`
	Provider      *UserSummary `bson:"-" json:"provider,omitempty"`
	RequestedItem *Item        `bson:"-" json:"requestedItem,omitempty"`
	OfferedItem   *Item        `bson:"-" json:"offeredItem,omitempty"`
}

func (s *Swap) IsParticipant(userID primitive.ObjectID) bool {
	return s.RequesterID == userID || s.ProviderID == userID
}

// Counterpart returns the other participant.
func (s *Swap) Counterpart(userID primitive.ObjectID) primitive.ObjectID {
	if s.RequesterID == userID {
		return s.ProviderID
	}
	return s.RequesterID
}

// StatusTimeField names the stored timestamp field for status.
func StatusTimeField(status SwapStatus) string {
	switch status {
	case SwapAccepted:
		return "acceptedAt"
	case SwapRejected:
		return "rejectedAt"
	case SwapCompleted:
		return "completedAt"
	case SwapCancelled:
		return "cancelledAt"
	}
	return ""
}

// Settlement is what completing a swap moves between the two users.
type Settlement struct {
	Payer        primitive.ObjectID
	Payee        primitive.ObjectID
	Points       int
	RetiredItems []primitive.ObjectID
}

func (st Settlement) MovesPoints() bool {
	return st.Points > 0 && !st.Payer.IsZero()
}

// Settlement computes the plan for completing s.
//
// item_for_points: the requester pays the provider for the requested item.
// points_for_item: the provider pays the requester for the offered item.
// item_for_item: both items change hands, no points move.
func (s *Swap) Settlement() Settlement {
	var st Settlement
	switch s.SwapType {
	case ItemForPoints:
		st.Payer, st.Payee = s.RequesterID, s.ProviderID
		st.Points = s.PointsInvolved
		st.RetiredItems = []primitive.ObjectID{s.RequestedItemID}
	case PointsForItem:
		st.Payer, st.Payee = s.ProviderID, s.RequesterID
		st.Points = s.PointsInvolved
		if s.OfferedItemID != nil {
			st.RetiredItems = []primitive.ObjectID{*s.OfferedItemID}
		}
	default:
		st.RetiredItems = []primitive.ObjectID{s.RequestedItemID}
		if s.OfferedItemID != nil {
			st.RetiredItems = append(st.RetiredItems, *s.OfferedItemID)
		}
	}
	return st
}

// RatingFrom returns the slot a rating given by userID is stored in, and the
// user being rated.
func (s *Swap) RatingFrom(userID primitive.ObjectID) (slot string, rated primitive.ObjectID, existing *SwapRating) {
	if userID == s.RequesterID {
		return "providerRating", s.ProviderID, s.ProviderRating
	}
	return "requesterRating", s.RequesterID, s.RequesterRating
}
