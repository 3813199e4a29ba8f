package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"rewear/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// jsonList stores a slice as a JSON text column.
type jsonList[T any] []T

func (l jsonList[T]) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]T(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *jsonList[T]) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*l = jsonList[T]{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("jsonList: unsupported source %T", src)
	}
	return json.Unmarshal(b, (*[]T)(l))
}

func (jsonList[T]) GormDataType() string {
	return "text"
}

type userRow struct {
	ID           string `gorm:"primaryKey;size:24"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash *string
	AuthProvider string
	GoogleID     *string
	Role         string
	Name         string
	Username     string
	Avatar       string
	Bio          string
	Location     string
	Points       int    `gorm:"index;not null;default:0"`
	Level        string
	TotalSwaps   int     `gorm:"not null;default:0"`
	ItemsListed  int     `gorm:"not null;default:0"`
	Rating       float64 `gorm:"not null;default:0"`
	TotalRatings int     `gorm:"not null;default:0"`
	CreatedAt    int64   `gorm:"autoCreateTime:false"`
	UpdatedAt    int64   `gorm:"autoUpdateTime:false"`
	LastSeen     int64
}

func (userRow) TableName() string { return "users" }

type itemRow struct {
	ID              string `gorm:"primaryKey;size:24"`
	UploaderID      string `gorm:"index;size:24;not null"`
	Title           string
	Description     string
	Category        string `gorm:"index"`
	Type            string
	Size            string
	Condition       string
	Brand           string
	Color           string
	Tags            jsonList[string]
	Images          jsonList[string]
	Points          int    `gorm:"index"`
	Status          string `gorm:"index"`
	IsApproved      bool
	RejectionReason string
	Views           int
	Likes           jsonList[string]
	LikeCount       int
	CreatedAt       int64 `gorm:"index;autoCreateTime:false"`
	UpdatedAt       int64 `gorm:"autoUpdateTime:false"`
}

func (itemRow) TableName() string { return "items" }

type swapRow struct {
	ID                string  `gorm:"primaryKey;size:24"`
	RequesterID       string  `gorm:"index;size:24;not null"`
	ProviderID        string  `gorm:"index;size:24;not null"`
	RequestedItemID   string  `gorm:"index;size:24;not null"`
	OfferedItemID     *string `gorm:"index;size:24"`
	SwapType          string
	PointsInvolved    int
	Status            string `gorm:"index"`
	Message           string
	Messages          jsonList[models.SwapMessage]
	RequesterRating   *int
	RequesterFeedback string
	RequesterRatedAt  int64
	ProviderRating    *int
	ProviderFeedback  string
	ProviderRatedAt   int64
	CancelledBy       *string
	CancelReason      string
	CreatedAt         int64 `gorm:"index;autoCreateTime:false"`
	UpdatedAt         int64 `gorm:"autoUpdateTime:false"`
	AcceptedAt        int64
	RejectedAt        int64
	CompletedAt       int64
	CancelledAt       int64
}

func (swapRow) TableName() string { return "swaps" }

type pointRow struct {
	ID           string `gorm:"primaryKey;size:24"`
	UserID       string `gorm:"index;size:24;not null"`
	Change       int
	BalanceAfter int
	Reason       string
	SwapID       *string
	ItemID       *string
	CreatedAt    int64 `gorm:"index;autoCreateTime:false"`
}

func (pointRow) TableName() string { return "point_entries" }

type pushSubRow struct {
	ID        string `gorm:"primaryKey;size:24"`
	UserID    string `gorm:"uniqueIndex;size:24;not null"`
	Endpoint  string
	P256dh    string `gorm:"column:p256dh"`
	Auth      string
	UpdatedAt int64 `gorm:"autoUpdateTime:false"`
}

func (pushSubRow) TableName() string { return "push_subscriptions" }

func hexOf(id primitive.ObjectID) string {
	return id.Hex()
}

func hexPtr(id *primitive.ObjectID) *string {
	if id == nil {
		return nil
	}
	h := id.Hex()
	return &h
}

func hexList(ids []primitive.ObjectID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	return out
}

func oidOf(h string) primitive.ObjectID {
	id, _ := primitive.ObjectIDFromHex(h)
	return id
}

func oidPtr(h *string) *primitive.ObjectID {
	if h == nil {
		return nil
	}
	id := oidOf(*h)
	return &id
}

func oidList(hs []string) []primitive.ObjectID {
	out := make([]primitive.ObjectID, len(hs))
	for i, h := range hs {
		out[i] = oidOf(h)
	}
	return out
}

func newUserRow(u *models.User) *userRow {
	return &userRow{
		ID:           hexOf(u.ID),
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		AuthProvider: u.AuthProvider,
		GoogleID:     u.GoogleID,
		Role:         u.Role,
		Name:         u.Name,
		Username:     u.Username,
		Avatar:       u.Avatar,
		Bio:          u.Bio,
		Location:     u.Location,
		Points:       u.Points,
		Level:        u.Level,
		TotalSwaps:   u.TotalSwaps,
		ItemsListed:  u.ItemsListed,
		Rating:       u.Rating,
		TotalRatings: u.TotalRatings,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		LastSeen:     u.LastSeen,
	}
}

func (r *userRow) model() *models.User {
	return &models.User{
		ID:           oidOf(r.ID),
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		AuthProvider: r.AuthProvider,
		GoogleID:     r.GoogleID,
		Role:         r.Role,
		Name:         r.Name,
		Username:     r.Username,
		Avatar:       r.Avatar,
		Bio:          r.Bio,
		Location:     r.Location,
		Points:       r.Points,
		Level:        r.Level,
		TotalSwaps:   r.TotalSwaps,
		ItemsListed:  r.ItemsListed,
		Rating:       r.Rating,
		TotalRatings: r.TotalRatings,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		LastSeen:     r.LastSeen,
	}
}

func newItemRow(i *models.Item) *itemRow {
	return &itemRow{
		ID:              hexOf(i.ID),
		UploaderID:      hexOf(i.UploaderID),
		Title:           i.Title,
		Description:     i.Description,
		Category:        i.Category,
		Type:            i.Type,
		Size:            i.Size,
		Condition:       i.Condition,
		Brand:           i.Brand,
		Color:           i.Color,
		Tags:            i.Tags,
		Images:          i.Images,
		Points:          i.Points,
		Status:          string(i.Status),
		IsApproved:      i.IsApproved,
		RejectionReason: i.RejectionReason,
		Views:           i.Views,
		Likes:           hexList(i.Likes),
		LikeCount:       i.LikeCount,
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
	}
}

func (r *itemRow) model() *models.Item {
	tags, images := []string(r.Tags), []string(r.Images)
	if tags == nil {
		tags = []string{}
	}
	if images == nil {
		images = []string{}
	}
	return &models.Item{
		ID:              oidOf(r.ID),
		UploaderID:      oidOf(r.UploaderID),
		Title:           r.Title,
		Description:     r.Description,
		Category:        r.Category,
		Type:            r.Type,
		Size:            r.Size,
		Condition:       r.Condition,
		Brand:           r.Brand,
		Color:           r.Color,
		Tags:            tags,
		Images:          images,
		Points:          r.Points,
		Status:          models.ItemStatus(r.Status),
		IsApproved:      r.IsApproved,
		RejectionReason: r.RejectionReason,
		Views:           r.Views,
		Likes:           oidList(r.Likes),
		LikeCount:       r.LikeCount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func newSwapRow(s *models.Swap) *swapRow {
	row := &swapRow{
		ID:              hexOf(s.ID),
		RequesterID:     hexOf(s.RequesterID),
		ProviderID:      hexOf(s.ProviderID),
		RequestedItemID: hexOf(s.RequestedItemID),
		OfferedItemID:   hexPtr(s.OfferedItemID),
		SwapType:        string(s.SwapType),
		PointsInvolved:  s.PointsInvolved,
		Status:          string(s.Status),
		Message:         s.Message,
		Messages:        s.Messages,
		CancelledBy:     hexPtr(s.CancelledBy),
		CancelReason:    s.CancelReason,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		AcceptedAt:      s.AcceptedAt,
		RejectedAt:      s.RejectedAt,
		CompletedAt:     s.CompletedAt,
		CancelledAt:     s.CancelledAt,
	}
	if r := s.RequesterRating; r != nil {
		v := r.Rating
		row.RequesterRating, row.RequesterFeedback, row.RequesterRatedAt = &v, r.Feedback, r.CreatedAt
	}
	if r := s.ProviderRating; r != nil {
		v := r.Rating
		row.ProviderRating, row.ProviderFeedback, row.ProviderRatedAt = &v, r.Feedback, r.CreatedAt
	}
	return row
}

func (r *swapRow) model() *models.Swap {
	messages := []models.SwapMessage(r.Messages)
	if messages == nil {
		messages = []models.SwapMessage{}
	}
	s := &models.Swap{
		ID:              oidOf(r.ID),
		RequesterID:     oidOf(r.RequesterID),
		ProviderID:      oidOf(r.ProviderID),
		RequestedItemID: oidOf(r.RequestedItemID),
		OfferedItemID:   oidPtr(r.OfferedItemID),
		SwapType:        models.SwapType(r.SwapType),
		PointsInvolved:  r.PointsInvolved,
		Status:          models.SwapStatus(r.Status),
		Message:         r.Message,
		Messages:        messages,
		CancelledBy:     oidPtr(r.CancelledBy),
		CancelReason:    r.CancelReason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		AcceptedAt:      r.AcceptedAt,
		RejectedAt:      r.RejectedAt,
		CompletedAt:     r.CompletedAt,
		CancelledAt:     r.CancelledAt,
	}
	if r.RequesterRating != nil {
		s.RequesterRating = &models.SwapRating{Rating: *r.RequesterRating, Feedback: r.RequesterFeedback, CreatedAt: r.RequesterRatedAt}
	}
	if r.ProviderRating != nil {
		s.ProviderRating = &models.SwapRating{Rating: *r.ProviderRating, Feedback: r.ProviderFeedback, CreatedAt: r.ProviderRatedAt}
	}
	return s
}

func newPointRow(e *models.PointEntry) *pointRow {
	return &pointRow{
		ID:           hexOf(e.ID),
		UserID:       hexOf(e.UserID),
		Change:       e.Change,
		BalanceAfter: e.BalanceAfter,
		Reason:       e.Reason,
		SwapID:       hexPtr(e.SwapID),
		ItemID:       hexPtr(e.ItemID),
		CreatedAt:    e.CreatedAt,
	}
}

func (r *pointRow) model() models.PointEntry {
	return models.PointEntry{
		ID:           oidOf(r.ID),
		UserID:       oidOf(r.UserID),
		Change:       r.Change,
		BalanceAfter: r.BalanceAfter,
		Reason:       r.Reason,
		SwapID:       oidPtr(r.SwapID),
		ItemID:       oidPtr(r.ItemID),
		CreatedAt:    r.CreatedAt,
	}
}
