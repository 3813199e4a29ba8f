package models

import (
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemAvailable ItemStatus = "available"
	ItemSwapped   ItemStatus = "swapped"
	ItemRemoved   ItemStatus = "removed"
)

var (
	ItemCategories = []string{"tops", "bottoms", "dresses", "outerwear", "shoes", "accessories", "activewear", "formal", "other"}
	ItemSizes      = []string{"XS", "S", "M", "L", "XL", "XXL", "one-size"}
	ItemConditions = []string{"new", "like-new", "good", "fair"}
	ItemTypes      = []string{"men", "women", "unisex", "kids"}
)

const MaxItemImages = 5

type Item struct {
	ID              primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	UploaderID      primitive.ObjectID   `bson:"uploader" json:"uploaderId"`
	Title           string               `bson:"title" json:"title"`
	Description     string               `bson:"description" json:"description"`
	Category        string               `bson:"category" json:"category"`
	Type            string               `bson:"type" json:"type"`
	Size            string               `bson:"size" json:"size"`
	Condition       string               `bson:"condition" json:"condition"`
	Brand           string               `bson:"brand" json:"brand"`
	Color           string               `bson:"color" json:"color"`
	Tags            []string             `bson:"tags" json:"tags"`
	Images          []string             `bson:"images" json:"images"`
	Points          int                  `bson:"points" json:"points"`
	Status          ItemStatus           `bson:"status" json:"status"`
	IsApproved      bool                 `bson:"isApproved" json:"isApproved"`
	RejectionReason string               `bson:"rejectionReason,omitempty" json:"rejectionReason,omitempty"`
	Views           int                  `bson:"views" json:"views"`
	Likes           []primitive.ObjectID `bson:"likes" json:"likes"`
	LikeCount       int                  `bson:"likeCount" json:"likeCount"`
	CreatedAt       int64                `bson:"createdAt" json:"createdAt"`
	UpdatedAt       int64                `bson:"updatedAt" json:"updatedAt"`

	Uploader *UserSummary `bson:"-" json:"uploader,omitempty"` // Populated in response only
}

// Availability is the legacy availability label, always derived from Status.
func (i *Item) Availability() string {
	switch i.Status {
	case ItemAvailable:
		return "available"
	case ItemSwapped:
		return "swapped"
	case ItemPending:
		return "pending"
	default:
		return "unavailable"
	}
}

// Listable reports whether the item shows up in default listings.
func (i *Item) Listable() bool {
	return i.Status == ItemAvailable && i.IsApproved
}

func (i *Item) LikedBy(userID primitive.ObjectID) bool {
	for _, id := range i.Likes {
		if id == userID {
			return true
		}
	}
	return false
}

func (i Item) MarshalJSON() ([]byte, error) {
	type item Item
	return json.Marshal(struct {
		item
		Availability string `json:"availability"`
	}{item(i), i.Availability()})
}

// ItemUpdate carries the owner-editable item fields. Nil means unchanged.
type ItemUpdate struct {
	Title       *string
	Description *string
	Category    *string
	Type        *string
	Size        *string
	Condition   *string
	Brand       *string
	Color       *string
	Tags        []string
	Images      []string
	Points      *int
}

func (u ItemUpdate) Apply(item *Item) {
	if u.Title != nil {
		item.Title = *u.Title
	}
	if u.Description != nil {
		item.Description = *u.Description
	}
	if u.Category != nil {
		item.Category = *u.Category
	}
	if u.Type != nil {
		item.Type = *u.Type
	}
	if u.Size != nil {
		item.Size = *u.Size
	}
	if u.Condition != nil {
		item.Condition = *u.Condition
	}
	if u.Brand != nil {
		item.Brand = *u.Brand
	}
	if u.Color != nil {
		item.Color = *u.Color
	}
	if u.Tags != nil {
		item.Tags = u.Tags
	}
	if u.Images != nil {
		item.Images = u.Images
	}
	if u.Points != nil {
		item.Points = *u.Points
	}
}
