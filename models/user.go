package models

import "go.mongodb.org/mongo-driver/bson/primitive"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	AuthProviderEmail  = "email"
	AuthProviderGoogle = "google"
)

type User struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Email        string             `bson:"email" json:"email"`
	PasswordHash *string            `bson:"passwordHash,omitempty" json:"-"`
	AuthProvider string             `bson:"authProvider" json:"authProvider"`
	GoogleID     *string            `bson:"googleId,omitempty" json:"-"`
	Role         string             `bson:"role" json:"role"`

	// Profile fields
	Name     string `bson:"name" json:"name"`
	Username string `bson:"username" json:"username"`
	Avatar   string `bson:"avatar" json:"avatar"`
	Bio      string `bson:"bio" json:"bio"`
	Location string `bson:"location" json:"location"`

	// Points ledger summary. Level is written together with Points by the store.
	Points       int     `bson:"points" json:"points"`
	Level        string  `bson:"level" json:"level"`
	TotalSwaps   int     `bson:"totalSwaps" json:"totalSwaps"`
	ItemsListed  int     `bson:"itemsListed" json:"itemsListed"`
	Rating       float64 `bson:"rating" json:"rating"`
	TotalRatings int     `bson:"totalRatings" json:"totalRatings"`

	CreatedAt int64 `bson:"createdAt" json:"createdAt"`
	UpdatedAt int64 `bson:"updatedAt" json:"updatedAt"`
	LastSeen  int64 `bson:"lastSeen" json:"lastSeen"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// UserSummary is the slice of a user embedded next to items and swaps.
type UserSummary struct {
	ID       primitive.ObjectID `json:"id"`
	Name     string             `json:"name"`
	Username string             `json:"username"`
	Avatar   string             `json:"avatar"`
	Level    string             `json:"level"`
	Rating   float64            `json:"rating"`
}

func (u *User) Summary() *UserSummary {
	return &UserSummary{
		ID:       u.ID,
		Name:     u.Name,
		Username: u.Username,
		Avatar:   u.Avatar,
		Level:    u.Level,
		Rating:   u.Rating,
	}
}

// PublicProfile is what other users get to see.
type PublicProfile struct {
	ID           primitive.ObjectID `json:"id"`
	Name         string             `json:"name"`
	Username     string             `json:"username"`
	Avatar       string             `json:"avatar"`
	Bio          string             `json:"bio"`
	Location     string             `json:"location"`
	Points       int                `json:"points"`
	Level        string             `json:"level"`
	TotalSwaps   int                `json:"totalSwaps"`
	ItemsListed  int                `json:"itemsListed"`
	Rating       float64            `json:"rating"`
	TotalRatings int                `json:"totalRatings"`
	CreatedAt    int64              `json:"createdAt"`
}

func (u *User) Public() PublicProfile {
	return PublicProfile{
		ID:           u.ID,
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
	}
}

// UserUpdate carries the editable profile fields. Nil means unchanged.
type UserUpdate struct {
	Name     *string
	Username *string
	Avatar   *string
	Bio      *string
	Location *string
	Role     *string
}
