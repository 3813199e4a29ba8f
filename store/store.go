// Package store persists users, items, swaps and the points ledger.
//
// Two backends implement Store: MongoStore for production and SQLStore
// (gorm over SQLite) for local runs and tests. Operations that touch more
// than one record run as a single transaction in both.
package store

import (
	"context"
	"errors"
	"time"

	"rewear/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("duplicate")
	ErrConflict           = errors.New("conflicting update")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrAlreadyRated       = errors.New("already rated")
)

// Item sort orders accepted by ItemFilter.Sort.
const (
	SortNewest     = "newest"
	SortOldest     = "oldest"
	SortPointsAsc  = "points-asc"
	SortPointsDesc = "points-desc"
	SortPopular    = "popular"
)

var ItemSorts = []string{SortNewest, SortOldest, SortPointsAsc, SortPointsDesc, SortPopular}

// ItemFilter selects items. Zero values mean "no constraint", except that
// an empty Statuses means available only, and approved items only are
// returned unless AnyApproval is set.
type ItemFilter struct {
	Category    string
	Size        string
	Condition   string
	Type        string
	MinPoints   *int
	MaxPoints   *int
	Search      string
	UploaderID  *primitive.ObjectID
	Statuses    []models.ItemStatus
	AnyApproval bool
	Sort        string
	Page        int
	Limit       int
}

// Normalize applies listing defaults and clamps paging.
func (f *ItemFilter) Normalize() {
	if len(f.Statuses) == 0 {
		f.Statuses = []models.ItemStatus{models.ItemAvailable}
	}
	if f.Sort == "" {
		f.Sort = SortNewest
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 12
	}
	if f.Limit > 50 {
		f.Limit = 50
	}
}

func (f *ItemFilter) Skip() int {
	return (f.Page - 1) * f.Limit
}

// SwapFilter selects swaps a user takes part in.
type SwapFilter struct {
	UserID primitive.ObjectID
	Role   string // "requester", "provider" or "" for both
	Status models.SwapStatus
}

// PointCredit is a single points change written through AddPoints.
type PointCredit struct {
	UserID primitive.ObjectID
	Change int
	Reason string
	ItemID *primitive.ObjectID
	SwapID *primitive.ObjectID
}

type Store interface {
	// CreateUser inserts the user, deriving its level; a positive starting
	// balance is recorded as a signup bonus ledger entry. ErrDuplicate on a
	// taken email.
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id primitive.ObjectID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUsers(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]*models.User, error)
	UpdateUser(ctx context.Context, id primitive.ObjectID, update models.UserUpdate) (*models.User, error)
	TouchUser(ctx context.Context, id primitive.ObjectID, at int64) error
	Leaderboard(ctx context.Context, limit int) ([]models.User, error)
	// AddPoints changes a balance, rewrites the level and appends a ledger
	// entry in one unit. A negative change never drives the balance below 0.
	AddPoints(ctx context.Context, credit PointCredit) (*models.User, error)
	PointHistory(ctx context.Context, userID primitive.ObjectID, limit int) ([]models.PointEntry, error)

	// CreateItem inserts the item and bumps the uploader's itemsListed. An
	// item created already approved credits listingBonus to the uploader.
	CreateItem(ctx context.Context, item *models.Item, listingBonus int) error
	GetItem(ctx context.Context, id primitive.ObjectID) (*models.Item, error)
	GetItems(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]*models.Item, error)
	UpdateItem(ctx context.Context, id primitive.ObjectID, update models.ItemUpdate, at int64) (*models.Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]models.Item, int64, error)
	IncrementItemViews(ctx context.Context, id primitive.ObjectID) error
	ToggleItemLike(ctx context.Context, itemID, userID primitive.ObjectID) (liked bool, count int, err error)
	// ModerateItem moves a pending item to its moderation outcome, crediting
	// listingBonus to the uploader on approval. It fails with ErrConflict
	// when the item is no longer pending.
	ModerateItem(ctx context.Context, id primitive.ObjectID, approve bool, reason string, listingBonus int, at int64) (*models.Item, error)
	// RemoveItem soft-deletes the item and cancels pending swaps on it. It
	// fails with ErrConflict while an accepted swap holds the item.
	RemoveItem(ctx context.Context, id, by primitive.ObjectID, at int64) error

	CreateSwap(ctx context.Context, swap *models.Swap) error
	GetSwap(ctx context.Context, id primitive.ObjectID) (*models.Swap, error)
	ListSwaps(ctx context.Context, filter SwapFilter) ([]models.Swap, error)
	HasOpenSwap(ctx context.Context, requesterID, itemID primitive.ObjectID) (bool, error)
	// TransitionSwap changes the status of a swap still in from. It fails with
	// ErrConflict when the stored status differs. Completion goes through
	// CompleteSwap instead.
	TransitionSwap(ctx context.Context, id primitive.ObjectID, from, to models.SwapStatus, by primitive.ObjectID, reason string, at int64) (*models.Swap, error)
	// CompleteSwap settles an accepted swap atomically: status, points,
	// levels, counters, item status, ledger and competing swaps.
	CompleteSwap(ctx context.Context, id primitive.ObjectID, at int64) (*models.Swap, error)
	AddSwapMessage(ctx context.Context, id primitive.ObjectID, msg models.SwapMessage) (*models.Swap, error)
	// RateSwap stores the rating given by rater and folds it into the rated
	// user's average. It fails with ErrAlreadyRated on a second attempt.
	RateSwap(ctx context.Context, id, rater primitive.ObjectID, rating models.SwapRating) (*models.Swap, error)

	SavePushSubscription(ctx context.Context, sub *models.PushSubscription) error
	GetPushSubscription(ctx context.Context, userID primitive.ObjectID) (*models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID primitive.ObjectID) error

	Close(ctx context.Context) error
}

func nowUnix() int64 {
	return time.Now().Unix()
}
