package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"rewear/models"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// newSQLTestStore opens a per-test in-memory database.
func newSQLTestStore(t *testing.T) Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := NewSQLStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSQLStore(t *testing.T) {
	runStoreSuite(t, newSQLTestStore)
}

func seedUser(t *testing.T, s Store, email string, points int) *models.User {
	t.Helper()
	u := &models.User{
		Email:        email,
		Name:         strings.Split(email, "@")[0],
		Role:         models.RoleUser,
		AuthProvider: models.AuthProviderEmail,
		Points:       points,
		CreatedAt:    nowUnix(),
		UpdatedAt:    nowUnix(),
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func seedItem(t *testing.T, s Store, owner *models.User, title string, points int) *models.Item {
	t.Helper()
	item := &models.Item{
		UploaderID: owner.ID,
		Title:      title,
		Category:   "tops",
		Type:       "unisex",
		Size:       "M",
		Condition:  "good",
		Tags:       []string{"cotton"},
		Images:     []string{},
		Points:     points,
		Status:     models.ItemAvailable,
		IsApproved: true,
		CreatedAt:  nowUnix(),
		UpdatedAt:  nowUnix(),
	}
	require.NoError(t, s.CreateItem(context.Background(), item, 0))
	return item
}

func seedSwap(t *testing.T, s Store, requester, provider *models.User, requested *models.Item, offered *models.Item, kind models.SwapType, points int) *models.Swap {
	t.Helper()
	swap := &models.Swap{
		RequesterID:     requester.ID,
		ProviderID:      provider.ID,
		RequestedItemID: requested.ID,
		SwapType:        kind,
		PointsInvolved:  points,
		Status:          models.SwapPending,
		CreatedAt:       nowUnix(),
		UpdatedAt:       nowUnix(),
	}
	if offered != nil {
		id := offered.ID
		swap.OfferedItemID = &id
	}
	require.NoError(t, s.CreateSwap(context.Background(), swap))
	return swap
}

// runStoreSuite exercises behaviour every Store backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateUserAndDuplicate", func(t *testing.T) {
		s := newStore(t)
		u := seedUser(t, s, "alice@example.com", 100)
		require.False(t, u.ID.IsZero())
		require.Equal(t, "Swapper", u.Level)

		got, err := s.GetUserByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		require.Equal(t, u.ID, got.ID)
		require.Equal(t, 100, got.Points)
		require.Equal(t, "Swapper", got.Level)

		history, err := s.PointHistory(ctx, u.ID, 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, models.PointsSignupBonus, history[0].Reason)

		dup := &models.User{Email: "alice@example.com", Name: "Other"}
		require.ErrorIs(t, s.CreateUser(ctx, dup), ErrDuplicate)

		_, err = s.GetUser(ctx, primitive.NewObjectID())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AddPointsKeepsLevelInStep", func(t *testing.T) {
		s := newStore(t)
		u := seedUser(t, s, "bob@example.com", 40)

		updated, err := s.AddPoints(ctx, PointCredit{UserID: u.ID, Change: 170, Reason: "adjustment"})
		require.NoError(t, err)
		require.Equal(t, 210, updated.Points)
		require.Equal(t, "Trendsetter", updated.Level)

		_, err = s.AddPoints(ctx, PointCredit{UserID: u.ID, Change: -500, Reason: "adjustment"})
		require.ErrorIs(t, err, ErrInsufficientPoints)

		updated, err = s.AddPoints(ctx, PointCredit{UserID: u.ID, Change: -200, Reason: "adjustment"})
		require.NoError(t, err)
		require.Equal(t, 10, updated.Points)
		require.Equal(t, "Newcomer", updated.Level)

		history, err := s.PointHistory(ctx, u.ID, 10)
		require.NoError(t, err)
		require.Len(t, history, 3)
	})

	t.Run("UpdateUserAndLeaderboard", func(t *testing.T) {
		s := newStore(t)
		a := seedUser(t, s, "a@example.com", 300)
		b := seedUser(t, s, "b@example.com", 50)
		c := seedUser(t, s, "c@example.com", 900)

		bio := "Thrifting since 2010"
		updated, err := s.UpdateUser(ctx, b.ID, models.UserUpdate{Bio: &bio})
		require.NoError(t, err)
		require.Equal(t, bio, updated.Bio)

		board, err := s.Leaderboard(ctx, 2)
		require.NoError(t, err)
		require.Len(t, board, 2)
		require.Equal(t, c.ID, board[0].ID)
		require.Equal(t, a.ID, board[1].ID)
	})

	t.Run("CreateItemCountsListing", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner@example.com", 0)
		item := &models.Item{
			UploaderID: owner.ID,
			Title:      "Linen shirt",
			Status:     models.ItemAvailable,
			IsApproved: true,
			Points:     20,
			CreatedAt:  nowUnix(),
		}
		require.NoError(t, s.CreateItem(ctx, item, 10))

		got, err := s.GetUser(ctx, owner.ID)
		require.NoError(t, err)
		require.Equal(t, 1, got.ItemsListed)
		require.Equal(t, 10, got.Points)

		orphan := &models.Item{UploaderID: primitive.NewObjectID(), Title: "Nobody's", Status: models.ItemPending}
		require.ErrorIs(t, s.CreateItem(ctx, orphan, 0), ErrNotFound)
	})

	t.Run("SearchMatchesWholeTags", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "tagger@example.com", 0)
		linen := seedItem(t, s, owner, "Summer shirt", 20)
		_, err := s.UpdateItem(ctx, linen.ID, models.ItemUpdate{Tags: []string{"linen", "beach"}}, nowUnix())
		require.NoError(t, err)
		seedItem(t, s, owner, "Plain tee", 10)

		for _, term := range []string{`","`, ",", `["`, `"`} {
			_, total, err := s.ListItems(ctx, ItemFilter{Search: term})
			require.NoError(t, err)
			require.EqualValues(t, 0, total, term)
		}

		items, total, err := s.ListItems(ctx, ItemFilter{Search: "BEACH"})
		require.NoError(t, err)
		require.EqualValues(t, 1, total)
		require.Equal(t, linen.ID, items[0].ID)
	})

	t.Run("ListItemsFiltersAndPages", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "lister@example.com", 0)
		for i := 1; i <= 5; i++ {
			seedItem(t, s, owner, fmt.Sprintf("Shirt %d", i), i*10)
		}
		pending := &models.Item{UploaderID: owner.ID, Title: "Pending shirt", Status: models.ItemPending, Points: 5}
		require.NoError(t, s.CreateItem(ctx, pending, 0))

		items, total, err := s.ListItems(ctx, ItemFilter{Sort: SortPointsDesc, Limit: 2})
		require.NoError(t, err)
		require.EqualValues(t, 5, total)
		require.Len(t, items, 2)
		require.Equal(t, 50, items[0].Points)
		require.Equal(t, 40, items[1].Points)

		items, _, err = s.ListItems(ctx, ItemFilter{Sort: SortPointsDesc, Limit: 2, Page: 3})
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.Equal(t, 10, items[0].Points)

		lo, hi := 20, 30
		items, total, err = s.ListItems(ctx, ItemFilter{MinPoints: &lo, MaxPoints: &hi})
		require.NoError(t, err)
		require.EqualValues(t, 2, total)
		require.Len(t, items, 2)

		items, total, err = s.ListItems(ctx, ItemFilter{Search: "SHIRT 3"})
		require.NoError(t, err)
		require.EqualValues(t, 1, total)
		require.Equal(t, "Shirt 3", items[0].Title)

		_, total, err = s.ListItems(ctx, ItemFilter{Search: "cotton"})
		require.NoError(t, err)
		require.EqualValues(t, 5, total)

		_, total, err = s.ListItems(ctx, ItemFilter{
			UploaderID:  &owner.ID,
			Statuses:    []models.ItemStatus{models.ItemPending, models.ItemAvailable},
			AnyApproval: true,
		})
		require.NoError(t, err)
		require.EqualValues(t, 6, total)
	})

	t.Run("ToggleLikeAndViews", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner@example.com", 0)
		fan := seedUser(t, s, "fan@example.com", 0)
		item := seedItem(t, s, owner, "Scarf", 15)

		liked, count, err := s.ToggleItemLike(ctx, item.ID, fan.ID)
		require.NoError(t, err)
		require.True(t, liked)
		require.Equal(t, 1, count)

		liked, count, err = s.ToggleItemLike(ctx, item.ID, fan.ID)
		require.NoError(t, err)
		require.False(t, liked)
		require.Equal(t, 0, count)

		require.NoError(t, s.IncrementItemViews(ctx, item.ID))
		got, err := s.GetItem(ctx, item.ID)
		require.NoError(t, err)
		require.Equal(t, 1, got.Views)
		require.Empty(t, got.Likes)

		_, _, err = s.ToggleItemLike(ctx, primitive.NewObjectID(), fan.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ModerateItem", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner@example.com", 0)
		item := &models.Item{UploaderID: owner.ID, Title: "Coat", Status: models.ItemPending, Points: 30}
		require.NoError(t, s.CreateItem(ctx, item, 10))

		approved, err := s.ModerateItem(ctx, item.ID, true, "", 10, nowUnix())
		require.NoError(t, err)
		require.Equal(t, models.ItemAvailable, approved.Status)
		require.True(t, approved.IsApproved)

		got, err := s.GetUser(ctx, owner.ID)
		require.NoError(t, err)
		require.Equal(t, 10, got.Points)

		_, err = s.ModerateItem(ctx, item.ID, false, "late", 10, nowUnix())
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("UpdateItemRefusesRetiredItems", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner@example.com", 0)
		item := seedItem(t, s, owner, "Boots", 40)

		title := "Leather boots"
		updated, err := s.UpdateItem(ctx, item.ID, models.ItemUpdate{Title: &title}, nowUnix())
		require.NoError(t, err)
		require.Equal(t, title, updated.Title)

		require.NoError(t, s.RemoveItem(ctx, item.ID, owner.ID, nowUnix()))
		_, err = s.UpdateItem(ctx, item.ID, models.ItemUpdate{Title: &title}, nowUnix())
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("RemoveItem", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner@example.com", 0)
		buyer := seedUser(t, s, "buyer@example.com", 100)
		held := seedItem(t, s, owner, "Held", 20)
		free := seedItem(t, s, owner, "Free", 20)

		accepted := seedSwap(t, s, buyer, owner, held, nil, models.ItemForPoints, 20)
		_, err := s.TransitionSwap(ctx, accepted.ID, models.SwapPending, models.SwapAccepted, owner.ID, "", nowUnix())
		require.NoError(t, err)
		require.ErrorIs(t, s.RemoveItem(ctx, held.ID, owner.ID, nowUnix()), ErrConflict)

		pending := seedSwap(t, s, buyer, owner, free, nil, models.ItemForPoints, 20)
		require.NoError(t, s.RemoveItem(ctx, free.ID, owner.ID, nowUnix()))

		got, err := s.GetSwap(ctx, pending.ID)
		require.NoError(t, err)
		require.Equal(t, models.SwapCancelled, got.Status)
		require.NotNil(t, got.CancelledBy)
		require.Equal(t, owner.ID, *got.CancelledBy)

		item, err := s.GetItem(ctx, free.ID)
		require.NoError(t, err)
		require.Equal(t, models.ItemRemoved, item.Status)
	})

	t.Run("TransitionSwapCompareAndSet", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner@example.com", 0)
		buyer := seedUser(t, s, "buyer@example.com", 100)
		item := seedItem(t, s, owner, "Hat", 10)
		swap := seedSwap(t, s, buyer, owner, item, nil, models.ItemForPoints, 10)

		open, err := s.HasOpenSwap(ctx, buyer.ID, item.ID)
		require.NoError(t, err)
		require.True(t, open)

		rejected, err := s.TransitionSwap(ctx, swap.ID, models.SwapPending, models.SwapRejected, owner.ID, "", nowUnix())
		require.NoError(t, err)
		require.Equal(t, models.SwapRejected, rejected.Status)
		require.NotZero(t, rejected.RejectedAt)

		_, err = s.TransitionSwap(ctx, swap.ID, models.SwapPending, models.SwapAccepted, owner.ID, "", nowUnix())
		require.ErrorIs(t, err, ErrConflict)

		var terr *models.TransitionError
		_, err = s.TransitionSwap(ctx, swap.ID, models.SwapRejected, models.SwapAccepted, owner.ID, "", nowUnix())
		require.ErrorAs(t, err, &terr)

		open, err = s.HasOpenSwap(ctx, buyer.ID, item.ID)
		require.NoError(t, err)
		require.False(t, open)
	})

	t.Run("CompleteItemForPoints", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner@example.com", 0)
		buyer := seedUser(t, s, "buyer@example.com", 100)
		rival := seedUser(t, s, "rival@example.com", 100)
		item := seedItem(t, s, owner, "Dress", 60)

		swap := seedSwap(t, s, buyer, owner, item, nil, models.ItemForPoints, 60)
		competing := seedSwap(t, s, rival, owner, item, nil, models.ItemForPoints, 60)
		_, err := s.TransitionSwap(ctx, swap.ID, models.SwapPending, models.SwapAccepted, owner.ID, "", nowUnix())
		require.NoError(t, err)

		done, err := s.CompleteSwap(ctx, swap.ID, nowUnix())
		require.NoError(t, err)
		require.Equal(t, models.SwapCompleted, done.Status)
		require.NotZero(t, done.CompletedAt)

		b, err := s.GetUser(ctx, buyer.ID)
		require.NoError(t, err)
		require.Equal(t, 40, b.Points)
		require.Equal(t, "Newcomer", b.Level)
		require.Equal(t, 1, b.TotalSwaps)

		o, err := s.GetUser(ctx, owner.ID)
		require.NoError(t, err)
		require.Equal(t, 60, o.Points)
		require.Equal(t, "Swapper", o.Level)
		require.Equal(t, 1, o.TotalSwaps)

		it, err := s.GetItem(ctx, item.ID)
		require.NoError(t, err)
		require.Equal(t, models.ItemSwapped, it.Status)

		c, err := s.GetSwap(ctx, competing.ID)
		require.NoError(t, err)
		require.Equal(t, models.SwapCancelled, c.Status)

		history, err := s.PointHistory(ctx, owner.ID, 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, models.PointsSwapIncome, history[0].Reason)
		require.Equal(t, 60, history[0].BalanceAfter)

		_, err = s.CompleteSwap(ctx, swap.ID, nowUnix())
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("CompleteRollsBackOnInsufficientPoints", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner@example.com", 0)
		buyer := seedUser(t, s, "buyer@example.com", 30)
		item := seedItem(t, s, owner, "Parka", 30)

		swap := seedSwap(t, s, buyer, owner, item, nil, models.ItemForPoints, 30)
		_, err := s.TransitionSwap(ctx, swap.ID, models.SwapPending, models.SwapAccepted, owner.ID, "", nowUnix())
		require.NoError(t, err)
		_, err = s.AddPoints(ctx, PointCredit{UserID: buyer.ID, Change: -10, Reason: "adjustment"})
		require.NoError(t, err)

		_, err = s.CompleteSwap(ctx, swap.ID, nowUnix())
		require.ErrorIs(t, err, ErrInsufficientPoints)

		got, err := s.GetSwap(ctx, swap.ID)
		require.NoError(t, err)
		require.Equal(t, models.SwapAccepted, got.Status)

		it, err := s.GetItem(ctx, item.ID)
		require.NoError(t, err)
		require.Equal(t, models.ItemAvailable, it.Status)

		b, err := s.GetUser(ctx, buyer.ID)
		require.NoError(t, err)
		require.Equal(t, 20, b.Points)
		require.Equal(t, 0, b.TotalSwaps)
	})

	t.Run("CompleteItemForItem", func(t *testing.T) {
		s := newStore(t)
		a := seedUser(t, s, "a@example.com", 0)
		b := seedUser(t, s, "b@example.com", 0)
		wanted := seedItem(t, s, a, "Jeans", 30)
		offered := seedItem(t, s, b, "Skirt", 30)

		swap := seedSwap(t, s, b, a, wanted, offered, models.ItemForItem, 0)
		_, err := s.TransitionSwap(ctx, swap.ID, models.SwapPending, models.SwapAccepted, a.ID, "", nowUnix())
		require.NoError(t, err)
		_, err = s.CompleteSwap(ctx, swap.ID, nowUnix())
		require.NoError(t, err)

		for _, id := range []primitive.ObjectID{wanted.ID, offered.ID} {
			it, err := s.GetItem(ctx, id)
			require.NoError(t, err)
			require.Equal(t, models.ItemSwapped, it.Status)
		}
		users, err := s.GetUsers(ctx, []primitive.ObjectID{a.ID, b.ID})
		require.NoError(t, err)
		require.Equal(t, 1, users[a.ID].TotalSwaps)
		require.Equal(t, 1, users[b.ID].TotalSwaps)
		require.Equal(t, 0, users[a.ID].Points)
	})

	t.Run("MessagesAndRatings", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner@example.com", 0)
		buyer := seedUser(t, s, "buyer@example.com", 100)
		item := seedItem(t, s, owner, "Belt", 10)
		swap := seedSwap(t, s, buyer, owner, item, nil, models.ItemForPoints, 10)

		withMsg, err := s.AddSwapMessage(ctx, swap.ID, models.SwapMessage{SenderID: buyer.ID, Message: "Still available?", CreatedAt: nowUnix()})
		require.NoError(t, err)
		require.Len(t, withMsg.Messages, 1)
		require.Equal(t, buyer.ID, withMsg.Messages[0].SenderID)

		_, err = s.RateSwap(ctx, swap.ID, buyer.ID, models.SwapRating{Rating: 5, CreatedAt: nowUnix()})
		require.ErrorIs(t, err, ErrConflict)

		_, err = s.TransitionSwap(ctx, swap.ID, models.SwapPending, models.SwapAccepted, owner.ID, "", nowUnix())
		require.NoError(t, err)
		_, err = s.CompleteSwap(ctx, swap.ID, nowUnix())
		require.NoError(t, err)

		rated, err := s.RateSwap(ctx, swap.ID, buyer.ID, models.SwapRating{Rating: 4, Feedback: "Great", CreatedAt: nowUnix()})
		require.NoError(t, err)
		require.NotNil(t, rated.ProviderRating)
		require.Equal(t, 4, rated.ProviderRating.Rating)
		require.Nil(t, rated.RequesterRating)

		_, err = s.RateSwap(ctx, swap.ID, buyer.ID, models.SwapRating{Rating: 1, CreatedAt: nowUnix()})
		require.ErrorIs(t, err, ErrAlreadyRated)

		_, err = s.RateSwap(ctx, swap.ID, owner.ID, models.SwapRating{Rating: 2, CreatedAt: nowUnix()})
		require.NoError(t, err)

		o, err := s.GetUser(ctx, owner.ID)
		require.NoError(t, err)
		require.InDelta(t, 4.0, o.Rating, 0.001)
		require.Equal(t, 1, o.TotalRatings)

		b, err := s.GetUser(ctx, buyer.ID)
		require.NoError(t, err)
		require.InDelta(t, 2.0, b.Rating, 0.001)
	})

	t.Run("ListSwapsByRole", func(t *testing.T) {
		s := newStore(t)
		owner := seedUser(t, s, "owner@example.com", 0)
		buyer := seedUser(t, s, "buyer@example.com", 100)
		item := seedItem(t, s, owner, "Gloves", 10)
		other := seedItem(t, s, buyer, "Socks", 10)
		seedSwap(t, s, buyer, owner, item, nil, models.ItemForPoints, 10)
		seedSwap(t, s, owner, buyer, other, nil, models.ItemForPoints, 10)

		all, err := s.ListSwaps(ctx, SwapFilter{UserID: buyer.ID})
		require.NoError(t, err)
		require.Len(t, all, 2)

		asRequester, err := s.ListSwaps(ctx, SwapFilter{UserID: buyer.ID, Role: "requester"})
		require.NoError(t, err)
		require.Len(t, asRequester, 1)
		require.Equal(t, item.ID, asRequester[0].RequestedItemID)

		accepted, err := s.ListSwaps(ctx, SwapFilter{UserID: buyer.ID, Status: models.SwapAccepted})
		require.NoError(t, err)
		require.Empty(t, accepted)
	})

	t.Run("PushSubscriptionUpsert", func(t *testing.T) {
		s := newStore(t)
		u := seedUser(t, s, "push@example.com", 0)

		require.NoError(t, s.SavePushSubscription(ctx, &models.PushSubscription{UserID: u.ID, Endpoint: "https://push/1", P256dh: "k", Auth: "a"}))
		require.NoError(t, s.SavePushSubscription(ctx, &models.PushSubscription{UserID: u.ID, Endpoint: "https://push/2", P256dh: "k2", Auth: "a2"}))

		sub, err := s.GetPushSubscription(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, "https://push/2", sub.Endpoint)

		require.NoError(t, s.DeletePushSubscription(ctx, u.ID))
		_, err = s.GetPushSubscription(ctx, u.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})
}
