package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"rewear/database"
	"rewear/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// MongoStore keeps every entity in its own collection. Multi-document writes
// run inside a transaction, so the deployment must be a replica set.
type MongoStore struct {
	client   *mongo.Client
	users    *mongo.Collection
	items    *mongo.Collection
	swaps    *mongo.Collection
	points   *mongo.Collection
	pushSubs *mongo.Collection
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:   client,
		users:    db.Collection(database.UsersCollection),
		items:    db.Collection(database.ItemsCollection),
		swaps:    db.Collection(database.SwapsCollection),
		points:   db.Collection(database.PointsCollection),
		pushSubs: db.Collection(database.PushSubsCollection),
	}
}

// Database is the database the store's collections live in.
func (s *MongoStore) Database() *mongo.Database {
	return s.users.Database()
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) withTx(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// levelSwitch renders models.LevelTiers as a $switch over pointsExpr so the
// level is derived inside the same update that changes the balance.
func levelSwitch(pointsExpr interface{}) bson.D {
	branches := bson.A{}
	for i := len(models.LevelTiers) - 1; i > 0; i-- {
		tier := models.LevelTiers[i]
		branches = append(branches, bson.D{
			{"case", bson.D{{"$gte", bson.A{pointsExpr, tier.MinPoints}}}},
			{"then", tier.Name},
		})
	}
	return bson.D{{"$switch", bson.D{
		{"branches", branches},
		{"default", models.LevelTiers[0].Name},
	}}}
}

func afterUpdate() *options.FindOneAndUpdateOptions {
	return options.FindOneAndUpdate().SetReturnDocument(options.After)
}

// missing tells ErrNotFound apart from a lost compare-and-swap.
func (s *MongoStore) missing(ctx context.Context, coll *mongo.Collection, id primitive.ObjectID) error {
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter interface{}) (*T, error) {
	var out T
	err := coll.FindOne(ctx, filter).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ===== USERS =====

func (s *MongoStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	user.Level = models.LevelFor(user.Points)

	return s.withTx(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.users.InsertOne(sc, user); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert user: %w", err)
		}
		if user.Points <= 0 {
			return nil
		}
		entry := models.PointEntry{
			ID:           primitive.NewObjectID(),
			UserID:       user.ID,
			Change:       user.Points,
			BalanceAfter: user.Points,
			Reason:       models.PointsSignupBonus,
			CreatedAt:    user.CreatedAt,
		}
		if _, err := s.points.InsertOne(sc, entry); err != nil {
			return fmt.Errorf("insert signup bonus: %w", err)
		}
		return nil
	})
}

func (s *MongoStore) GetUser(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	return findOne[models.User](ctx, s.users, bson.M{"_id": id})
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return findOne[models.User](ctx, s.users, bson.M{"email": email})
}

func (s *MongoStore) GetUsers(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]*models.User, error) {
	out := make(map[primitive.ObjectID]*models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cursor, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []models.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	for i := range users {
		out[users[i].ID] = &users[i]
	}
	return out, nil
}

func (s *MongoStore) UpdateUser(ctx context.Context, id primitive.ObjectID, update models.UserUpdate) (*models.User, error) {
	set := bson.M{}
	if update.Name != nil {
		set["name"] = *update.Name
	}
	if update.Username != nil {
		set["username"] = *update.Username
	}
	if update.Avatar != nil {
		set["avatar"] = *update.Avatar
	}
	if update.Bio != nil {
		set["bio"] = *update.Bio
	}
	if update.Location != nil {
		set["location"] = *update.Location
	}
	if update.Role != nil {
		set["role"] = *update.Role
	}
	if len(set) == 0 {
		return s.GetUser(ctx, id)
	}
	set["updatedAt"] = nowUnix()

	var user models.User
	err := s.users.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, afterUpdate()).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *MongoStore) TouchUser(ctx context.Context, id primitive.ObjectID, at int64) error {
	_, err := s.users.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"lastSeen": at}})
	return err
}

func (s *MongoStore) Leaderboard(ctx context.Context, limit int) ([]models.User, error) {
	opts := options.Find().
		SetSort(bson.D{{"points", -1}, {"totalSwaps", -1}, {"_id", 1}}).
		SetLimit(int64(limit))
	cursor, err := s.users.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	users := []models.User{}
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// applyPoints adds change to a balance and rewrites the level in a single
// pipeline update. A debit only matches while the balance covers it.
func (s *MongoStore) applyPoints(ctx context.Context, userID primitive.ObjectID, change, swaps int, at int64) (*models.User, error) {
	filter := bson.M{"_id": userID}
	if change < 0 {
		filter["points"] = bson.M{"$gte": -change}
	}
	update := mongo.Pipeline{
		{{"$set", bson.D{
			{"points", bson.D{{"$add", bson.A{"$points", change}}}},
			{"totalSwaps", bson.D{{"$add", bson.A{"$totalSwaps", swaps}}}},
			{"updatedAt", at},
		}}},
		{{"$set", bson.D{{"level", levelSwitch("$points")}}}},
	}

	var user models.User
	err := s.users.FindOneAndUpdate(ctx, filter, update, afterUpdate()).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		err = s.missing(ctx, s.users, userID)
		if errors.Is(err, ErrConflict) {
			return nil, ErrInsufficientPoints
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("apply points: %w", err)
	}
	return &user, nil
}

func (s *MongoStore) AddPoints(ctx context.Context, credit PointCredit) (*models.User, error) {
	var updated *models.User
	err := s.withTx(ctx, func(sc mongo.SessionContext) error {
		at := nowUnix()
		user, err := s.applyPoints(sc, credit.UserID, credit.Change, 0, at)
		if err != nil {
			return err
		}
		entry := models.PointEntry{
			ID:           primitive.NewObjectID(),
			UserID:       credit.UserID,
			Change:       credit.Change,
			BalanceAfter: user.Points,
			Reason:       credit.Reason,
			ItemID:       credit.ItemID,
			SwapID:       credit.SwapID,
			CreatedAt:    at,
		}
		if _, err := s.points.InsertOne(sc, entry); err != nil {
			return fmt.Errorf("insert point entry: %w", err)
		}
		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *MongoStore) PointHistory(ctx context.Context, userID primitive.ObjectID, limit int) ([]models.PointEntry, error) {
	opts := options.Find().SetSort(bson.D{{"createdAt", -1}, {"_id", -1}}).SetLimit(int64(limit))
	cursor, err := s.points.Find(ctx, bson.M{"user": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	entries := []models.PointEntry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ===== ITEMS =====

func (s *MongoStore) CreateItem(ctx context.Context, item *models.Item, listingBonus int) error {
	if item.ID.IsZero() {
		item.ID = primitive.NewObjectID()
	}
	if item.Likes == nil {
		item.Likes = []primitive.ObjectID{}
	}

	return s.withTx(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.items.InsertOne(sc, item); err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		res, err := s.users.UpdateOne(sc, bson.M{"_id": item.UploaderID}, bson.M{"$inc": bson.M{"itemsListed": 1}})
		if err != nil {
			return fmt.Errorf("count listing: %w", err)
		}
		if res.MatchedCount == 0 {
			return ErrNotFound
		}
		if item.IsApproved && listingBonus > 0 {
			return s.creditListing(sc, item, listingBonus, item.CreatedAt)
		}
		return nil
	})
}

func (s *MongoStore) creditListing(ctx context.Context, item *models.Item, bonus int, at int64) error {
	user, err := s.applyPoints(ctx, item.UploaderID, bonus, 0, at)
	if err != nil {
		return err
	}
	itemID := item.ID
	entry := models.PointEntry{
		ID:           primitive.NewObjectID(),
		UserID:       item.UploaderID,
		Change:       bonus,
		BalanceAfter: user.Points,
		Reason:       models.PointsListingApproved,
		ItemID:       &itemID,
		CreatedAt:    at,
	}
	if _, err := s.points.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("insert listing bonus: %w", err)
	}
	return nil
}

func (s *MongoStore) GetItem(ctx context.Context, id primitive.ObjectID) (*models.Item, error) {
	return findOne[models.Item](ctx, s.items, bson.M{"_id": id})
}

func (s *MongoStore) GetItems(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]*models.Item, error) {
	out := make(map[primitive.ObjectID]*models.Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cursor, err := s.items.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var items []models.Item
	if err := cursor.All(ctx, &items); err != nil {
		return nil, err
	}
	for i := range items {
		out[items[i].ID] = &items[i]
	}
	return out, nil
}

func (s *MongoStore) UpdateItem(ctx context.Context, id primitive.ObjectID, update models.ItemUpdate, at int64) (*models.Item, error) {
	set := bson.M{"updatedAt": at}
	if update.Title != nil {
		set["title"] = *update.Title
	}
	if update.Description != nil {
		set["description"] = *update.Description
	}
	if update.Category != nil {
		set["category"] = *update.Category
	}
	if update.Type != nil {
		set["type"] = *update.Type
	}
	if update.Size != nil {
		set["size"] = *update.Size
	}
	if update.Condition != nil {
		set["condition"] = *update.Condition
	}
	if update.Brand != nil {
		set["brand"] = *update.Brand
	}
	if update.Color != nil {
		set["color"] = *update.Color
	}
	if update.Tags != nil {
		set["tags"] = update.Tags
	}
	if update.Images != nil {
		set["images"] = update.Images
	}
	if update.Points != nil {
		set["points"] = *update.Points
	}

	filter := bson.M{"_id": id, "status": bson.M{"$in": bson.A{models.ItemPending, models.ItemAvailable}}}
	var item models.Item
	err := s.items.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, afterUpdate()).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.missing(ctx, s.items, id)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func itemMatch(f ItemFilter) bson.M {
	match := bson.M{"status": bson.M{"$in": f.Statuses}}
	if !f.AnyApproval {
		match["isApproved"] = true
	}
	if f.Category != "" {
		match["category"] = f.Category
	}
	if f.Size != "" {
		match["size"] = f.Size
	}
	if f.Condition != "" {
		match["condition"] = f.Condition
	}
	if f.Type != "" {
		match["type"] = f.Type
	}
	if f.UploaderID != nil {
		match["uploader"] = *f.UploaderID
	}
	if f.MinPoints != nil || f.MaxPoints != nil {
		points := bson.M{}
		if f.MinPoints != nil {
			points["$gte"] = *f.MinPoints
		}
		if f.MaxPoints != nil {
			points["$lte"] = *f.MaxPoints
		}
		match["points"] = points
	}
	if f.Search != "" {
		re := primitive.Regex{Pattern: regexp.QuoteMeta(f.Search), Options: "i"}
		match["$or"] = bson.A{
			bson.M{"title": re},
			bson.M{"description": re},
			bson.M{"tags": re},
			bson.M{"brand": re},
		}
	}
	return match
}

func itemSort(sort string) bson.D {
	switch sort {
	case SortOldest:
		return bson.D{{"createdAt", 1}, {"_id", 1}}
	case SortPointsAsc:
		return bson.D{{"points", 1}, {"_id", -1}}
	case SortPointsDesc:
		return bson.D{{"points", -1}, {"_id", -1}}
	case SortPopular:
		return bson.D{{"popularity", -1}, {"_id", -1}}
	default:
		return bson.D{{"createdAt", -1}, {"_id", -1}}
	}
}

func (s *MongoStore) ListItems(ctx context.Context, filter ItemFilter) ([]models.Item, int64, error) {
	filter.Normalize()
	match := itemMatch(filter)

	pipeline := mongo.Pipeline{
		{{"$match", match}},
		{{"$addFields", bson.D{{"popularity", bson.D{{"$add", bson.A{"$views", "$likeCount"}}}}}}},
		{{"$sort", itemSort(filter.Sort)}},
		{{"$skip", int64(filter.Skip())}},
		{{"$limit", int64(filter.Limit)}},
	}

	var (
		items = []models.Item{}
		total int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.items.CountDocuments(gctx, match)
		if err != nil {
			return fmt.Errorf("count items: %w", err)
		}
		total = n
		return nil
	})
	g.Go(func() error {
		cursor, err := s.items.Aggregate(gctx, pipeline)
		if err != nil {
			return fmt.Errorf("list items: %w", err)
		}
		defer cursor.Close(gctx)
		return cursor.All(gctx, &items)
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *MongoStore) IncrementItemViews(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.items.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"views": 1}})
	return err
}

func (s *MongoStore) ToggleItemLike(ctx context.Context, itemID, userID primitive.ObjectID) (bool, int, error) {
	var item models.Item
	err := s.items.FindOneAndUpdate(ctx,
		bson.M{"_id": itemID, "likes": userID},
		bson.M{"$pull": bson.M{"likes": userID}, "$inc": bson.M{"likeCount": -1}},
		afterUpdate(),
	).Decode(&item)
	if err == nil {
		return false, item.LikeCount, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, 0, err
	}

	err = s.items.FindOneAndUpdate(ctx,
		bson.M{"_id": itemID, "likes": bson.M{"$ne": userID}},
		bson.M{"$addToSet": bson.M{"likes": userID}, "$inc": bson.M{"likeCount": 1}},
		afterUpdate(),
	).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, 0, s.missing(ctx, s.items, itemID)
	}
	if err != nil {
		return false, 0, err
	}
	return true, item.LikeCount, nil
}

func (s *MongoStore) ModerateItem(ctx context.Context, id primitive.ObjectID, approve bool, reason string, listingBonus int, at int64) (*models.Item, error) {
	set := bson.M{"updatedAt": at, "isApproved": approve}
	if approve {
		set["status"] = models.ItemAvailable
	} else {
		set["status"] = models.ItemRemoved
		set["rejectionReason"] = reason
	}

	var item models.Item
	err := s.withTx(ctx, func(sc mongo.SessionContext) error {
		err := s.items.FindOneAndUpdate(sc, bson.M{"_id": id, "status": models.ItemPending}, bson.M{"$set": set}, afterUpdate()).Decode(&item)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return s.missing(sc, s.items, id)
		}
		if err != nil {
			return err
		}
		if approve && listingBonus > 0 {
			return s.creditListing(sc, &item, listingBonus, at)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func swapsOnItems(items []primitive.ObjectID) bson.A {
	return bson.A{
		bson.M{"requestedItem": bson.M{"$in": items}},
		bson.M{"offeredItem": bson.M{"$in": items}},
	}
}

func cancelUpdate(reason string, by *primitive.ObjectID, at int64) bson.M {
	set := bson.M{
		"status":       models.SwapCancelled,
		"cancelReason": reason,
		"cancelledAt":  at,
		"updatedAt":    at,
	}
	if by != nil {
		set["cancelledBy"] = *by
	}
	return bson.M{"$set": set}
}

func (s *MongoStore) RemoveItem(ctx context.Context, id, by primitive.ObjectID, at int64) error {
	return s.withTx(ctx, func(sc mongo.SessionContext) error {
		held, err := s.swaps.CountDocuments(sc, bson.M{
			"status": models.SwapAccepted,
			"$or":    swapsOnItems([]primitive.ObjectID{id}),
		})
		if err != nil {
			return err
		}
		if held > 0 {
			return ErrConflict
		}

		res, err := s.items.UpdateOne(sc,
			bson.M{"_id": id, "status": bson.M{"$in": bson.A{models.ItemPending, models.ItemAvailable}}},
			bson.M{"$set": bson.M{"status": models.ItemRemoved, "updatedAt": at}},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return s.missing(sc, s.items, id)
		}

		_, err = s.swaps.UpdateMany(sc,
			bson.M{"status": models.SwapPending, "$or": swapsOnItems([]primitive.ObjectID{id})},
			cancelUpdate("Item was removed by its owner", &by, at),
		)
		return err
	})
}

// ===== SWAPS =====

func (s *MongoStore) CreateSwap(ctx context.Context, swap *models.Swap) error {
	if swap.ID.IsZero() {
		swap.ID = primitive.NewObjectID()
	}
	if swap.Messages == nil {
		swap.Messages = []models.SwapMessage{}
	}
	_, err := s.swaps.InsertOne(ctx, swap)
	return err
}

func (s *MongoStore) GetSwap(ctx context.Context, id primitive.ObjectID) (*models.Swap, error) {
	return findOne[models.Swap](ctx, s.swaps, bson.M{"_id": id})
}

func (s *MongoStore) ListSwaps(ctx context.Context, filter SwapFilter) ([]models.Swap, error) {
	query := bson.M{}
	switch filter.Role {
	case "requester":
		query["requester"] = filter.UserID
	case "provider":
		query["provider"] = filter.UserID
	default:
		query["$or"] = bson.A{bson.M{"requester": filter.UserID}, bson.M{"provider": filter.UserID}}
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}

	opts := options.Find().SetSort(bson.D{{"createdAt", -1}, {"_id", -1}})
	cursor, err := s.swaps.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	swaps := []models.Swap{}
	if err := cursor.All(ctx, &swaps); err != nil {
		return nil, err
	}
	return swaps, nil
}

func (s *MongoStore) HasOpenSwap(ctx context.Context, requesterID, itemID primitive.ObjectID) (bool, error) {
	n, err := s.swaps.CountDocuments(ctx, bson.M{
		"requester":     requesterID,
		"requestedItem": itemID,
		"status":        bson.M{"$in": models.OpenSwapStatuses},
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MongoStore) TransitionSwap(ctx context.Context, id primitive.ObjectID, from, to models.SwapStatus, by primitive.ObjectID, reason string, at int64) (*models.Swap, error) {
	if err := models.CheckTransition(from, to); err != nil {
		return nil, err
	}
	if to == models.SwapCompleted {
		return nil, errors.New("completion must go through CompleteSwap")
	}

	var update bson.M
	if to == models.SwapCancelled {
		update = cancelUpdate(reason, &by, at)
	} else {
		update = bson.M{"$set": bson.M{
			"status":                   to,
			models.StatusTimeField(to): at,
			"updatedAt":                at,
		}}
	}

	var swap models.Swap
	err := s.swaps.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": from}, update, afterUpdate()).Decode(&swap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.missing(ctx, s.swaps, id)
	}
	if err != nil {
		return nil, err
	}
	return &swap, nil
}

func (s *MongoStore) CompleteSwap(ctx context.Context, id primitive.ObjectID, at int64) (*models.Swap, error) {
	var completed models.Swap
	err := s.withTx(ctx, func(sc mongo.SessionContext) error {
		err := s.swaps.FindOneAndUpdate(sc,
			bson.M{"_id": id, "status": models.SwapAccepted},
			bson.M{"$set": bson.M{"status": models.SwapCompleted, "completedAt": at, "updatedAt": at}},
			afterUpdate(),
		).Decode(&completed)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return s.missing(sc, s.swaps, id)
		}
		if err != nil {
			return err
		}

		plan := completed.Settlement()
		if plan.MovesPoints() {
			payer, err := s.applyPoints(sc, plan.Payer, -plan.Points, 1, at)
			if err != nil {
				return err
			}
			payee, err := s.applyPoints(sc, plan.Payee, plan.Points, 1, at)
			if err != nil {
				return err
			}
			swapID := completed.ID
			entries := []interface{}{
				models.PointEntry{
					ID: primitive.NewObjectID(), UserID: payer.ID, Change: -plan.Points,
					BalanceAfter: payer.Points, Reason: models.PointsSwapPayment, SwapID: &swapID, CreatedAt: at,
				},
				models.PointEntry{
					ID: primitive.NewObjectID(), UserID: payee.ID, Change: plan.Points,
					BalanceAfter: payee.Points, Reason: models.PointsSwapIncome, SwapID: &swapID, CreatedAt: at,
				},
			}
			if _, err := s.points.InsertMany(sc, entries); err != nil {
				return fmt.Errorf("insert settlement entries: %w", err)
			}
		} else {
			_, err := s.users.UpdateMany(sc,
				bson.M{"_id": bson.M{"$in": bson.A{completed.RequesterID, completed.ProviderID}}},
				bson.M{"$inc": bson.M{"totalSwaps": 1}, "$set": bson.M{"updatedAt": at}},
			)
			if err != nil {
				return err
			}
		}

		if _, err := s.items.UpdateMany(sc,
			bson.M{"_id": bson.M{"$in": plan.RetiredItems}},
			bson.M{"$set": bson.M{"status": models.ItemSwapped, "updatedAt": at}},
		); err != nil {
			return err
		}

		_, err = s.swaps.UpdateMany(sc,
			bson.M{
				"_id":    bson.M{"$ne": completed.ID},
				"status": bson.M{"$in": models.OpenSwapStatuses},
				"$or":    swapsOnItems(plan.RetiredItems),
			},
			cancelUpdate("Item is no longer available", nil, at),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &completed, nil
}

func (s *MongoStore) AddSwapMessage(ctx context.Context, id primitive.ObjectID, msg models.SwapMessage) (*models.Swap, error) {
	var swap models.Swap
	err := s.swaps.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$push": bson.M{"messages": msg}, "$set": bson.M{"updatedAt": msg.CreatedAt}},
		afterUpdate(),
	).Decode(&swap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &swap, nil
}

func (s *MongoStore) RateSwap(ctx context.Context, id, rater primitive.ObjectID, rating models.SwapRating) (*models.Swap, error) {
	var rated models.Swap
	err := s.withTx(ctx, func(sc mongo.SessionContext) error {
		current, err := findOne[models.Swap](sc, s.swaps, bson.M{"_id": id})
		if err != nil {
			return err
		}
		if current.Status != models.SwapCompleted {
			return ErrConflict
		}
		slot, ratedUser, _ := current.RatingFrom(rater)

		err = s.swaps.FindOneAndUpdate(sc,
			bson.M{"_id": id, slot: bson.M{"$exists": false}},
			bson.M{"$set": bson.M{slot: rating, "updatedAt": rating.CreatedAt}},
			afterUpdate(),
		).Decode(&rated)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrAlreadyRated
		}
		if err != nil {
			return err
		}

		average := mongo.Pipeline{
			{{"$set", bson.D{
				{"rating", bson.D{{"$divide", bson.A{
					bson.D{{"$add", bson.A{bson.D{{"$multiply", bson.A{"$rating", "$totalRatings"}}}, rating.Rating}}},
					bson.D{{"$add", bson.A{"$totalRatings", 1}}},
				}}}},
				{"totalRatings", bson.D{{"$add", bson.A{"$totalRatings", 1}}}},
			}}},
		}
		res, err := s.users.UpdateOne(sc, bson.M{"_id": ratedUser}, average)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rated, nil
}

// ===== PUSH SUBSCRIPTIONS =====

func (s *MongoStore) SavePushSubscription(ctx context.Context, sub *models.PushSubscription) error {
	_, err := s.pushSubs.UpdateOne(ctx,
		bson.M{"userId": sub.UserID},
		bson.M{
			"$set": bson.M{
				"endpoint":  sub.Endpoint,
				"p256dh":    sub.P256dh,
				"auth":      sub.Auth,
				"updatedAt": sub.UpdatedAt,
			},
			"$setOnInsert": bson.M{"_id": primitive.NewObjectID()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetPushSubscription(ctx context.Context, userID primitive.ObjectID) (*models.PushSubscription, error) {
	return findOne[models.PushSubscription](ctx, s.pushSubs, bson.M{"userId": userID})
}

func (s *MongoStore) DeletePushSubscription(ctx context.Context, userID primitive.ObjectID) error {
	_, err := s.pushSubs.DeleteOne(ctx, bson.M{"userId": userID})
	return err
}
