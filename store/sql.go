package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rewear/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLStore is the gorm backed Store. IDs are kept as ObjectID hex strings so
// both backends hand out the same identifiers.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens (or creates) the SQLite database at dsn and migrates it.
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers anyway; one connection keeps an in-memory
	// database alive and avoids "database is locked" inside transactions.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&userRow{}, &itemRow{}, &swapRow{}, &pointRow{}, &pushSubRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func first[T any](tx *gorm.DB, query string, args ...interface{}) (*T, error) {
	var row T
	err := tx.Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// missing tells ErrNotFound apart from a lost compare-and-swap.
func missing(tx *gorm.DB, model interface{}, id string) error {
	var n int64
	if err := tx.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// ===== USERS =====

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	user.Level = models.LevelFor(user.Points)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(newUserRow(user)).Error; err != nil {
			if isDuplicate(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert user: %w", err)
		}
		if user.Points <= 0 {
			return nil
		}
		return tx.Create(newPointRow(&models.PointEntry{
			ID:           primitive.NewObjectID(),
			UserID:       user.ID,
			Change:       user.Points,
			BalanceAfter: user.Points,
			Reason:       models.PointsSignupBonus,
			CreatedAt:    user.CreatedAt,
		})).Error
	})
}

func (s *SQLStore) GetUser(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	row, err := first[userRow](s.db.WithContext(ctx), "id = ?", hexOf(id))
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row, err := first[userRow](s.db.WithContext(ctx), "email = ?", email)
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (s *SQLStore) GetUsers(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]*models.User, error) {
	out := make(map[primitive.ObjectID]*models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []userRow
	if err := s.db.WithContext(ctx).Where("id IN ?", hexList(ids)).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		u := rows[i].model()
		out[u.ID] = u
	}
	return out, nil
}

func (s *SQLStore) UpdateUser(ctx context.Context, id primitive.ObjectID, update models.UserUpdate) (*models.User, error) {
	set := map[string]interface{}{}
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
	if len(set) > 0 {
		set["updated_at"] = nowUnix()
		res := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", hexOf(id)).Updates(set)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrNotFound
		}
	}
	return s.GetUser(ctx, id)
}

func (s *SQLStore) TouchUser(ctx context.Context, id primitive.ObjectID, at int64) error {
	return s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", hexOf(id)).Update("last_seen", at).Error
}

func (s *SQLStore) Leaderboard(ctx context.Context, limit int) ([]models.User, error) {
	var rows []userRow
	err := s.db.WithContext(ctx).
		Order("points DESC").Order("total_swaps DESC").Order("id ASC").
		Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	users := make([]models.User, len(rows))
	for i := range rows {
		users[i] = *rows[i].model()
	}
	return users, nil
}

// applyPoints adds change to a balance and rewrites the level inside tx. A
// debit only matches while the balance covers it.
func applyPoints(tx *gorm.DB, userID primitive.ObjectID, change, swaps int, at int64) (*userRow, error) {
	id := hexOf(userID)
	q := tx.Model(&userRow{}).Where("id = ?", id)
	if change < 0 {
		q = q.Where("points >= ?", -change)
	}
	res := q.Updates(map[string]interface{}{
		"points":      gorm.Expr("points + ?", change),
		"total_swaps": gorm.Expr("total_swaps + ?", swaps),
		"updated_at":  at,
	})
	if res.Error != nil {
		return nil, fmt.Errorf("apply points: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		err := missing(tx, &userRow{}, id)
		if errors.Is(err, ErrConflict) {
			return nil, ErrInsufficientPoints
		}
		return nil, err
	}

	row, err := first[userRow](tx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if level := models.LevelFor(row.Points); level != row.Level {
		if err := tx.Model(&userRow{}).Where("id = ?", id).Update("level", level).Error; err != nil {
			return nil, err
		}
		row.Level = level
	}
	return row, nil
}

func (s *SQLStore) AddPoints(ctx context.Context, credit PointCredit) (*models.User, error) {
	var updated *models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		at := nowUnix()
		row, err := applyPoints(tx, credit.UserID, credit.Change, 0, at)
		if err != nil {
			return err
		}
		entry := models.PointEntry{
			ID:           primitive.NewObjectID(),
			UserID:       credit.UserID,
			Change:       credit.Change,
			BalanceAfter: row.Points,
			Reason:       credit.Reason,
			ItemID:       credit.ItemID,
			SwapID:       credit.SwapID,
			CreatedAt:    at,
		}
		if err := tx.Create(newPointRow(&entry)).Error; err != nil {
			return fmt.Errorf("insert point entry: %w", err)
		}
		updated = row.model()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) PointHistory(ctx context.Context, userID primitive.ObjectID, limit int) ([]models.PointEntry, error) {
	var rows []pointRow
	err := s.db.WithContext(ctx).Where("user_id = ?", hexOf(userID)).
		Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	entries := make([]models.PointEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].model()
	}
	return entries, nil
}

// ===== ITEMS =====

func (s *SQLStore) CreateItem(ctx context.Context, item *models.Item, listingBonus int) error {
	if item.ID.IsZero() {
		item.ID = primitive.NewObjectID()
	}
	if item.Likes == nil {
		item.Likes = []primitive.ObjectID{}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(newItemRow(item)).Error; err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		res := tx.Model(&userRow{}).Where("id = ?", hexOf(item.UploaderID)).
			Update("items_listed", gorm.Expr("items_listed + 1"))
		if res.Error != nil {
			return fmt.Errorf("count listing: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if item.IsApproved && listingBonus > 0 {
			return creditListing(tx, item, listingBonus, item.CreatedAt)
		}
		return nil
	})
}

func creditListing(tx *gorm.DB, item *models.Item, bonus int, at int64) error {
	row, err := applyPoints(tx, item.UploaderID, bonus, 0, at)
	if err != nil {
		return err
	}
	itemID := item.ID
	return tx.Create(newPointRow(&models.PointEntry{
		ID:           primitive.NewObjectID(),
		UserID:       item.UploaderID,
		Change:       bonus,
		BalanceAfter: row.Points,
		Reason:       models.PointsListingApproved,
		ItemID:       &itemID,
		CreatedAt:    at,
	})).Error
}

func (s *SQLStore) GetItem(ctx context.Context, id primitive.ObjectID) (*models.Item, error) {
	row, err := first[itemRow](s.db.WithContext(ctx), "id = ?", hexOf(id))
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (s *SQLStore) GetItems(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]*models.Item, error) {
	out := make(map[primitive.ObjectID]*models.Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []itemRow
	if err := s.db.WithContext(ctx).Where("id IN ?", hexList(ids)).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		item := rows[i].model()
		out[item.ID] = item
	}
	return out, nil
}

func (s *SQLStore) UpdateItem(ctx context.Context, id primitive.ObjectID, update models.ItemUpdate, at int64) (*models.Item, error) {
	var updated *models.Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := first[itemRow](tx, "id = ?", hexOf(id))
		if err != nil {
			return err
		}
		item := row.model()
		if item.Status != models.ItemPending && item.Status != models.ItemAvailable {
			return ErrConflict
		}
		update.Apply(item)
		item.UpdatedAt = at
		if err := tx.Save(newItemRow(item)).Error; err != nil {
			return err
		}
		updated = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *SQLStore) itemQuery(ctx context.Context, f ItemFilter) *gorm.DB {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	q := s.db.WithContext(ctx).Model(&itemRow{}).Where("status IN ?", statuses)
	if !f.AnyApproval {
		q = q.Where("is_approved = ?", true)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Size != "" {
		q = q.Where("size = ?", f.Size)
	}
	if f.Condition != "" {
		q = q.Where("condition = ?", f.Condition)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.UploaderID != nil {
		q = q.Where("uploader_id = ?", hexOf(*f.UploaderID))
	}
	if f.MinPoints != nil {
		q = q.Where("points >= ?", *f.MinPoints)
	}
	if f.MaxPoints != nil {
		q = q.Where("points <= ?", *f.MaxPoints)
	}
	if f.Search != "" {
		like := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		// Tags are matched one element at a time so JSON punctuation never matches.
		q = q.Where(
			`(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\' OR LOWER(brand) LIKE ? ESCAPE '\'`+
				` OR EXISTS (SELECT 1 FROM json_each(items.tags) WHERE LOWER(json_each.value) LIKE ? ESCAPE '\'))`,
			like, like, like, like,
		)
	}
	return q.Session(&gorm.Session{})
}

func itemOrder(sort string) []clause.OrderByColumn {
	col := func(name string, desc bool) clause.OrderByColumn {
		return clause.OrderByColumn{Column: clause.Column{Name: name, Raw: true}, Desc: desc}
	}
	switch sort {
	case SortOldest:
		return []clause.OrderByColumn{col("created_at", false), col("id", false)}
	case SortPointsAsc:
		return []clause.OrderByColumn{col("points", false), col("id", true)}
	case SortPointsDesc:
		return []clause.OrderByColumn{col("points", true), col("id", true)}
	case SortPopular:
		return []clause.OrderByColumn{col("(views + like_count)", true), col("id", true)}
	default:
		return []clause.OrderByColumn{col("created_at", true), col("id", true)}
	}
}

func (s *SQLStore) ListItems(ctx context.Context, filter ItemFilter) ([]models.Item, int64, error) {
	filter.Normalize()
	q := s.itemQuery(ctx, filter)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}
	var rows []itemRow
	err := q.Clauses(clause.OrderBy{Columns: itemOrder(filter.Sort)}).
		Offset(filter.Skip()).Limit(filter.Limit).Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list items: %w", err)
	}
	items := make([]models.Item, len(rows))
	for i := range rows {
		items[i] = *rows[i].model()
	}
	return items, total, nil
}

func (s *SQLStore) IncrementItemViews(ctx context.Context, id primitive.ObjectID) error {
	return s.db.WithContext(ctx).Model(&itemRow{}).Where("id = ?", hexOf(id)).
		Update("views", gorm.Expr("views + 1")).Error
}

func (s *SQLStore) ToggleItemLike(ctx context.Context, itemID, userID primitive.ObjectID) (bool, int, error) {
	var (
		liked bool
		count int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := first[itemRow](tx, "id = ?", hexOf(itemID))
		if err != nil {
			return err
		}
		user := hexOf(userID)
		likes := make(jsonList[string], 0, len(row.Likes)+1)
		for _, id := range row.Likes {
			if id != user {
				likes = append(likes, id)
			}
		}
		liked = len(likes) == len(row.Likes)
		if liked {
			likes = append(likes, user)
		}
		count = len(likes)
		return tx.Model(&itemRow{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
			"likes":      likes,
			"like_count": count,
		}).Error
	})
	if err != nil {
		return false, 0, err
	}
	return liked, count, nil
}

func (s *SQLStore) ModerateItem(ctx context.Context, id primitive.ObjectID, approve bool, reason string, listingBonus int, at int64) (*models.Item, error) {
	set := map[string]interface{}{"updated_at": at, "is_approved": approve}
	if approve {
		set["status"] = string(models.ItemAvailable)
	} else {
		set["status"] = string(models.ItemRemoved)
		set["rejection_reason"] = reason
	}

	var moderated *models.Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hex := hexOf(id)
		res := tx.Model(&itemRow{}).Where("id = ? AND status = ?", hex, models.ItemPending).Updates(set)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return missing(tx, &itemRow{}, hex)
		}
		row, err := first[itemRow](tx, "id = ?", hex)
		if err != nil {
			return err
		}
		moderated = row.model()
		if approve && listingBonus > 0 {
			return creditListing(tx, moderated, listingBonus, at)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moderated, nil
}

func cancelSet(reason string, by *primitive.ObjectID, at int64) map[string]interface{} {
	set := map[string]interface{}{
		"status":        string(models.SwapCancelled),
		"cancel_reason": reason,
		"cancelled_at":  at,
		"updated_at":    at,
	}
	if by != nil {
		set["cancelled_by"] = hexOf(*by)
	}
	return set
}

func (s *SQLStore) RemoveItem(ctx context.Context, id, by primitive.ObjectID, at int64) error {
	hex := hexOf(id)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var held int64
		err := tx.Model(&swapRow{}).
			Where("status = ? AND (requested_item_id = ? OR offered_item_id = ?)", models.SwapAccepted, hex, hex).
			Count(&held).Error
		if err != nil {
			return err
		}
		if held > 0 {
			return ErrConflict
		}

		res := tx.Model(&itemRow{}).
			Where("id = ? AND status IN ?", hex, []string{string(models.ItemPending), string(models.ItemAvailable)}).
			Updates(map[string]interface{}{"status": string(models.ItemRemoved), "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return missing(tx, &itemRow{}, hex)
		}

		return tx.Model(&swapRow{}).
			Where("status = ? AND (requested_item_id = ? OR offered_item_id = ?)", models.SwapPending, hex, hex).
			Updates(cancelSet("Item was removed by its owner", &by, at)).Error
	})
}

// ===== SWAPS =====

func (s *SQLStore) CreateSwap(ctx context.Context, swap *models.Swap) error {
	if swap.ID.IsZero() {
		swap.ID = primitive.NewObjectID()
	}
	if swap.Messages == nil {
		swap.Messages = []models.SwapMessage{}
	}
	return s.db.WithContext(ctx).Create(newSwapRow(swap)).Error
}

func (s *SQLStore) GetSwap(ctx context.Context, id primitive.ObjectID) (*models.Swap, error) {
	row, err := first[swapRow](s.db.WithContext(ctx), "id = ?", hexOf(id))
	if err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (s *SQLStore) ListSwaps(ctx context.Context, filter SwapFilter) ([]models.Swap, error) {
	user := hexOf(filter.UserID)
	q := s.db.WithContext(ctx).Model(&swapRow{})
	switch filter.Role {
	case "requester":
		q = q.Where("requester_id = ?", user)
	case "provider":
		q = q.Where("provider_id = ?", user)
	default:
		q = q.Where("(requester_id = ? OR provider_id = ?)", user, user)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	var rows []swapRow
	if err := q.Order("created_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	swaps := make([]models.Swap, len(rows))
	for i := range rows {
		swaps[i] = *rows[i].model()
	}
	return swaps, nil
}

func openStatuses() []string {
	out := make([]string, len(models.OpenSwapStatuses))
	for i, st := range models.OpenSwapStatuses {
		out[i] = string(st)
	}
	return out
}

func (s *SQLStore) HasOpenSwap(ctx context.Context, requesterID, itemID primitive.ObjectID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&swapRow{}).
		Where("requester_id = ? AND requested_item_id = ? AND status IN ?", hexOf(requesterID), hexOf(itemID), openStatuses()).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) TransitionSwap(ctx context.Context, id primitive.ObjectID, from, to models.SwapStatus, by primitive.ObjectID, reason string, at int64) (*models.Swap, error) {
	if err := models.CheckTransition(from, to); err != nil {
		return nil, err
	}
	if to == models.SwapCompleted {
		return nil, errors.New("completion must go through CompleteSwap")
	}

	var set map[string]interface{}
	if to == models.SwapCancelled {
		set = cancelSet(reason, &by, at)
	} else {
		set = map[string]interface{}{
			"status":                             string(to),
			columnOf(models.StatusTimeField(to)): at,
			"updated_at":                         at,
		}
	}

	var swap *models.Swap
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hex := hexOf(id)
		res := tx.Model(&swapRow{}).Where("id = ? AND status = ?", hex, string(from)).Updates(set)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return missing(tx, &swapRow{}, hex)
		}
		row, err := first[swapRow](tx, "id = ?", hex)
		if err != nil {
			return err
		}
		swap = row.model()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swap, nil
}

// columnOf maps a camelCase document field to its snake_case column.
func columnOf(field string) string {
	var b strings.Builder
	for _, r := range field {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) CompleteSwap(ctx context.Context, id primitive.ObjectID, at int64) (*models.Swap, error) {
	var completed *models.Swap
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hex := hexOf(id)
		res := tx.Model(&swapRow{}).Where("id = ? AND status = ?", hex, string(models.SwapAccepted)).
			Updates(map[string]interface{}{"status": string(models.SwapCompleted), "completed_at": at, "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return missing(tx, &swapRow{}, hex)
		}
		row, err := first[swapRow](tx, "id = ?", hex)
		if err != nil {
			return err
		}
		completed = row.model()

		plan := completed.Settlement()
		if plan.MovesPoints() {
			payer, err := applyPoints(tx, plan.Payer, -plan.Points, 1, at)
			if err != nil {
				return err
			}
			payee, err := applyPoints(tx, plan.Payee, plan.Points, 1, at)
			if err != nil {
				return err
			}
			swapID := completed.ID
			entries := []*pointRow{
				newPointRow(&models.PointEntry{
					ID: primitive.NewObjectID(), UserID: plan.Payer, Change: -plan.Points,
					BalanceAfter: payer.Points, Reason: models.PointsSwapPayment, SwapID: &swapID, CreatedAt: at,
				}),
				newPointRow(&models.PointEntry{
					ID: primitive.NewObjectID(), UserID: plan.Payee, Change: plan.Points,
					BalanceAfter: payee.Points, Reason: models.PointsSwapIncome, SwapID: &swapID, CreatedAt: at,
				}),
			}
			if err := tx.Create(&entries).Error; err != nil {
				return fmt.Errorf("insert settlement entries: %w", err)
			}
		} else {
			err := tx.Model(&userRow{}).
				Where("id IN ?", []string{hexOf(completed.RequesterID), hexOf(completed.ProviderID)}).
				Updates(map[string]interface{}{"total_swaps": gorm.Expr("total_swaps + 1"), "updated_at": at}).Error
			if err != nil {
				return err
			}
		}

		retired := hexList(plan.RetiredItems)
		if err := tx.Model(&itemRow{}).Where("id IN ?", retired).
			Updates(map[string]interface{}{"status": string(models.ItemSwapped), "updated_at": at}).Error; err != nil {
			return err
		}

		return tx.Model(&swapRow{}).
			Where("id <> ? AND status IN ? AND (requested_item_id IN ? OR offered_item_id IN ?)", hex, openStatuses(), retired, retired).
			Updates(cancelSet("Item is no longer available", nil, at)).Error
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func (s *SQLStore) AddSwapMessage(ctx context.Context, id primitive.ObjectID, msg models.SwapMessage) (*models.Swap, error) {
	var swap *models.Swap
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := first[swapRow](tx, "id = ?", hexOf(id))
		if err != nil {
			return err
		}
		row.Messages = append(row.Messages, msg)
		row.UpdatedAt = msg.CreatedAt
		err = tx.Model(&swapRow{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
			"messages":   row.Messages,
			"updated_at": row.UpdatedAt,
		}).Error
		if err != nil {
			return err
		}
		swap = row.model()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swap, nil
}

func (s *SQLStore) RateSwap(ctx context.Context, id, rater primitive.ObjectID, rating models.SwapRating) (*models.Swap, error) {
	var rated *models.Swap
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hex := hexOf(id)
		row, err := first[swapRow](tx, "id = ?", hex)
		if err != nil {
			return err
		}
		current := row.model()
		if current.Status != models.SwapCompleted {
			return ErrConflict
		}
		slot, ratedUser, _ := current.RatingFrom(rater)
		prefix := columnOf(strings.TrimSuffix(slot, "Rating"))

		res := tx.Model(&swapRow{}).Where("id = ? AND "+prefix+"_rating IS NULL", hex).Updates(map[string]interface{}{
			prefix + "_rating":   rating.Rating,
			prefix + "_feedback": rating.Feedback,
			prefix + "_rated_at": rating.CreatedAt,
			"updated_at":         rating.CreatedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyRated
		}

		res = tx.Model(&userRow{}).Where("id = ?", hexOf(ratedUser)).Updates(map[string]interface{}{
			"rating":        gorm.Expr("(rating * total_ratings + ?) / (total_ratings + 1)", rating.Rating),
			"total_ratings": gorm.Expr("total_ratings + 1"),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		row, err = first[swapRow](tx, "id = ?", hex)
		if err != nil {
			return err
		}
		rated = row.model()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rated, nil
}

// ===== PUSH SUBSCRIPTIONS =====

func (s *SQLStore) SavePushSubscription(ctx context.Context, sub *models.PushSubscription) error {
	if sub.ID.IsZero() {
		sub.ID = primitive.NewObjectID()
	}
	row := &pushSubRow{
		ID:        hexOf(sub.ID),
		UserID:    hexOf(sub.UserID),
		Endpoint:  sub.Endpoint,
		P256dh:    sub.P256dh,
		Auth:      sub.Auth,
		UpdatedAt: sub.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"endpoint", "p256dh", "auth", "updated_at"}),
	}).Create(row).Error
}

func (s *SQLStore) GetPushSubscription(ctx context.Context, userID primitive.ObjectID) (*models.PushSubscription, error) {
	row, err := first[pushSubRow](s.db.WithContext(ctx), "user_id = ?", hexOf(userID))
	if err != nil {
		return nil, err
	}
	return &models.PushSubscription{
		ID:        oidOf(row.ID),
		UserID:    oidOf(row.UserID),
		Endpoint:  row.Endpoint,
		P256dh:    row.P256dh,
		Auth:      row.Auth,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *SQLStore) DeletePushSubscription(ctx context.Context, userID primitive.ObjectID) error {
	return s.db.WithContext(ctx).Where("user_id = ?", hexOf(userID)).Delete(&pushSubRow{}).Error
}
