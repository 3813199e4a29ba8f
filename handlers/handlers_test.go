package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rewear/config"
	"rewear/handlers"
	"rewear/middleware"
	"rewear/models"
	"rewear/notify"
	"rewear/routes"
	"rewear/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type sentEvent struct {
	UserID string
	Type   string
}

type recordingHub struct {
	mu     sync.Mutex
	events []sentEvent
}

func (r *recordingHub) SendToUser(userID, eventType string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentEvent{UserID: userID, Type: eventType})
}

func (r *recordingHub) sent() []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentEvent(nil), r.events...)
}

type testServer struct {
	t        *testing.T
	router   *gin.Engine
	store    store.Store
	hub      *recordingHub
	notifier *notify.Notifier
}

type account struct {
	ID    primitive.ObjectID
	Token string
}

func newTestServer(t *testing.T, tweak ...func(*config.Config)) *testServer {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := store.NewSQLStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	cfg := &config.Config{
		JWTSecret:      "test-secret",
		TokenTTL:       time.Hour,
		CORSOrigins:    []string{"http://localhost:3000"},
		UploadProvider: config.UploadNone,
		SignupBonus:    100,
		ListingBonus:   10,
		AdminEmails:    []string{"admin@rewear.app"},
	}
	for _, fn := range tweak {
		fn(cfg)
	}

	logger := zap.NewNop()
	hub := &recordingHub{}
	notifier := notify.New(hub, nil, logger)
	auth := middleware.NewAuth(cfg.JWTSecret, cfg.TokenTTL)
	h := handlers.New(st, auth, cfg, nil, notifier, logger)

	return &testServer{
		t:        t,
		router:   routes.SetupRouter(routes.Deps{Handler: h, Auth: auth, Config: cfg, Logger: logger}),
		store:    st,
		hub:      hub,
		notifier: notifier,
	}
}

func (s *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	return body.Error
}

func (s *testServer) signup(name, email string) account {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/auth/signup", "", gin.H{
		"name": name, "email": email, "password": "secret123",
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	decode(s.t, w, &resp)
	return account{ID: resp.User.ID, Token: resp.Token}
}

// listItem stores an approved, available item without a listing bonus.
func (s *testServer) listItem(owner account, title string, points int) *models.Item {
	s.t.Helper()
	now := time.Now().Unix()
	item := &models.Item{
		UploaderID:  owner.ID,
		Title:       title,
		Description: "A well kept garment",
		Category:    "tops",
		Type:        "unisex",
		Size:        "M",
		Condition:   "good",
		Tags:        []string{},
		Images:      []string{},
		Points:      points,
		Status:      models.ItemAvailable,
		IsApproved:  true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(s.t, s.store.CreateItem(context.Background(), item, 0))
	return item
}

func (s *testServer) user(id primitive.ObjectID) *models.User {
	s.t.Helper()
	u, err := s.store.GetUser(context.Background(), id)
	require.NoError(s.t, err)
	return u
}

func (s *testServer) item(id primitive.ObjectID) *models.Item {
	s.t.Helper()
	item, err := s.store.GetItem(context.Background(), id)
	require.NoError(s.t, err)
	return item
}

func (s *testServer) requestSwap(requester account, body gin.H) (*httptest.ResponseRecorder, models.Swap) {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/swaps", requester.Token, body)
	var resp struct {
		Swap models.Swap `json:"swap"`
	}
	if w.Code == http.StatusCreated {
		decode(s.t, w, &resp)
	}
	return w, resp.Swap
}

func (s *testServer) setStatus(token string, swapID primitive.ObjectID, status models.SwapStatus) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.do(http.MethodPut, "/api/swaps/"+swapID.Hex()+"/status", token, gin.H{"status": status})
}

func TestSignupAndLogin(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/auth/signup", "", gin.H{
		"name": "Ada", "email": "Ada@Example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	decode(t, w, &created)
	require.NotEmpty(t, created.Token)
	require.Equal(t, "ada@example.com", created.User.Email)
	require.Equal(t, 100, created.User.Points)
	require.Equal(t, "Swapper", created.User.Level)
	require.Equal(t, models.RoleUser, created.User.Role)
	require.NotContains(t, w.Body.String(), "passwordHash")

	w = s.do(http.MethodPost, "/api/auth/signup", "", gin.H{
		"name": "Ada", "email": "ada@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "Email already in use", errorOf(t, w))

	w = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "ada@example.com", "password": "secret123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "ada@example.com", "password": "wrong-pass"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Invalid email or password", errorOf(t, w))

	w = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "nobody@example.com", "password": "secret123"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/me", created.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSignupValidation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/auth/signup", "", gin.H{"name": "A", "email": "not-an-email", "password": "123"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Error  string `json:"error"`
		Errors []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	decode(t, w, &body)
	require.Equal(t, "Validation failed", body.Error)

	fields := map[string]string{}
	for _, fe := range body.Errors {
		fields[fe.Field] = fe.Message
	}
	require.Equal(t, "name must be at least 2 characters", fields["name"])
	require.Equal(t, "email must be a valid email address", fields["email"])
	require.Contains(t, fields, "password")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Invalid request body", errorOf(t, rec))
}

func TestSignupGrantsAdminByEmail(t *testing.T) {
	s := newTestServer(t)
	admin := s.signup("Admin", "admin@rewear.app")
	require.Equal(t, models.RoleAdmin, s.user(admin.ID).Role)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/swaps", "garbage", gin.H{})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Invalid token", errorOf(t, w))
}

func TestItemModerationFlow(t *testing.T) {
	s := newTestServer(t)
	owner := s.signup("Owner", "owner@example.com")
	admin := s.signup("Admin", "admin@rewear.app")
	other := s.signup("Other", "other@example.com")

	w := s.do(http.MethodPost, "/api/items", owner.Token, gin.H{
		"title":       "Denim jacket",
		"description": "Classic blue denim jacket",
		"category":    "outerwear",
		"type":        "unisex",
		"size":        "L",
		"condition":   "like-new",
		"tags":        []string{"Denim", "denim", " vintage "},
		"points":      80,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Item map[string]interface{} `json:"item"`
	}
	decode(t, w, &created)
	require.Equal(t, "pending", created.Item["status"])
	require.Equal(t, "pending", created.Item["availability"])
	require.Equal(t, []interface{}{"denim", "vintage"}, created.Item["tags"])
	itemID, err := primitive.ObjectIDFromHex(created.Item["id"].(string))
	require.NoError(t, err)
	require.Equal(t, 1, s.user(owner.ID).ItemsListed)

	// Pending items stay out of listings and hidden from other users.
	w = s.do(http.MethodGet, "/api/items", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items      []models.Item `json:"items"`
		Pagination struct {
			Total int `json:"total"`
		} `json:"pagination"`
	}
	decode(t, w, &list)
	require.Empty(t, list.Items)

	require.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/items/"+itemID.Hex(), other.Token, nil).Code)
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/items/"+itemID.Hex(), owner.Token, nil).Code)

	require.Equal(t, http.StatusForbidden, s.do(http.MethodPut, "/api/admin/items/"+itemID.Hex()+"/approve", owner.Token, nil).Code)

	w = s.do(http.MethodPut, "/api/admin/items/"+itemID.Hex()+"/approve", admin.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	item := s.item(itemID)
	require.Equal(t, models.ItemAvailable, item.Status)
	require.True(t, item.IsApproved)
	require.Equal(t, 110, s.user(owner.ID).Points)

	// A second decision on the same item is refused.
	w = s.do(http.MethodPut, "/api/admin/items/"+itemID.Hex()+"/reject", admin.Token, gin.H{"reason": "Duplicate listing"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/items", "", nil)
	decode(t, w, &list)
	require.Len(t, list.Items, 1)
	require.Equal(t, 1, list.Pagination.Total)
	require.NotNil(t, list.Items[0].Uploader)
	require.Equal(t, "Owner", list.Items[0].Uploader.Name)

	s.notifier.Wait()
	require.Contains(t, s.hub.sent(), sentEvent{UserID: owner.ID.Hex(), Type: notify.EventItemModerated})
}

func TestRejectItem(t *testing.T) {
	s := newTestServer(t)
	owner := s.signup("Owner", "owner@example.com")
	admin := s.signup("Admin", "admin@rewear.app")

	now := time.Now().Unix()
	item := &models.Item{
		UploaderID: owner.ID, Title: "Odd socks", Description: "Two socks that do not match",
		Category: "accessories", Type: "unisex", Size: "one-size", Condition: "fair",
		Points: 5, Status: models.ItemPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.store.CreateItem(context.Background(), item, 10))

	w := s.do(http.MethodGet, "/api/admin/items", admin.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), item.ID.Hex())

	w = s.do(http.MethodPut, "/api/admin/items/"+item.ID.Hex()+"/reject", admin.Token, gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPut, "/api/admin/items/"+item.ID.Hex()+"/reject", admin.Token, gin.H{"reason": "Not wearable"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := s.item(item.ID)
	require.Equal(t, models.ItemRemoved, got.Status)
	require.False(t, got.IsApproved)
	require.Equal(t, "Not wearable", got.RejectionReason)
	require.Equal(t, 100, s.user(owner.ID).Points)
}

func TestAdminAdjustsPoints(t *testing.T) {
	s := newTestServer(t)
	member := s.signup("Member", "member@example.com")
	admin := s.signup("Admin", "admin@rewear.app")
	path := "/api/admin/users/" + member.ID.Hex() + "/points"

	w := s.do(http.MethodPost, path, member.Token, gin.H{"change": 50, "note": "Event prize"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, path, admin.Token, gin.H{"change": 0, "note": "Nothing"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, path, admin.Token, gin.H{"change": 150, "note": "Community event prize"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Points int    `json:"points"`
		Level  string `json:"level"`
	}
	decode(t, w, &resp)
	require.Equal(t, 250, resp.Points)
	require.Equal(t, "Trendsetter", resp.Level)

	w = s.do(http.MethodPost, path, admin.Token, gin.H{"change": -300, "note": "Chargeback"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "Insufficient points", errorOf(t, w))
	require.Equal(t, 250, s.user(member.ID).Points)

	history, err := s.store.PointHistory(context.Background(), member.ID, 10)
	require.NoError(t, err)
	require.Equal(t, models.PointsAdjustment, history[0].Reason)
	require.Equal(t, 150, history[0].Change)

	w = s.do(http.MethodPost, "/api/admin/users/"+primitive.NewObjectID().Hex()+"/points", admin.Token, gin.H{"change": 5, "note": "Missing user"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutoApprovedItemEarnsBonus(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.AutoApproveItems = true })
	owner := s.signup("Owner", "owner@example.com")

	w := s.do(http.MethodPost, "/api/items", owner.Token, gin.H{
		"title": "Silk scarf", "description": "Light silk scarf, barely used",
		"category": "accessories", "type": "women", "size": "one-size", "condition": "new", "points": 40,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, 110, s.user(owner.ID).Points)

	w = s.do(http.MethodGet, "/api/me/points", owner.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var points struct {
		Points            int                 `json:"points"`
		Level             string              `json:"level"`
		PointsToNextLevel int                 `json:"pointsToNextLevel"`
		History           []models.PointEntry `json:"history"`
	}
	decode(t, w, &points)
	require.Equal(t, 110, points.Points)
	require.Equal(t, "Swapper", points.Level)
	require.Equal(t, 90, points.PointsToNextLevel)
	require.Len(t, points.History, 2)
	require.Equal(t, models.PointsListingApproved, points.History[0].Reason)
	require.Equal(t, models.PointsSignupBonus, points.History[1].Reason)
}

func TestCreateItemValidation(t *testing.T) {
	s := newTestServer(t)
	owner := s.signup("Owner", "owner@example.com")

	w := s.do(http.MethodPost, "/api/items", owner.Token, gin.H{
		"title": "Hat", "description": "A hat for sunny days",
		"category": "hats", "type": "unisex", "size": "M", "condition": "good", "points": 20000,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := w.Body.String()
	require.Contains(t, body, "category must be one of")
	require.Contains(t, body, "points must be at most 10000")
}

func TestListItemsFilters(t *testing.T) {
	s := newTestServer(t)
	owner := s.signup("Owner", "owner@example.com")
	s.listItem(owner, "Wool sweater", 30)
	s.listItem(owner, "Linen shirt", 60)
	s.listItem(owner, "Rain coat", 120)

	var list struct {
		Items      []models.Item `json:"items"`
		Pagination struct {
			Page  int `json:"page"`
			Limit int `json:"limit"`
			Total int `json:"total"`
			Pages int `json:"pages"`
		} `json:"pagination"`
	}

	w := s.do(http.MethodGet, "/api/items?minPoints=50&sort=points-desc", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	require.Len(t, list.Items, 2)
	require.Equal(t, "Rain coat", list.Items[0].Title)

	w = s.do(http.MethodGet, "/api/items?search=LINEN", "", nil)
	decode(t, w, &list)
	require.Len(t, list.Items, 1)
	require.Equal(t, "Linen shirt", list.Items[0].Title)

	w = s.do(http.MethodGet, "/api/items?limit=2&page=2&sort=points-asc", "", nil)
	decode(t, w, &list)
	require.Len(t, list.Items, 1)
	require.Equal(t, 3, list.Pagination.Total)
	require.Equal(t, 2, list.Pagination.Pages)

	w = s.do(http.MethodGet, "/api/items?limit=500", "", nil)
	decode(t, w, &list)
	require.Equal(t, 50, list.Pagination.Limit)

	require.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/items?category=hats", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/items?sort=random", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/items?page=abc", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/items?minPoints=90&maxPoints=10", "", nil).Code)

	w = s.do(http.MethodGet, "/api/items/categories", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "outerwear")
}

func TestGetItemCountsViewsAndLikes(t *testing.T) {
	s := newTestServer(t)
	owner := s.signup("Owner", "owner@example.com")
	fan := s.signup("Fan", "fan@example.com")
	item := s.listItem(owner, "Leather boots", 90)

	w := s.do(http.MethodGet, "/api/items/"+item.ID.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, s.item(item.ID).Views)

	require.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/items/not-an-id", "", nil).Code)
	require.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/items/"+primitive.NewObjectID().Hex(), "", nil).Code)

	var like struct {
		Liked     bool `json:"liked"`
		LikeCount int  `json:"likeCount"`
	}
	w = s.do(http.MethodPost, "/api/items/"+item.ID.Hex()+"/like", fan.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &like)
	require.True(t, like.Liked)
	require.Equal(t, 1, like.LikeCount)

	w = s.do(http.MethodPost, "/api/items/"+item.ID.Hex()+"/like", fan.Token, nil)
	decode(t, w, &like)
	require.False(t, like.Liked)
	require.Equal(t, 0, like.LikeCount)
}

func TestUpdateItem(t *testing.T) {
	s := newTestServer(t)
	owner := s.signup("Owner", "owner@example.com")
	other := s.signup("Other", "other@example.com")
	item := s.listItem(owner, "Cotton tee", 20)

	path := "/api/items/" + item.ID.Hex()
	require.Equal(t, http.StatusForbidden, s.do(http.MethodPut, path, other.Token, gin.H{"points": 30}).Code)

	w := s.do(http.MethodPut, path, owner.Token, gin.H{"points": 30, "size": "S"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := s.item(item.ID)
	require.Equal(t, 30, got.Points)
	require.Equal(t, "S", got.Size)
	require.Equal(t, "Cotton tee", got.Title)
	require.True(t, got.IsApproved)

	require.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, path, owner.Token, gin.H{"size": "XXXL"}).Code)
}

func TestItemForPointsSwapSettles(t *testing.T) {
	s := newTestServer(t)
	provider := s.signup("Provider", "provider@example.com")
	requester := s.signup("Requester", "requester@example.com")
	item := s.listItem(provider, "Vintage coat", 100)

	w, swap := s.requestSwap(requester, gin.H{
		"requestedItemId": item.ID.Hex(),
		"swapType":        "item_for_points",
		"message":         "Love this coat",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, 100, swap.PointsInvolved)
	require.Equal(t, models.SwapPending, swap.Status)
	require.Equal(t, provider.ID, swap.ProviderID)

	w = s.setStatus(provider.Token, swap.ID, models.SwapAccepted)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.setStatus(provider.Token, swap.ID, models.SwapCompleted)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req := s.user(requester.ID)
	prov := s.user(provider.ID)
	require.Equal(t, 0, req.Points)
	require.Equal(t, "Newcomer", req.Level)
	require.Equal(t, 200, prov.Points)
	require.Equal(t, "Trendsetter", prov.Level)
	require.Equal(t, 1, req.TotalSwaps)
	require.Equal(t, 1, prov.TotalSwaps)
	require.Equal(t, models.ItemSwapped, s.item(item.ID).Status)

	// Completed is terminal.
	w = s.setStatus(provider.Token, swap.ID, models.SwapCompleted)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Cannot update a completed swap", errorOf(t, w))

	history, err := s.store.PointHistory(context.Background(), requester.ID, 10)
	require.NoError(t, err)
	require.Equal(t, models.PointsSwapPayment, history[0].Reason)
	require.Equal(t, -100, history[0].Change)

	s.notifier.Wait()
	events := s.hub.sent()
	require.Contains(t, events, sentEvent{UserID: provider.ID.Hex(), Type: notify.EventSwapRequested})
	require.Contains(t, events, sentEvent{UserID: requester.ID.Hex(), Type: notify.EventSwapStatus})
}

func TestPointsForItemSwapPaysRequester(t *testing.T) {
	s := newTestServer(t)
	provider := s.signup("Provider", "provider@example.com")
	requester := s.signup("Requester", "requester@example.com")
	wanted := s.listItem(provider, "Knit cardigan", 50)
	offered := s.listItem(requester, "Summer dress", 40)

	w, swap := s.requestSwap(requester, gin.H{
		"requestedItemId": wanted.ID.Hex(),
		"offeredItemId":   offered.ID.Hex(),
		"swapType":        "points_for_item",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, 40, swap.PointsInvolved)

	require.Equal(t, http.StatusOK, s.setStatus(provider.Token, swap.ID, models.SwapAccepted).Code)
	require.Equal(t, http.StatusOK, s.setStatus(provider.Token, swap.ID, models.SwapCompleted).Code)

	require.Equal(t, 60, s.user(provider.ID).Points)
	require.Equal(t, 140, s.user(requester.ID).Points)
	require.Equal(t, models.ItemSwapped, s.item(offered.ID).Status)
	require.Equal(t, models.ItemAvailable, s.item(wanted.ID).Status)
}

func TestItemForItemCancelsCompetingSwaps(t *testing.T) {
	s := newTestServer(t)
	provider := s.signup("Provider", "provider@example.com")
	requester := s.signup("Requester", "requester@example.com")
	rival := s.signup("Rival", "rival@example.com")
	wanted := s.listItem(provider, "Trench coat", 70)
	offered := s.listItem(requester, "Wool scarf", 30)

	w, swap := s.requestSwap(requester, gin.H{
		"requestedItemId": wanted.ID.Hex(),
		"offeredItemId":   offered.ID.Hex(),
		"swapType":        "item_for_item",
		"pointsInvolved":  25,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Zero(t, swap.PointsInvolved)

	w, competing := s.requestSwap(rival, gin.H{"requestedItemId": wanted.ID.Hex(), "swapType": "item_for_points"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.Equal(t, http.StatusOK, s.setStatus(provider.Token, swap.ID, models.SwapAccepted).Code)
	require.Equal(t, http.StatusOK, s.setStatus(provider.Token, swap.ID, models.SwapCompleted).Code)

	require.Equal(t, models.ItemSwapped, s.item(wanted.ID).Status)
	require.Equal(t, models.ItemSwapped, s.item(offered.ID).Status)
	require.Equal(t, 100, s.user(provider.ID).Points)
	require.Equal(t, 100, s.user(requester.ID).Points)

	other, err := s.store.GetSwap(context.Background(), competing.ID)
	require.NoError(t, err)
	require.Equal(t, models.SwapCancelled, other.Status)
	require.Equal(t, "Item is no longer available", other.CancelReason)
}

func TestSwapRequestRules(t *testing.T) {
	s := newTestServer(t)
	provider := s.signup("Provider", "provider@example.com")
	requester := s.signup("Requester", "requester@example.com")
	item := s.listItem(provider, "Party dress", 100)
	pricey := s.listItem(provider, "Designer bag", 500)

	w, _ := s.requestSwap(provider, gin.H{"requestedItemId": item.ID.Hex(), "swapType": "item_for_points"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Cannot request swap for your own item", errorOf(t, w))

	w, _ = s.requestSwap(requester, gin.H{"requestedItemId": pricey.ID.Hex(), "swapType": "item_for_points"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Insufficient points", errorOf(t, w))

	w, _ = s.requestSwap(requester, gin.H{"requestedItemId": item.ID.Hex(), "swapType": "item_for_item"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "offeredItemId is required")

	w, _ = s.requestSwap(requester, gin.H{"requestedItemId": item.ID.Hex(), "swapType": "barter"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Validation failed", errorOf(t, w))

	// The path form of the request follows the same rules.
	w = s.do(http.MethodPost, "/api/items/"+item.ID.Hex()+"/swap-request", requester.Token, gin.H{"swapType": "item_for_points"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, _ = s.requestSwap(requester, gin.H{"requestedItemId": item.ID.Hex(), "swapType": "item_for_points"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "You already have a pending swap request for this item", errorOf(t, w))
}

func TestOnlyProviderUpdatesStatus(t *testing.T) {
	s := newTestServer(t)
	provider := s.signup("Provider", "provider@example.com")
	requester := s.signup("Requester", "requester@example.com")
	outsider := s.signup("Outsider", "outsider@example.com")
	item := s.listItem(provider, "Running shoes", 60)

	_, swap := s.requestSwap(requester, gin.H{"requestedItemId": item.ID.Hex(), "swapType": "item_for_points"})

	w := s.setStatus(requester.Token, swap.ID, models.SwapAccepted)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, http.StatusForbidden, s.setStatus(outsider.Token, swap.ID, models.SwapAccepted).Code)

	// Completion must go through accepted first.
	w = s.setStatus(provider.Token, swap.ID, models.SwapCompleted)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Invalid status transition from pending to completed", errorOf(t, w))

	w = s.setStatus(provider.Token, swap.ID, models.SwapRejected)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.setStatus(provider.Token, swap.ID, models.SwapAccepted)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Cannot update a rejected swap", errorOf(t, w))

	w = s.do(http.MethodPut, "/api/swaps/"+swap.ID.Hex()+"/cancel", requester.Token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.setStatus(provider.Token, swap.ID, "cancelled")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Validation failed", errorOf(t, w))
}

func TestCompletionNeedsPayerBalance(t *testing.T) {
	s := newTestServer(t)
	provider := s.signup("Provider", "provider@example.com")
	requester := s.signup("Requester", "requester@example.com")
	item := s.listItem(provider, "Evening gown", 80)

	_, swap := s.requestSwap(requester, gin.H{"requestedItemId": item.ID.Hex(), "swapType": "item_for_points"})
	require.Equal(t, http.StatusOK, s.setStatus(provider.Token, swap.ID, models.SwapAccepted).Code)

	// The requester spends points elsewhere before the swap completes.
	_, err := s.store.AddPoints(context.Background(), store.PointCredit{UserID: requester.ID, Change: -50, Reason: models.PointsSwapPayment})
	require.NoError(t, err)

	w := s.setStatus(provider.Token, swap.ID, models.SwapCompleted)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "Insufficient points to complete swap", errorOf(t, w))

	got, err := s.store.GetSwap(context.Background(), swap.ID)
	require.NoError(t, err)
	require.Equal(t, models.SwapAccepted, got.Status)
	require.Equal(t, 50, s.user(requester.ID).Points)
	require.Equal(t, 100, s.user(provider.ID).Points)
	require.Zero(t, s.user(provider.ID).TotalSwaps)
	require.Equal(t, models.ItemAvailable, s.item(item.ID).Status)
}

func TestCancelSwap(t *testing.T) {
	s := newTestServer(t)
	provider := s.signup("Provider", "provider@example.com")
	requester := s.signup("Requester", "requester@example.com")
	outsider := s.signup("Outsider", "outsider@example.com")
	item := s.listItem(provider, "Linen trousers", 30)

	_, swap := s.requestSwap(requester, gin.H{"requestedItemId": item.ID.Hex(), "swapType": "item_for_points"})
	path := "/api/swaps/" + swap.ID.Hex() + "/cancel"

	require.Equal(t, http.StatusForbidden, s.do(http.MethodPut, path, outsider.Token, nil).Code)

	w := s.do(http.MethodPut, path, requester.Token, gin.H{"reason": "Changed my mind"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := s.store.GetSwap(context.Background(), swap.ID)
	require.NoError(t, err)
	require.Equal(t, models.SwapCancelled, got.Status)
	require.Equal(t, "Changed my mind", got.CancelReason)
	require.NotNil(t, got.CancelledBy)
	require.Equal(t, requester.ID, *got.CancelledBy)

	w = s.do(http.MethodPut, path, provider.Token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Cannot update a cancelled swap", errorOf(t, w))

	// Cancelling frees the item for a new request.
	w, _ = s.requestSwap(requester, gin.H{"requestedItemId": item.ID.Hex(), "swapType": "item_for_points"})
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestSwapMessagesAndRatings(t *testing.T) {
	s := newTestServer(t)
	provider := s.signup("Provider", "provider@example.com")
	requester := s.signup("Requester", "requester@example.com")
	outsider := s.signup("Outsider", "outsider@example.com")
	item := s.listItem(provider, "Flannel shirt", 40)

	_, swap := s.requestSwap(requester, gin.H{"requestedItemId": item.ID.Hex(), "swapType": "item_for_points"})
	base := "/api/swaps/" + swap.ID.Hex()

	w := s.do(http.MethodPost, base+"/messages", requester.Token, gin.H{"message": "Is it still available?"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, http.StatusForbidden, s.do(http.MethodPost, base+"/messages", outsider.Token, gin.H{"message": "hi"}).Code)
	require.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, base+"/messages", provider.Token, gin.H{"message": "   "}).Code)

	w = s.do(http.MethodGet, base, provider.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Swap models.Swap `json:"swap"`
	}
	decode(t, w, &got)
	require.Len(t, got.Swap.Messages, 1)
	require.NotNil(t, got.Swap.Requester)
	require.NotNil(t, got.Swap.RequestedItem)
	require.Equal(t, http.StatusForbidden, s.do(http.MethodGet, base, outsider.Token, nil).Code)

	w = s.do(http.MethodPost, base+"/rate", requester.Token, gin.H{"rating": 5})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Can only rate completed swaps", errorOf(t, w))

	require.Equal(t, http.StatusOK, s.setStatus(provider.Token, swap.ID, models.SwapAccepted).Code)
	require.Equal(t, http.StatusOK, s.setStatus(provider.Token, swap.ID, models.SwapCompleted).Code)

	require.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, base+"/rate", requester.Token, gin.H{"rating": 6}).Code)

	w = s.do(http.MethodPost, base+"/rate", requester.Token, gin.H{"rating": 4, "feedback": "Quick and friendly"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, base+"/rate", requester.Token, gin.H{"rating": 5})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "You have already rated this swap", errorOf(t, w))

	rated := s.user(provider.ID)
	require.Equal(t, 1, rated.TotalRatings)
	require.InDelta(t, 4.0, rated.Rating, 0.001)

	w = s.do(http.MethodPost, base+"/rate", provider.Token, gin.H{"rating": 3})
	require.Equal(t, http.StatusOK, w.Code)
	require.InDelta(t, 3.0, s.user(requester.ID).Rating, 0.001)

	s.notifier.Wait()
	require.Contains(t, s.hub.sent(), sentEvent{UserID: provider.ID.Hex(), Type: notify.EventSwapMessage})
}

func TestListSwapsByRole(t *testing.T) {
	s := newTestServer(t)
	provider := s.signup("Provider", "provider@example.com")
	requester := s.signup("Requester", "requester@example.com")
	first := s.listItem(provider, "Beanie", 10)
	second := s.listItem(requester, "Gloves", 10)

	s.requestSwap(requester, gin.H{"requestedItemId": first.ID.Hex(), "swapType": "item_for_points"})
	s.requestSwap(provider, gin.H{"requestedItemId": second.ID.Hex(), "swapType": "item_for_points"})

	var list struct {
		Swaps []models.Swap `json:"swaps"`
		Count int           `json:"count"`
	}
	decode(t, s.do(http.MethodGet, "/api/swaps", requester.Token, nil), &list)
	require.Equal(t, 2, list.Count)

	decode(t, s.do(http.MethodGet, "/api/swaps?role=requester", requester.Token, nil), &list)
	require.Len(t, list.Swaps, 1)
	require.Equal(t, first.ID, list.Swaps[0].RequestedItemID)

	decode(t, s.do(http.MethodGet, "/api/swaps?role=provider&status=pending", requester.Token, nil), &list)
	require.Len(t, list.Swaps, 1)
	require.Equal(t, second.ID, list.Swaps[0].RequestedItemID)

	require.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/swaps?role=owner", requester.Token, nil).Code)
}

func TestDeleteItem(t *testing.T) {
	s := newTestServer(t)
	provider := s.signup("Provider", "provider@example.com")
	requester := s.signup("Requester", "requester@example.com")
	held := s.listItem(provider, "Bomber jacket", 50)
	loose := s.listItem(provider, "Cargo pants", 20)

	_, accepted := s.requestSwap(requester, gin.H{"requestedItemId": held.ID.Hex(), "swapType": "item_for_points"})
	require.Equal(t, http.StatusOK, s.setStatus(provider.Token, accepted.ID, models.SwapAccepted).Code)
	_, pending := s.requestSwap(requester, gin.H{"requestedItemId": loose.ID.Hex(), "swapType": "item_for_points"})

	require.Equal(t, http.StatusForbidden, s.do(http.MethodDelete, "/api/items/"+loose.ID.Hex(), requester.Token, nil).Code)

	w := s.do(http.MethodDelete, "/api/items/"+held.ID.Hex(), provider.Token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "Cannot delete an item with an accepted swap", errorOf(t, w))

	w = s.do(http.MethodDelete, "/api/items/"+loose.ID.Hex(), provider.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, models.ItemRemoved, s.item(loose.ID).Status)

	got, err := s.store.GetSwap(context.Background(), pending.ID)
	require.NoError(t, err)
	require.Equal(t, models.SwapCancelled, got.Status)

	require.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/items/"+loose.ID.Hex(), requester.Token, nil).Code)
	require.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/items/"+loose.ID.Hex(), provider.Token, nil).Code)
}

func TestProfileEndpoints(t *testing.T) {
	s := newTestServer(t)
	ada := s.signup("Ada", "ada@example.com")
	bob := s.signup("Bob", "bob@example.com")
	s.listItem(ada, "Corduroy skirt", 35)

	w := s.do(http.MethodPut, "/api/me", ada.Token, gin.H{"bio": "  Loves vintage  ", "location": "Lisbon"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	me := s.user(ada.ID)
	require.Equal(t, "Loves vintage", me.Bio)
	require.Equal(t, "Lisbon", me.Location)

	require.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, "/api/me", ada.Token, gin.H{"username": "a b"}).Code)

	w = s.do(http.MethodGet, "/api/users/"+ada.ID.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), "ada@example.com")
	require.Contains(t, w.Body.String(), "Lisbon")

	w = s.do(http.MethodGet, "/api/users/"+ada.ID.Hex()+"/items", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Corduroy skirt")

	w = s.do(http.MethodPut, "/api/users/"+ada.ID.Hex()+"/avatar", bob.Token, gin.H{"avatarUrl": "https://img.example.com/a.png"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPut, "/api/users/"+ada.ID.Hex()+"/avatar", ada.Token, gin.H{"avatarUrl": "https://img.example.com/a.png"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "https://img.example.com/a.png", s.user(ada.ID).Avatar)
}

func TestLeaderboard(t *testing.T) {
	s := newTestServer(t)
	low := s.signup("Low", "low@example.com")
	high := s.signup("High", "high@example.com")
	_, err := s.store.AddPoints(context.Background(), store.PointCredit{UserID: high.ID, Change: 400, Reason: models.PointsListingApproved})
	require.NoError(t, err)

	w := s.do(http.MethodGet, "/api/users/leaderboard?limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var board struct {
		Leaderboard []struct {
			Rank int                  `json:"rank"`
			User models.PublicProfile `json:"user"`
		} `json:"leaderboard"`
	}
	decode(t, w, &board)
	require.Len(t, board.Leaderboard, 1)
	require.Equal(t, high.ID, board.Leaderboard[0].User.ID)
	require.Equal(t, "Style Icon", board.Leaderboard[0].User.Level)
	require.NotEqual(t, low.ID, board.Leaderboard[0].User.ID)
}

func TestUnconfiguredIntegrations(t *testing.T) {
	s := newTestServer(t)
	user := s.signup("Ada", "ada@example.com")

	require.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/api/auth/google/url", "", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/api/push/vapid-public-key", "", nil).Code)

	w := s.do(http.MethodPost, "/api/push/subscribe", user.Token, gin.H{
		"endpoint": "https://push.example.com/abc",
		"keys":     gin.H{"p256dh": "key", "auth": "secret"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub, err := s.store.GetPushSubscription(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, "https://push.example.com/abc", sub.Endpoint)

	require.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/push/subscribe", user.Token, gin.H{"endpoint": "nope"}).Code)
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	s := newTestServer(t)

	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "", nil).Code)
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/health", "", nil).Code)

	w := s.do(http.MethodGet, "/api/nothing-here", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "Endpoint not found", errorOf(t, w))
	require.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}
