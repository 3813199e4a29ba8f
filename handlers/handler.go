// Package handlers implements the HTTP API on top of the store.
package handlers

import (
	"context"
	"errors"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"rewear/config"
	"rewear/middleware"
	"rewear/models"
	"rewear/notify"
	"rewear/store"
	"rewear/upload"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	requestTimeout = 10 * time.Second
	uploadTimeout  = 30 * time.Second
)

type Handler struct {
	store    store.Store
	auth     *middleware.Auth
	cfg      *config.Config
	uploader upload.Uploader
	notifier *notify.Notifier
	google   *oauth2.Config
	logger   *zap.Logger
}

func New(st store.Store, auth *middleware.Auth, cfg *config.Config, uploader upload.Uploader, notifier *notify.Notifier, logger *zap.Logger) *Handler {
	if uploader == nil {
		uploader = upload.Disabled{}
	}
	return &Handler{
		store:    st,
		auth:     auth,
		cfg:      cfg,
		uploader: uploader,
		notifier: notifier,
		google:   googleConfig(cfg),
		logger:   logger,
	}
}

func requestContext(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), timeout)
}

// currentUser reads the id the auth middleware stored, answering 401 when
// it is missing or malformed.
func currentUser(c *gin.Context) (primitive.ObjectID, bool) {
	userID, err := primitive.ObjectIDFromHex(c.GetString(middleware.UserIDKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user ID"})
		return primitive.NilObjectID, false
	}
	return userID, true
}

// optionalUser is currentUser for routes that also serve anonymous callers.
func optionalUser(c *gin.Context) (primitive.ObjectID, bool) {
	userID, err := primitive.ObjectIDFromHex(c.GetString(middleware.UserIDKey))
	return userID, err == nil
}

func isAdmin(c *gin.Context) bool {
	return c.GetString(middleware.RoleKey) == models.RoleAdmin
}

func pathID(c *gin.Context, what string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + what + " ID"})
		return primitive.NilObjectID, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return n
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func pagination(page, limit int, total int64) gin.H {
	return gin.H{
		"page":  page,
		"limit": limit,
		"total": total,
		"pages": int(math.Ceil(float64(total) / float64(limit))),
	}
}

// serverError logs err and answers with the generic 500 body.
func (h *Handler) serverError(c *gin.Context, op string, err error) {
	h.logger.Error("Request failed",
		zap.String("handler", op),
		zap.String("requestId", c.GetString(middleware.RequestIDKey)),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// respondStoreError maps store sentinels onto status codes.
func (h *Handler) respondStoreError(c *gin.Context, op string, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
	case errors.Is(err, store.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "Already exists"})
	case errors.Is(err, store.ErrInsufficientPoints):
		c.JSON(http.StatusConflict, gin.H{"error": "Insufficient points"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Resource was modified by another request"})
	case errors.Is(err, store.ErrAlreadyRated):
		c.JSON(http.StatusBadRequest, gin.H{"error": "You have already rated this swap"})
	default:
		h.serverError(c, op, err)
	}
}

// saveImage validates one uploaded file and hands it to the uploader.
func (h *Handler) saveImage(ctx context.Context, fh *multipart.FileHeader, folder, publicID string) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	img := upload.Image{Name: fh.Filename, Size: fh.Size, Reader: f}
	if _, err := upload.ContentType(img); err != nil {
		return "", err
	}
	return h.uploader.Upload(ctx, img, folder, publicID)
}

func (h *Handler) respondUploadError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, upload.ErrNotAnImage), errors.Is(err, upload.ErrImageTooBig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, upload.ErrDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Image uploads are not configured"})
	default:
		h.logger.Error("Image upload failed", zap.String("handler", op), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to upload image"})
	}
}

// Health reports that the process is up.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "ReWear API is running",
		"time":    time.Now().Unix(),
	})
}
