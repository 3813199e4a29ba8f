package routes

import (
	"net/http"
	"strings"
	"time"

	"rewear/config"
	"rewear/handlers"
	"rewear/middleware"
	"rewear/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps is everything the router wires together. Hub may be nil, which
// leaves /ws unregistered.
type Deps struct {
	Handler *handlers.Handler
	Auth    *middleware.Auth
	Hub     *websocket.Manager
	Config  *config.Config
	Logger  *zap.Logger
}

func SetupRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery(d.Logger), middleware.RequestLogger(d.Logger))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     d.Config.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Requested-With", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Type", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	h := d.Handler
	router.GET("/health", h.Health)

	if d.Hub != nil {
		router.GET("/ws", d.Hub.Handler(func(token string) (string, error) {
			claims, err := d.Auth.ParseToken(token)
			if err != nil {
				return "", err
			}
			return claims.UserID, nil
		}))
	}

	limiter := middleware.NewIPRateLimiter(d.Config.RateLimitPerMinute, time.Minute)
	api := router.Group("/api", limiter.Middleware())
	api.GET("/health", h.Health)

	// Auth
	auth := api.Group("/auth")
	auth.POST("/signup", h.Signup)
	auth.POST("/login", h.Login)
	auth.GET("/google/url", h.GoogleAuthURL)
	auth.GET("/google/callback", h.GoogleCallback)

	// Public reads; a valid token still unlocks owner and admin views
	public := api.Group("", d.Auth.Optional())
	public.GET("/items", h.ListItems)
	public.GET("/items/categories", h.ItemCategories)
	public.GET("/items/:id", h.GetItem)
	public.GET("/users/leaderboard", h.Leaderboard)
	public.GET("/users/:id", h.GetUser)
	public.GET("/users/:id/items", h.GetUserItems)
	public.GET("/push/vapid-public-key", h.VapidPublicKey)

	protected := api.Group("", d.Auth.Required())

	// Profile
	protected.GET("/me", h.GetMyProfile)
	protected.PUT("/me", h.UpdateMyProfile)
	protected.GET("/me/points", h.GetMyPoints)
	protected.PUT("/users/:id/avatar", h.UpdateAvatar)

	// Items
	protected.POST("/items", h.CreateItem)
	protected.PUT("/items/:id", h.UpdateItem)
	protected.DELETE("/items/:id", h.DeleteItem)
	protected.POST("/items/:id/like", h.ToggleLike)
	protected.POST("/items/:id/swap-request", h.RequestSwapForItem)

	// Swaps
	protected.POST("/swaps", h.CreateSwap)
	protected.GET("/swaps", h.ListSwaps)
	protected.GET("/swaps/:id", h.GetSwap)
	protected.PUT("/swaps/:id/status", h.UpdateSwapStatus)
	protected.PUT("/swaps/:id/cancel", h.CancelSwap)
	protected.POST("/swaps/:id/messages", h.AddSwapMessage)
	protected.POST("/swaps/:id/rate", h.RateSwap)

	// Push subscriptions
	protected.POST("/push/subscribe", h.SubscribePush)
	protected.DELETE("/push/subscribe", h.UnsubscribePush)

	// Moderation
	admin := protected.Group("/admin", middleware.AdminOnly())
	admin.GET("/items", h.ModerationQueue)
	admin.PUT("/items/:id/approve", h.ApproveItem)
	admin.PUT("/items/:id/reject", h.RejectItem)
	admin.POST("/users/:id/points", h.AdjustPoints)

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Endpoint not found",
				"path":  c.Request.URL.Path,
			})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	return router
}
