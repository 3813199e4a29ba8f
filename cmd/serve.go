package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"rewear/database"
	"rewear/handlers"
	"rewear/middleware"
	"rewear/notify"
	"rewear/push"
	"rewear/routes"
	"rewear/store"
	"rewear/upload"
	"rewear/websocket"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Release() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}()

	if err := prepareStore(ctx, st); err != nil {
		return err
	}

	uploader, err := upload.New(ctx, cfg)
	if err != nil {
		return err
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := websocket.NewManager(logger)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	// Leave the pusher unset rather than passing a nil *push.Sender.
	var pusher notify.Pusher
	if cfg.PushEnabled() {
		pusher = push.NewSender(st, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject, logger)
	} else {
		logger.Warn("Web Push disabled, set VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY to enable it")
	}
	notifier := notify.New(hub, pusher, logger)

	auth := middleware.NewAuth(cfg.JWTSecret, cfg.TokenTTL)
	router := routes.SetupRouter(routes.Deps{
		Handler: handlers.New(st, auth, cfg, uploader, notifier, logger),
		Auth:    auth,
		Hub:     hub,
		Config:  cfg,
		Logger:  logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.String("uploads", cfg.UploadProvider))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stopHub()
			<-hubDone
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", zap.Error(err))
	}

	stopHub()
	<-hubDone
	notifier.Wait()

	logger.Info("Server stopped gracefully")
	return nil
}

var ensureIndexes = database.EnsureIndexes

// prepareStore builds the Mongo indexes before serving. Email uniqueness
// depends on them, so a failure stops startup.
func prepareStore(ctx context.Context, st store.Store) error {
	ms, ok := st.(*store.MongoStore)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := ensureIndexes(ctx, ms.Database()); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}
