package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/voting-queue-system/internal/auth"
	"github.com/voting-queue-system/internal/config"
	"github.com/voting-queue-system/internal/playback"
	"github.com/voting-queue-system/internal/queue"
	"github.com/voting-queue-system/internal/session"
	"github.com/voting-queue-system/internal/spotify"
	"github.com/voting-queue-system/internal/ws"
	"github.com/voting-queue-system/pkg/database"
	"github.com/voting-queue-system/pkg/events"
	"github.com/voting-queue-system/pkg/jwt"
	"github.com/voting-queue-system/pkg/redis"
	"github.com/voting-queue-system/pkg/retry"
)

const shutdownTimeout = 15 * time.Second

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "run schema migrations before serving")
}

// changeFeed is what sessions subscribe to for store changes.
type changeFeed struct {
	source events.Source
	close  func() error
}

func newChangeFeed(cfg *config.Config, db *gorm.DB, policy retry.Policy, log *zap.Logger) (*changeFeed, *database.SQLStore) {
	switch cfg.Session.ChangeSource {
	case config.SourceKafka:
		kc := events.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix, policy, log)
		return &changeFeed{source: kc, close: kc.Close}, database.NewSQLStore(db, kc, log)
	case config.SourcePoll:
		st := database.NewSQLStore(db, nil, log)
		poller := events.NewPoller(st, cfg.Session.PollInterval, policy, clock.New(), log)
		return &changeFeed{source: poller, close: func() error { return nil }}, st
	default:
		broker := events.NewBroker(log)
		return &changeFeed{source: broker, close: func() error { return nil }}, database.NewSQLStore(db, broker, log)
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Server.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer database.Close(db)
	if autoMigrate {
		if err := database.AutoMigrate(db, log); err != nil {
			return err
		}
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr(), err)
	}
	cancel()

	policy := retry.Policy{
		MaxAttempts: cfg.Session.RetryMaxAttempts,
		NewBackOff:  retry.Exponential(200*time.Millisecond, 5*time.Second),
	}
	feed, st := newChangeFeed(cfg, db, policy, log)
	defer feed.close()

	spotifyClient := spotify.NewClient(cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, cfg.Spotify.RedirectURI)
	tokenStore := redis.NewTokenStore(redisClient)
	signer := jwt.NewSigner(cfg.JWT.Secret, cfg.JWT.TTL)

	manager := session.NewManager(st, feed.source, session.Options{
		SyncTimeout:      cfg.Session.SyncTimeout,
		OrphanTTL:        cfg.Session.OrphanTTL,
		TickInterval:     cfg.Session.TickInterval,
		ResubscribeAfter: cfg.Session.ResubscribeAfter,
		Retry:            policy,
		AutoAdvance:      cfg.Session.AutoAdvance,
		Logger:           log,
		PlayerFor: func(viewerID uuid.UUID) playback.Provider {
			return spotify.NewPlayer(spotifyClient, tokenStore, viewerID.String(), cfg.Spotify.DeviceID)
		},
	})

	queueService := queue.NewService(st, redis.NewQueueCache(redisClient, cfg.Redis.CacheTTL), log)

	authHandler := auth.NewHandler(spotifyClient, tokenStore, st, signer, auth.Options{
		GuestTTL:     cfg.JWT.GuestTTL,
		FrontendURL:  cfg.Server.FrontendURL,
		SecureCookie: cfg.Server.Production(),
	}, log)
	queueHandler := queue.NewHandler(queueService)
	searchHandler := spotify.NewHandler(spotifyClient, tokenStore, queueService, log)
	wsHandler := ws.NewHandler(manager, cfg.Server.CORSOrigins, log)

	router := newRouter(cfg, log)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": manager.Len()})
	})
	// Spotify may still be registered with the legacy callback path.
	router.GET("/auth/callback", func(c *gin.Context) {
		dest := "/api/v1/auth/callback"
		if raw := c.Request.URL.RawQuery; raw != "" {
			dest += "?" + raw
		}
		c.Redirect(http.StatusTemporaryRedirect, dest)
	})

	v1 := router.Group("/api/v1")
	authHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.Middleware(signer, tokenStore, log))
	{
		queueHandler.RegisterRoutes(protected)
		searchHandler.RegisterRoutes(protected)
		protected.GET("/ws/:queueId", wsHandler.HandleWebSocket)
	}
	router.NoRoute(spaFallback(cfg.Server.StaticDir))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("change_source", cfg.Session.ChangeSource))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		manager.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(cfg *config.Config, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	return router
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			log.Debug("request",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("latency", time.Since(start)))
		}
	}
}

// spaFallback serves built frontend files and falls back to index.html for
// client-side routes.
func spaFallback(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		filePath := filepath.Join(dir, filepath.Clean("/"+c.Request.URL.Path))
		if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
			c.File(filePath)
			return
		}
		c.File(filepath.Join(dir, "index.html"))
	}
}
