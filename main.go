package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/shelfmates/server/api/rest"
	"github.com/shelfmates/server/api/sse"
	apiws "github.com/shelfmates/server/api/ws"
	"github.com/shelfmates/server/audit"
	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/chat"
	"github.com/shelfmates/server/config"
	dbadapter "github.com/shelfmates/server/db"
	mw "github.com/shelfmates/server/middleware"
	"github.com/shelfmates/server/model"
	"github.com/shelfmates/server/plugin/hook"
	"github.com/shelfmates/server/room"
	"github.com/shelfmates/server/scheduler"
	"github.com/shelfmates/server/session"
	"github.com/shelfmates/server/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}
	if len(cfg.Security.AllowedOrigins) == 0 {
		logger.Warn("security.allowed_origins is empty; every origin may open a socket")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		logger.Fatal("db failed", zap.Error(err))
	}
	if err := model.AutoMigrate(db); err != nil {
		logger.Fatal("db migrate failed", zap.Error(err))
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	c, err := cache.NewCache(cfg.Cache)
	if err != nil {
		logger.Fatal("cache failed", zap.Error(err))
	}
	pubsub, err := cache.NewPubSub(cfg.Cache)
	if err != nil {
		logger.Fatal("pubsub failed", zap.Error(err))
	}
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))
	backplaneDropped := func() uint64 { return 0 }
	if dc, ok := pubsub.(cache.DropCounter); ok {
		backplaneDropped = dc.Dropped
	}

	// ---- Stores ----
	identity := store.NewIdentity(db)
	messages := store.NewMessages(db)
	conversations := store.NewConversations(db)

	// ---- Chat core ----
	sm := session.NewManager(c, logger)
	rooms := room.NewRouter(pubsub, logger)
	defer rooms.Close()

	clubCh := chat.NewClubChannel(identity, messages, rooms, cfg.Chat, auditSvc, logger)
	directCh := chat.NewDirectChannel(identity, messages, conversations, rooms, cfg.Chat, auditSvc, logger)
	resolver := chat.NewResolver(identity, conversations, auditSvc, logger)

	hooks := hook.NewCenter()
	if len(cfg.Chat.BlockedWords) > 0 {
		filter := hook.BlockWords(cfg.Chat.BlockedWords)
		hooks.Register(hook.BeforeClubSend, 0, "blocked_words", filter)
		hooks.Register(hook.BeforeDirectSend, 0, "blocked_words", filter)
		logger.Info("content filter enabled", zap.Int("terms", len(cfg.Chat.BlockedWords)))
	}
	clubCh.SetHooks(hooks)
	directCh.SetHooks(hooks)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()
	scheduler.RegisterHousekeeping(sched, scheduler.Housekeeping{
		Sessions: sm,
		Rooms:    rooms,
		Interval: 30 * time.Second,
		Report: func() []zap.Field {
			return []zap.Field{
				zap.Int("sessions", sm.Count()),
				zap.Int("users", sm.UserCount()),
				zap.Int("rooms", len(rooms.Rooms())),
				zap.Uint64("backplane_dropped", backplaneDropped()),
			}
		},
	}, logger)

	// ---- WS Router ----
	wsRouter := apiws.NewRouter(logger)
	chatH := apiws.NewChatHandlers(clubCh, directCh, logger)
	chatH.RegisterHandlers(wsRouter)

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, c, identity, cfg.Security, logger)
	r.GET("/sse", sseH.ServeSSE)

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, identity, c, cfg.Security, logger)
	convH := apirest.NewConversationHandler(resolver, directCh, logger)
	clubH := apirest.NewClubHandler(clubCh, logger)
	adminH := apirest.NewAdminHandler(db, c, sm, rooms, sched, sseH, logger)
	requireAuth := mw.Auth(cfg.Security, c, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", requireAuth, authH.Logout)
		authG.POST("/refresh", requireAuth, authH.Refresh)

		chatG := api.Group("")
		chatG.Use(requireAuth)
		chatG.GET("/conversation", convH.GetOrCreate)
		chatG.DELETE("/conversation/:convoId", convH.Delete)
		chatG.GET("/messages/:conversationId", convH.Messages)
		chatG.GET("/clubs/:id/messages", clubH.History)

		adminG := api.Group("/admin")
		if len(cfg.Server.AdminIPs) > 0 {
			adminG.Use(mw.IPWhitelist(cfg.Server.AdminIPs))
		}
		adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/sessions", adminH.ListSessions)
		adminG.GET("/rooms", adminH.ListRooms)
		adminG.POST("/kick/:id", adminH.KickUser)
		adminG.POST("/users/:id/ban", adminH.BanUser)
		adminG.POST("/announce", adminH.Announce)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
	}

	// ---- WebSocket ----
	wsH := apiws.NewHandler(identity, c, cfg.Security, cfg.Chat, sm, rooms, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		logger.Info("Server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sm.CloseAllSessions(5 * time.Second)
}
