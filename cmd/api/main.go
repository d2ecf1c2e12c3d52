package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/converso-chat/converso/internal/auth"
	"github.com/converso-chat/converso/internal/config"
	"github.com/converso-chat/converso/internal/data"
	"github.com/converso-chat/converso/internal/db"
	"github.com/converso-chat/converso/internal/middleware"
	"github.com/converso-chat/converso/internal/notify"
	"github.com/converso-chat/converso/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.NewLogger("dev").Error("load config", "err", err)
		os.Exit(1)
	}
	log := obs.NewLogger(cfg.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := db.New(ctx, cfg.MongoURI, cfg.MongoDB)
	cancel()
	if err != nil {
		log.Error("connect mongo", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(shutdownCtx); err != nil {
			log.Error("close mongo", "err", err)
		}
	}()

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = client.CreateIndexes(ctx)
	cancel()
	if err != nil {
		log.Error("create indexes", "err", err)
		os.Exit(1)
	}

	users := data.NewUsersStore(client.UsersCollection())
	chats := data.NewChatsStore(client.ChatsCollection())
	msgs := data.NewMessagesStore(client.MessagesCollection())

	var notifier notify.Notifier = notify.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kn, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, nil)
		if err != nil {
			log.Error("connect kafka", "err", err)
			os.Exit(1)
		}
		defer func() {
			if err := kn.Close(); err != nil {
				log.Error("close kafka producer", "err", err)
			}
		}()
		notifier = kn
		log.Info("push notifications enabled", "topic", cfg.KafkaTopic)
	} else {
		log.Warn("no kafka brokers configured, push notifications disabled")
	}

	limiter := middleware.NewLimiterStore(cfg.SendRatePerMinute, cfg.SendBurst, 5*time.Minute)
	defer limiter.Stop()

	hub := NewPresenceHub()
	rooms := NewRoomRegistry()
	typing := NewTypingTracker(rooms, cfg.TypingTimeout, cfg.TypingSweepInterval)
	defer typing.Stop()

	authMgr := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTDuration)
	srv := newServer(cfg, log, users, chats, msgs, authMgr, hub, rooms, typing, limiter, notifier)

	app := fiber.New(fiber.Config{
		AppName:      "converso",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})
	srv.routes(app)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(cfg.Addr)
	}()
	log.Info("server started", "addr", cfg.Addr, "env", cfg.Env)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server stopped", "err", err)
			os.Exit(1)
		}
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("shutdown", "err", err)
		}
	}
}
