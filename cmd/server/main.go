package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matcha/internal/call"
	"matcha/internal/config"
	"matcha/internal/db"
	clog "matcha/internal/log"
	"matcha/internal/messaging"
	"matcha/internal/server"
	"matcha/internal/service"
	"matcha/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	users := service.NewUserService(gdb, cfg)
	notifications := service.NewNotificationService(gdb)
	chat := service.NewChatService(gdb)
	svc := server.Services{
		Users:         users,
		Matches:       service.NewMatchService(gdb, notifications),
		Chat:          chat,
		Notifications: notifications,
		Dates:         service.NewDateService(gdb, notifications),
	}

	hub := ws.NewHub()
	if cfg.NATSURL != "" {
		relay, err := messaging.Connect(messaging.Config{URL: cfg.NATSURL, Instance: cfg.InstanceName})
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer relay.Close()
		if err := relay.Start(hub); err != nil {
			log.Fatal().Err(err).Msg("nats subscribe")
		}
		hub.SetRelay(relay)
	}

	socket := ws.NewServer(hub, users, chat, call.NewRegistry(), cfg)
	r := server.SetupRouter(cfg, gdb, server.NewHandler(cfg, svc, hub), socket.Serve())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("instance", cfg.InstanceName).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("server stopped")
}
