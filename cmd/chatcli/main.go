package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/config"
	"github.com/mbeoliero/marketchat/internal/gateway"
	"github.com/mbeoliero/marketchat/internal/repository"
	"github.com/mbeoliero/marketchat/internal/service"
	"github.com/mbeoliero/marketchat/pkg/constant"
	"github.com/mbeoliero/marketchat/pkg/idgen"
	"github.com/mbeoliero/marketchat/pkg/jwt"
)

func main() {
	ctx := context.TODO()

	configPath := "config/config.yaml"
	if p := os.Getenv(config.EnvPrefix + "_CONFIG"); p != "" {
		configPath = p
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.CtxError(ctx, "failed to load config: %v", err)
		panic(err)
	}

	// Resolve current user
	userId := cfg.Chat.UserId
	if userId == "" {
		userId, err = jwt.UserIdFromToken(cfg.API.Token, time.Now())
		if err != nil {
			log.CtxError(ctx, "failed to read user id from token: %v", err)
			panic(err)
		}
	}
	log.CtxInfo(ctx, "config loaded: user_id=%s, api=%s", userId, cfg.API.BaseURL)

	// Initialize id generator
	gen, err := idgen.NewSonyflakeGenerator(cfg.Chat.MachineId)
	if err != nil {
		log.CtxError(ctx, "failed to create id generator: %v", err)
		panic(err)
	}
	idgen.SetDefaultGenerator(gen)

	// Initialize repositories
	repos, err := repository.NewRepositories(cfg, userId)
	if err != nil {
		log.CtxError(ctx, "failed to initialize repositories: %v", err)
		panic(err)
	}
	defer repos.Close()

	if err := repos.CheckConnection(ctx); err != nil {
		log.CtxError(ctx, "redis connection check failed: %v", err)
		panic(err)
	}
	if repos.Redis != nil {
		log.CtxInfo(ctx, "receipt ledger on redis: key_prefix=%s", constant.GetRedisKeyPrefix())
	}

	// Connect push channel
	socket, err := gateway.Dial(ctx, gateway.Options{
		URL:              cfg.Socket.URL,
		Token:            cfg.API.Token,
		HandshakeTimeout: cfg.Socket.HandshakeTimeout,
		MaxMessageSize:   cfg.Socket.MaxMessageSize,
		WriteWait:        cfg.Socket.WriteWait,
		PongWait:         cfg.Socket.PongWait,
		PingPeriod:       cfg.Socket.PingPeriod,
		WriteChannelSize: cfg.Socket.WriteChannelSize,
	})
	if err != nil {
		log.CtxError(ctx, "failed to connect socket: %v", err)
		panic(err)
	}
	defer socket.Close()

	// Initialize sync engine
	engine, err := service.NewConversationSyncEngine(
		service.EngineConfig{UserId: userId, PageSize: cfg.Chat.PageSize},
		repos.Conversation,
		socket,
		service.WithReceiptLedger(repos.Receipt),
		service.WithIDGenerator(idgen.NewPlaceholderGenerator(gen)),
	)
	if err != nil {
		log.CtxError(ctx, "failed to create sync engine: %v", err)
		panic(err)
	}
	defer engine.Close()

	if err := engine.Start(ctx); err != nil {
		log.CtxError(ctx, "failed to start sync engine: %v", err)
		panic(err)
	}
	socket.Start()

	c := newConsole(engine, socket.Presence(), os.Stdin, os.Stdout)
	c.printConversations()

	// Run console in goroutine
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.run(ctx)
	}()

	// Wait for interrupt signal, end of input or a dropped socket
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	case <-socket.Done():
		log.CtxWarn(ctx, "socket closed: %v", socket.Err())
	}

	log.CtxInfo(ctx, "chat client stopped")
}
