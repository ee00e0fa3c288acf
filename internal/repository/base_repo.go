package repository

import (
	"context"

	"github.com/mbeoliero/kit/log"
	"github.com/redis/go-redis/v9"

	"github.com/mbeoliero/marketchat/internal/config"
	"github.com/mbeoliero/marketchat/pkg/constant"
	"github.com/mbeoliero/marketchat/sdk"
)

// Repositories holds all repositories
type Repositories struct {
	API          *sdk.Client
	Redis        *redis.Client // nil when redis is not configured
	Conversation *ConversationRepo
	Receipt      *ReceiptRepo
}

// NewRepositories creates all repositories for userId
func NewRepositories(cfg *config.Config, userId string) (*Repositories, error) {
	// Initialize REST client
	httpClient, err := sdk.NewHertzClient(sdk.Timeouts{
		Dial:  cfg.API.DialTimeout,
		Read:  cfg.API.ReadTimeout,
		Write: cfg.API.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}
	api, err := sdk.NewClient(cfg.API.BaseURL, sdk.WithHertzClient(httpClient), sdk.WithToken(cfg.API.Token))
	if err != nil {
		return nil, err
	}

	repos := &Repositories{
		API:          api,
		Conversation: NewConversationRepo(api),
	}

	// Initialize Redis
	if cfg.Redis.Enabled() {
		constant.InitRedisKeyPrefix(cfg.Redis.KeyPrefix)
		repos.Redis = initRedis(cfg)
		repos.Receipt = NewRedisReceiptRepo(repos.Redis, userId)
	} else {
		repos.Receipt = NewMemoryReceiptRepo()
	}

	return repos, nil
}

// initRedis initializes Redis connection
func initRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// Close closes all connections
func (r *Repositories) Close() error {
	if r.Redis == nil {
		return nil
	}
	return r.Redis.Close()
}

// CheckConnection checks if redis is reachable. The REST store has no health
// endpoint and is exercised by the first conversation load.
func (r *Repositories) CheckConnection(ctx context.Context) error {
	if r.Redis == nil {
		return nil
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		log.CtxError(ctx, "redis ping failed: %v", err)
		return err
	}
	return nil
}
