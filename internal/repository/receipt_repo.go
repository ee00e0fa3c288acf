package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mbeoliero/marketchat/pkg/constant"
)

// ReceiptRepo remembers conversations whose mark-read call failed. With a redis
// client the ids live in a set so they survive restarts, otherwise in memory.
type ReceiptRepo struct {
	rdb *redis.Client
	key string

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewMemoryReceiptRepo creates a ReceiptRepo that lives as long as the process
func NewMemoryReceiptRepo() *ReceiptRepo {
	return &ReceiptRepo{pending: make(map[string]struct{})}
}

// NewRedisReceiptRepo creates a ReceiptRepo for userId backed by rdb
func NewRedisReceiptRepo(rdb *redis.Client, userId string) *ReceiptRepo {
	return &ReceiptRepo{
		rdb: rdb,
		key: fmt.Sprintf(constant.RedisKeyPendingReceipts(), userId),
	}
}

// Add records a failed receipt
func (r *ReceiptRepo) Add(ctx context.Context, conversationId string) error {
	if r.rdb != nil {
		return r.rdb.SAdd(ctx, r.key, conversationId).Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[conversationId] = struct{}{}
	return nil
}

// Remove forgets a receipt once it was delivered
func (r *ReceiptRepo) Remove(ctx context.Context, conversationId string) error {
	if r.rdb != nil {
		return r.rdb.SRem(ctx, r.key, conversationId).Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, conversationId)
	return nil
}

// List returns pending conversation ids, sorted
func (r *ReceiptRepo) List(ctx context.Context) ([]string, error) {
	var ids []string
	if r.rdb != nil {
		members, err := r.rdb.SMembers(ctx, r.key).Result()
		if err != nil {
			return nil, err
		}
		ids = members
	} else {
		r.mu.Lock()
		ids = make([]string, 0, len(r.pending))
		for id := range r.pending {
			ids = append(ids, id)
		}
		r.mu.Unlock()
	}
	sort.Strings(ids)
	return ids, nil
}
