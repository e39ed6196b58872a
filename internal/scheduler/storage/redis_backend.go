package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ownerLeaseTTL bounds how long a crashed owner keeps the store
const ownerLeaseTTL = 30 * time.Second

var (
	renewOwnerLease = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseOwnerLease = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// RedisBackend stores one key per record and tracks ids in a per-kind set
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

// NewRedisBackend creates a backend on an open Redis client
func NewRedisBackend(client redis.UniversalClient, keyPrefix string, logger *slog.Logger) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "research"
	}
	return &RedisBackend{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (b *RedisBackend) recordKey(kind Kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", b.keyPrefix, kind, id)
}

func (b *RedisBackend) indexKey(kind Kind) string {
	return fmt.Sprintf("%s:%s:index", b.keyPrefix, kind)
}

// Put writes the record and its index entry in one transaction
func (b *RedisBackend) Put(ctx context.Context, kind Kind, id string, data []byte) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.recordKey(kind, id), data, 0)
		pipe.SAdd(ctx, b.indexKey(kind), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// Get reads a record
func (b *RedisBackend) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.recordKey(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return data, nil
}

// Delete removes a record and its index entry
func (b *RedisBackend) Delete(ctx context.Context, kind Kind, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.recordKey(kind, id))
		pipe.SRem(ctx, b.indexKey(kind), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns the ids of every record in a collection
func (b *RedisBackend) List(ctx context.Context, kind Kind) ([]string, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	return ids, nil
}

func (b *RedisBackend) ownerKey() string {
	return b.keyPrefix + ":owner"
}

// Acquire sets an owner lease with SET NX and renews it until released
func (b *RedisBackend) Acquire(ctx context.Context) (func() error, error) {
	token := uuid.NewString()
	ok, err := b.client.SetNX(ctx, b.ownerKey(), token, ownerLeaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to set owner lease: %w", err)
	}
	if !ok {
		return nil, domain.ErrStoreOwned
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ownerLeaseTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				renewed, err := renewOwnerLease.Run(renewCtx, b.client, []string{b.ownerKey()}, token, ownerLeaseTTL.Milliseconds()).Int()
				if err != nil && !errors.Is(err, context.Canceled) {
					b.logger.Error("Failed to renew owner lease", slog.Any("error", err))
				} else if err == nil && renewed == 0 {
					b.logger.Error("Owner lease lost", slog.String("key", b.ownerKey()))
				}
			}
		}
	}()

	return func() error {
		stop()
		<-done
		if err := releaseOwnerLease.Run(context.Background(), b.client, []string{b.ownerKey()}, token).Err(); err != nil {
			return fmt.Errorf("failed to release owner lease: %w", err)
		}
		return nil
	}, nil
}

// Close leaves the client open; it belongs to the shared Redis client
func (b *RedisBackend) Close() error {
	return nil
}
