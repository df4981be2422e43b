package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps document snapshots as plain Redis string values
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, opts *redis.Options, prefix string) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}

	log.Printf("✓ Redis persistence connected: %s", opts.Addr)
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

// LoadState returns the stored snapshot for name, or nil if none exists
func (s *RedisStore) LoadState(ctx context.Context, name string) ([]byte, error) {
	snapshot, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", name, err)
	}
	return snapshot, nil
}

// WriteState replaces the stored snapshot for name
func (s *RedisStore) WriteState(ctx context.Context, name string, snapshot []byte) error {
	if err := s.client.Set(ctx, s.key(name), snapshot, 0).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", name, err)
	}
	return nil
}

// Names lists every stored document name
func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	var names []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
