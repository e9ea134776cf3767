package creds

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Hash keys for the two lookup directions. Mutations touch both hashes inside
// a transactional pipeline so they stay consistent with each other.
const (
	nameHashKey  = "creds:names"  // field: name, value: token
	tokenHashKey = "creds:tokens" // field: token, value: name
)

// ValkeyStore persists credentials in two Valkey hashes so both Authenticate
// and Remove are a single HGET away. Concurrent Set calls for the same token
// are last-writer-wins, like the rest of the credential API.
type ValkeyStore struct {
	rdb *redis.Client
}

var _ Store = (*ValkeyStore)(nil)

// NewValkeyStore creates a credential store backed by the given Valkey client.
func NewValkeyStore(rdb *redis.Client) *ValkeyStore {
	return &ValkeyStore{rdb: rdb}
}

// Authenticate resolves a token to its canonical name.
func (s *ValkeyStore) Authenticate(ctx context.Context, token string) (string, error) {
	name, err := s.rdb.HGet(ctx, tokenHashKey, token).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrUnknownToken
		}
		return "", fmt.Errorf("authenticate token: %w", err)
	}
	return name, nil
}

// Set creates or replaces the credential for name.
func (s *ValkeyStore) Set(ctx context.Context, name, token string) error {
	if name == "" || token == "" {
		return ErrInvalidCredential
	}

	owner, err := s.rdb.HGet(ctx, tokenHashKey, token).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("check token owner: %w", err)
	}
	if err == nil && owner != name {
		return ErrTokenInUse
	}

	old, err := s.rdb.HGet(ctx, nameHashKey, name).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("check current token: %w", err)
	}
	hadOld := err == nil

	pipe := s.rdb.TxPipeline()
	if hadOld && old != token {
		pipe.HDel(ctx, tokenHashKey, old)
	}
	pipe.HSet(ctx, nameHashKey, name, token)
	pipe.HSet(ctx, tokenHashKey, token, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

// Remove deletes the credential for name.
func (s *ValkeyStore) Remove(ctx context.Context, name string) error {
	token, err := s.rdb.HGet(ctx, nameHashKey, name).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrUnknownUser
		}
		return fmt.Errorf("look up credential: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, nameHashKey, name)
	pipe.HDel(ctx, tokenHashKey, token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}

// Names returns the sorted names of all stored credentials.
func (s *ValkeyStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.rdb.HKeys(ctx, nameHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list credential names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
