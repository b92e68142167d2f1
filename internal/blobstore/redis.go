package blobstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "blob:"

type redisStore struct {
	client *redis.Client
}

// NewRedisStore returns a Store backed by Redis hashes.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Fetch(ctx context.Context, key string) (*Blob, error) {
	fields, err := s.client.HGetAll(ctx, keyPrefix+key).Result()
	if err != nil {
		return nil, err
	}
	data, ok := fields["data"]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", key)
	}
	return &Blob{
		Data:        []byte(data),
		ContentType: fields["content_type"],
		Name:        fields["name"],
	}, nil
}

func (s *redisStore) Save(ctx context.Context, key string, blob *Blob) error {
	return s.client.HSet(ctx, keyPrefix+key,
		"data", blob.Data,
		"content_type", blob.ContentType,
		"name", blob.Name,
	).Err()
}
