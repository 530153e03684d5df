package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/opsdesk/console-client-go/internal/model"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// SessionKey is the key holding the JSON session blob for one role.
func SessionKey(role model.Role) string {
	return fmt.Sprintf("session:%s", role)
}
