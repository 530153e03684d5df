package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/opsdesk/console-client-go/internal/model"
	redisclient "github.com/opsdesk/console-client-go/internal/redis"
)

// Redis persists one JSON session blob per role key. Values carry no
// TTL: expiry is enforced server-side, and the pipeline clears the key
// on terminal renewal failure.
type Redis struct {
	client *redisclient.Client
}

func NewRedis(client *redisclient.Client) *Redis {
	return &Redis{client: client}
}

func (s *Redis) Get(ctx context.Context, role model.Role) (*model.Session, error) {
	data, err := s.client.Get(ctx, redisclient.SessionKey(role)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func (s *Redis) Set(ctx context.Context, session model.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if err := s.client.Set(ctx, redisclient.SessionKey(session.Role), data, 0).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (s *Redis) Clear(ctx context.Context, role model.Role) error {
	if err := s.client.Del(ctx, redisclient.SessionKey(role)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *Redis) ClearAll(ctx context.Context) error {
	if err := s.client.Del(ctx, allSessionKeys()...).Err(); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

func (s *Redis) HasActive(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, allSessionKeys()...).Result()
	if err != nil {
		return false, fmt.Errorf("count sessions: %w", err)
	}
	return n > 0, nil
}

func allSessionKeys() []string {
	roles := model.Roles()
	keys := make([]string, 0, len(roles))
	for _, role := range roles {
		keys = append(keys, redisclient.SessionKey(role))
	}
	return keys
}

var _ Store = (*Redis)(nil)
