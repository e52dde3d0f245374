package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds settings for the Redis list broker
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	Prefix         string
	PollInterval   time.Duration
	ReserveTimeout time.Duration
	DialTimeout    time.Duration
}

// RedisDialer opens sessions on Redis lists. Ready items live in
// <prefix>:<name>, reserved items in <prefix>:<name>:reserved and poisoned
// items in <prefix>:<name>:buried.
type RedisDialer struct {
	config *RedisConfig
	logger *slog.Logger
}

// NewRedisDialer creates a new RedisDialer
func NewRedisDialer(config *RedisConfig, logger *slog.Logger) *RedisDialer {
	return &RedisDialer{config: config, logger: logger}
}

// Connect opens a client and pings the server
func (d *RedisDialer) Connect(ctx context.Context) (Session, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        d.config.Addr,
		Password:    d.config.Password,
		DB:          d.config.DB,
		DialTimeout: d.config.DialTimeout,
		MaxRetries:  -1,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: redis %s: %w", domain.ErrConnect, d.config.Addr, err)
	}

	d.logger.Debug("Connected to redis", slog.String("addr", d.config.Addr))

	return &redisSession{rdb: rdb, config: d.config}, nil
}

// envelope is the list element format
type envelope struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// redisReceipt remembers the exact element moved to the reserved list
type redisReceipt struct {
	raw string
}

// Enqueue appends a new item to the ready list of name and returns its id.
func Enqueue(ctx context.Context, rdb redis.Cmdable, prefix, name string, body []byte) (string, error) {
	id := uuid.NewString()

	raw, err := json.Marshal(envelope{ID: id, Body: string(body)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := rdb.RPush(ctx, readyKey(prefix, name), raw).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue item: %w", err)
	}
	return id, nil
}

func readyKey(prefix, name string) string    { return prefix + ":" + name }
func reservedKey(prefix, name string) string { return prefix + ":" + name + ":reserved" }
func buriedKey(prefix, name string) string   { return prefix + ":" + name + ":buried" }

type redisSession struct {
	rdb    *redis.Client
	config *RedisConfig
	names  []string
	next   int
}

func (s *redisSession) Subscribe(_ context.Context, names []string) error {
	if len(names) == 0 {
		return errors.New("no lists to watch")
	}
	s.names = append([]string(nil), names...)
	return nil
}

// Reserve polls the watched lists round-robin until one yields an item or
// the reserve timeout passes.
func (s *redisSession) Reserve(ctx context.Context) (*domain.QueueItem, error) {
	if len(s.names) == 0 {
		return nil, errors.New("reserve before subscribe")
	}

	deadline := time.Now().Add(s.config.ReserveTimeout)

	for {
		for range s.names {
			name := s.names[s.next]
			s.next = (s.next + 1) % len(s.names)

			raw, err := s.rdb.LMove(ctx, readyKey(s.config.Prefix, name), reservedKey(s.config.Prefix, name), "LEFT", "RIGHT").Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%w: redis lmove: %w", domain.ErrConnectionLost, err)
			}

			return decodeItem(name, raw), nil
		}

		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.config.PollInterval):
		}
	}
}

func decodeItem(name, raw string) *domain.QueueItem {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.ID == "" {
		// foreign producers push bare payloads
		env = envelope{ID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(raw)).String(), Body: raw}
	}

	return &domain.QueueItem{
		ID:      env.ID,
		Name:    name,
		Body:    []byte(env.Body),
		Receipt: redisReceipt{raw: raw},
	}
}

func (s *redisSession) Acknowledge(ctx context.Context, item *domain.QueueItem) error {
	return s.release(ctx, item)
}

func (s *redisSession) Requeue(ctx context.Context, item *domain.QueueItem) error {
	if err := s.release(ctx, item); err != nil {
		return err
	}
	r := item.Receipt.(redisReceipt)
	return s.wrap("rpush", s.rdb.RPush(ctx, readyKey(s.config.Prefix, item.Name), r.raw).Err())
}

func (s *redisSession) Poison(ctx context.Context, item *domain.QueueItem) error {
	if err := s.release(ctx, item); err != nil {
		return err
	}
	r := item.Receipt.(redisReceipt)
	return s.wrap("lpush", s.rdb.LPush(ctx, buriedKey(s.config.Prefix, item.Name), r.raw).Err())
}

func (s *redisSession) Close() error {
	return s.rdb.Close()
}

// release drops the item from the reserved list
func (s *redisSession) release(ctx context.Context, item *domain.QueueItem) error {
	r, ok := item.Receipt.(redisReceipt)
	if !ok {
		return fmt.Errorf("item %s was not reserved from redis", item.ID)
	}

	removed, err := s.rdb.LRem(ctx, reservedKey(s.config.Prefix, item.Name), 1, r.raw).Result()
	if err != nil {
		return s.wrap("lrem", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: item %s", domain.ErrItemGone, item.ID)
	}
	return nil
}

func (s *redisSession) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: redis %s: %w", domain.ErrConnectionLost, op, err)
}
