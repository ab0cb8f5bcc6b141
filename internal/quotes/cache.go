package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/davemott/paperledger/internal/models"
)

// DefaultQuoteTTL keeps cached quotes fresh enough for the snapshot cadence
// while deduplicating lookups across positions on the same contract.
const DefaultQuoteTTL = 15 * time.Second

// CachedProvider is a read-through Redis cache in front of a Provider. Cache
// failures degrade to direct provider calls; they never fail a lookup.
type CachedProvider struct {
	provider Provider
	client   *redis.Client
	ttl      time.Duration
	logger   *logrus.Logger
}

// NewCachedProvider wraps provider with a Redis cache.
func NewCachedProvider(provider Provider, client *redis.Client, ttl time.Duration, logger *logrus.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CachedProvider{provider: provider, client: client, ttl: ttl, logger: logger}
}

func cacheGet[T any](ctx context.Context, c *CachedProvider, key string) (*T, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).WithField("key", key).Debug("quote cache read failed")
		}
		return nil, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("quote cache entry corrupt")
		return nil, false
	}
	return &v, true
}

func cacheSet(ctx context.Context, c *CachedProvider, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("quote cache write failed")
	}
}

func (c *CachedProvider) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	key := "quote:underlying:" + symbol
	if q, ok := cacheGet[Quote](ctx, c, key); ok {
		return q, nil
	}

	q, err := c.provider.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	cacheSet(ctx, c, key, q)
	return q, nil
}

func (c *CachedProvider) GetOptionQuote(ctx context.Context, p *models.Position) (*OptionQuote, error) {
	key := "quote:option:" + p.OptionSymbol() + ":" + string(p.Direction)
	if q, ok := cacheGet[OptionQuote](ctx, c, key); ok {
		return q, nil
	}

	q, err := c.provider.GetOptionQuote(ctx, p)
	if err != nil {
		return nil, err
	}
	cacheSet(ctx, c, key, q)
	return q, nil
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("quotes: redis ping: %w", err)
	}
	return client, nil
}

var _ Provider = (*CachedProvider)(nil)
