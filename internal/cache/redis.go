package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cimillas/unitvault/internal/app"
	"github.com/cimillas/unitvault/internal/logging"
)

const keyPrefix = "unitvault:invoice:"

// RedisIndex keeps the invoice index in redis so every API replica shares it.
// Redis errors are logged and treated as misses.
type RedisIndex struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisClient parses url and checks the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedisIndex(client *redis.Client, ttl time.Duration) *RedisIndex {
	return &RedisIndex{
		client: client,
		ttl:    ttl,
		logger: logging.Logger().With().Str("component", "invoice_index").Logger(),
	}
}

func (r *RedisIndex) key(invoiceID string) string {
	return keyPrefix + invoiceID
}

func (r *RedisIndex) Lookup(ctx context.Context, invoiceID string) (app.InvoiceRef, bool) {
	data, err := r.client.Get(ctx, r.key(invoiceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return app.InvoiceRef{}, false
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("invoice_id", invoiceID).Msg("invoice index lookup failed")
		return app.InvoiceRef{}, false
	}

	var ref app.InvoiceRef
	if err := json.Unmarshal(data, &ref); err != nil {
		r.logger.Warn().Err(err).Str("invoice_id", invoiceID).Msg("invoice index entry unreadable")
		return app.InvoiceRef{}, false
	}
	return ref, true
}

func (r *RedisIndex) Remember(ctx context.Context, invoiceID string, ref app.InvoiceRef) {
	data, err := json.Marshal(ref)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, r.key(invoiceID), data, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("invoice_id", invoiceID).Msg("invoice index write failed")
	}
}
