package queue

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"dcs-mission-validator/internal/config"
	"dcs-mission-validator/internal/models"
)

// NewRedisClient builds a Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RejectFeed keeps a capped list of rejected archive verdicts in Redis,
// oldest first.
type RejectFeed struct {
	client *redis.Client
	key    string
	max    int64
}

// NewRejectFeed builds a feed on key that keeps at most maxLen entries.
func NewRejectFeed(client *redis.Client, key string, maxLen int64) *RejectFeed {
	if key == "" {
		key = "missions:rejected"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RejectFeed{client: client, key: key, max: maxLen}
}

// PublishReject appends a verdict and trims the list to the newest entries.
func (f *RejectFeed) PublishReject(ctx context.Context, v models.Verdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal verdict")
	}
	pipe := f.client.TxPipeline()
	pipe.RPush(ctx, f.key, data)
	pipe.LTrim(ctx, f.key, -f.max, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to n of the newest rejected verdicts, newest first.
func (f *RejectFeed) Recent(ctx context.Context, n int64) ([]models.Verdict, error) {
	if n <= 0 || n > f.max {
		n = f.max
	}
	raw, err := f.client.LRange(ctx, f.key, -n, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Verdict, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var v models.Verdict
		if err := json.Unmarshal([]byte(raw[i]), &v); err != nil {
			return nil, errors.Wrap(err, "decode rejected verdict")
		}
		out = append(out, v)
	}
	return out, nil
}

// Len reports how many verdicts are retained.
func (f *RejectFeed) Len(ctx context.Context) (int64, error) {
	return f.client.LLen(ctx, f.key).Result()
}
