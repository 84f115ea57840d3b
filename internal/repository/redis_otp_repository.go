package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/eduhub/eduhub/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// KEYS[1] record hash, ARGV[1] max attempts.
var redisIncrementAttemptsScript = redis.NewScript(`
local key = KEYS[1]
local max_attempts = tonumber(ARGV[1])

if redis.call("EXISTS", key) == 0 then
  return -1
end

local attempts = tonumber(redis.call("HGET", key, "attempts") or "0")
if attempts >= max_attempts then
  return -1
end

return redis.call("HINCRBY", key, "attempts", 1)
`)

// KEYS[1] record hash, ARGV[1] code, ARGV[2] max attempts, ARGV[3] now in unix ms.
var redisConsumeScript = redis.NewScript(`
local key = KEYS[1]
local fields = redis.call("HMGET", key, "code", "attempts", "consumed", "expires_at_ms")

if fields[1] == false or fields[1] ~= ARGV[1] then
  return 0
end
if tonumber(fields[2] or "0") >= tonumber(ARGV[2]) then
  return 0
end
if fields[3] == "1" then
  return 0
end
if tonumber(fields[4] or "0") < tonumber(ARGV[3]) then
  return 0
end

redis.call("DEL", key)
return 1
`)

// RedisOTPRepository keeps each record in a hash that expires Retention after the code does.
type RedisOTPRepository struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	logger    *logrus.Logger
}

func NewRedisOTPRepository(client redis.UniversalClient, prefix string, retention time.Duration, logger *logrus.Logger) *RedisOTPRepository {
	if prefix == "" {
		prefix = "email_otp"
	}
	return &RedisOTPRepository{
		client:    client,
		prefix:    prefix,
		retention: retention,
		logger:    logger,
	}
}

func (r *RedisOTPRepository) key(email string) string {
	return fmt.Sprintf("%s:%s", r.prefix, email)
}

func (r *RedisOTPRepository) Get(ctx context.Context, email string) (*models.OTPRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.key(email)).Result()
	if err != nil {
		r.logger.WithError(err).Error("Failed to get OTP from Redis")
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := &models.OTPRecord{
		Email:    fields["email"],
		Code:     fields["code"],
		Consumed: fields["consumed"] == "1",
	}
	if rec.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("failed to parse OTP attempts: %w", err)
	}
	if ms, err := strconv.ParseInt(fields["expires_at_ms"], 10, 64); err == nil && ms > 0 {
		rec.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["created_at_ms"], 10, 64); err == nil && ms > 0 {
		rec.CreatedAt = time.UnixMilli(ms).UTC()
	}

	return rec, nil
}

func (r *RedisOTPRepository) Upsert(ctx context.Context, rec models.OTPRecord) error {
	key := r.key(rec.Email)
	consumed := "0"
	if rec.Consumed {
		consumed = "1"
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"email", rec.Email,
			"code", rec.Code,
			"attempts", rec.Attempts,
			"consumed", consumed,
			"created_at_ms", rec.CreatedAt.UnixMilli(),
			"expires_at_ms", rec.ExpiresAt.UnixMilli(),
		)
		pipe.PExpireAt(ctx, key, rec.ExpiresAt.Add(r.retention))
		return nil
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store OTP in Redis")
		return fmt.Errorf("failed to store OTP: %w", err)
	}

	return nil
}

func (r *RedisOTPRepository) Delete(ctx context.Context, email string) error {
	if err := r.client.Del(ctx, r.key(email)).Err(); err != nil {
		return fmt.Errorf("failed to delete OTP: %w", err)
	}
	return nil
}

func (r *RedisOTPRepository) IncrementAttempts(ctx context.Context, email string, maxAttempts int) (int, error) {
	attempts, err := redisIncrementAttemptsScript.Run(ctx, r.client, []string{r.key(email)}, maxAttempts).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrConditionFailed
		}
		r.logger.WithError(err).Error("Failed to increment OTP attempts in Redis")
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}
	if attempts < 0 {
		return 0, ErrConditionFailed
	}

	return attempts, nil
}

func (r *RedisOTPRepository) Consume(ctx context.Context, email, code string, maxAttempts int, now time.Time) error {
	deleted, err := redisConsumeScript.Run(ctx, r.client, []string{r.key(email)}, code, maxAttempts, now.UnixMilli()).Int()
	if err != nil {
		r.logger.WithError(err).Error("Failed to consume OTP in Redis")
		return fmt.Errorf("failed to consume OTP: %w", err)
	}
	if deleted != 1 {
		return ErrConditionFailed
	}

	return nil
}
