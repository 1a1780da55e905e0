package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/domain"
)

// RedisFailureWindowStore keeps one sorted set per user. Members encode the
// device so distinct devices can be counted without a second key.
type RedisFailureWindowStore struct {
	client *redis.Client
}

func NewRedisFailureWindowStore(client *redis.Client) *RedisFailureWindowStore {
	return &RedisFailureWindowStore{client: client}
}

func failureKey(userID string) string {
	return "biometric:failures:" + userID
}

func (s *RedisFailureWindowStore) RecordFailure(ctx context.Context, userID, deviceID string, at time.Time, window time.Duration) (domain.FailureWindow, error) {
	key := failureKey(userID)
	nowMs := at.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	var members *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: encodeFailure(deviceID)})
		p.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		members = p.ZRange(ctx, key, 0, -1)
		p.PExpire(ctx, key, window+time.Minute)
		return nil
	})
	if err != nil {
		return domain.FailureWindow{}, err
	}
	return summarizeFailures(members.Val()), nil
}

func (s *RedisFailureWindowStore) Clear(ctx context.Context, userID string) error {
	return s.client.Del(ctx, failureKey(userID)).Err()
}

func encodeFailure(deviceID string) string {
	return uuid.NewString() + "|" + deviceID
}

func summarizeFailures(members []string) domain.FailureWindow {
	devices := make(map[string]struct{}, len(members))
	for _, m := range members {
		_, device, _ := strings.Cut(m, "|")
		devices[device] = struct{}{}
	}
	return domain.FailureWindow{Failures: len(members), DistinctDevices: len(devices)}
}
