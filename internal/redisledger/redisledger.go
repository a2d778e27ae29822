// Package redisledger keeps the dispatch ledger in redis, for deployments
// where more than one process dispatches against the same subscribers.
package redisledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

const (
	keyPrefix = "crnwatch:dispatch:"

	// Sorted set of sends without a final answer, scored by when they were
	// last touched in unix millis.
	unsentKey = keyPrefix + "unsent"

	statusRecorded = "recorded"
	statusSent     = "sent"
	statusFailed   = "failed"
	statusRejected = "rejected"
)

var (
	_ crnwatch.DispatchLedger = (*Ledger)(nil)
	_ crnwatch.Redeliveries   = (*Ledger)(nil)
)

// Moves a member's score to now if it's still stale. Members whose status key
// expired are dropped instead.
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) >= tonumber(ARGV[2]) then
	return 0
end
if redis.call('EXISTS', KEYS[2]) == 0 then
	redis.call('ZREM', KEYS[1], ARGV[1])
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

type (
	Ledger struct {
		rdb *redis.Client
		ttl time.Duration // How long a key is remembered; 0 is forever
		now func() time.Time
	}

	// Member of the unsent set. Field names are kept short, there may be a
	// lot of these.
	unsentMember struct {
		UserID     string `json:"u"`
		Term       string `json:"t"`
		CRN        string `json:"c"`
		Kind       string `json:"k"`
		DetectedAt int64  `json:"d"`
	}
)

func New(rdb *redis.Client, ttl time.Duration) *Ledger {
	return &Ledger{rdb: rdb, ttl: ttl, now: time.Now}
}

// NewClient creates and verifies a redis client connection.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}

	return rdb, nil
}

func redisKey(key crnwatch.DispatchKey) string {
	return keyPrefix + key.String()
}

func memberOf(key crnwatch.DispatchKey) string {
	b, _ := json.Marshal(unsentMember{
		UserID:     key.UserID,
		Term:       key.Term,
		CRN:        key.CRN,
		Kind:       string(key.Kind),
		DetectedAt: key.DetectedAt.UnixNano(),
	})

	return string(b)
}

func (m unsentMember) key() crnwatch.DispatchKey {
	return crnwatch.DispatchKey{
		UserID:     m.UserID,
		Term:       m.Term,
		CRN:        m.CRN,
		Kind:       crnwatch.EventKind(m.Kind),
		DetectedAt: time.Unix(0, m.DetectedAt).UTC(),
	}
}

// Record claims a dispatch key with SETNX. Only the first caller gets true.
func (l *Ledger) Record(ctx context.Context, key crnwatch.DispatchKey) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, redisKey(key), statusRecorded, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("error recording dispatch: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := l.touchUnsent(ctx, key); err != nil {
		return false, err
	}

	return true, nil
}

func (l *Ledger) MarkSent(ctx context.Context, key crnwatch.DispatchKey) error {
	if err := l.mark(ctx, key, statusSent); err != nil {
		return err
	}

	return l.dropUnsent(ctx, key)
}

func (l *Ledger) MarkFailed(ctx context.Context, key crnwatch.DispatchKey) error {
	if err := l.mark(ctx, key, statusFailed); err != nil {
		return err
	}

	return l.touchUnsent(ctx, key)
}

func (l *Ledger) MarkRejected(ctx context.Context, key crnwatch.DispatchKey) error {
	if err := l.mark(ctx, key, statusRejected); err != nil {
		return err
	}

	return l.dropUnsent(ctx, key)
}

// ClaimUndelivered walks the unsent set oldest first. Each member is claimed
// with a script so that two processes sharing the redis never both get it.
func (l *Ledger) ClaimUndelivered(ctx context.Context, staleBefore, detectedAfter time.Time, limit int) ([]crnwatch.DispatchKey, error) {
	members, err := l.rdb.ZRangeByScore(ctx, unsentKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(staleBefore.UnixMilli(), 10),
		Count: int64(max(limit, 0)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("error listing unsent dispatches: %w", err)
	}

	now := strconv.FormatInt(l.now().UnixMilli(), 10)
	stale := strconv.FormatInt(staleBefore.UnixMilli(), 10)

	var keys []crnwatch.DispatchKey
	for _, member := range members {
		var m unsentMember
		if err := json.Unmarshal([]byte(member), &m); err != nil {
			// Not ours, don't trip over it every time
			l.rdb.ZRem(ctx, unsentKey, member)
			continue
		}
		key := m.key()

		if !key.DetectedAt.After(detectedAfter) {
			// Too old to be worth sending, give up on it
			if err := l.rdb.ZRem(ctx, unsentKey, member).Err(); err != nil {
				return keys, fmt.Errorf("error dropping unsent dispatch: %w", err)
			}
			continue
		}

		claimed, err := claimScript.Run(ctx, l.rdb, []string{unsentKey, redisKey(key)}, member, stale, now).Int()
		if err != nil {
			return keys, fmt.Errorf("error claiming dispatch: %w", err)
		}
		if claimed == 0 {
			continue
		}
		if err := l.mark(ctx, key, statusRecorded); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	return keys, nil
}

func (l *Ledger) touchUnsent(ctx context.Context, key crnwatch.DispatchKey) error {
	err := l.rdb.ZAdd(ctx, unsentKey, redis.Z{
		Score:  float64(l.now().UnixMilli()),
		Member: memberOf(key),
	}).Err()
	if err != nil {
		return fmt.Errorf("error tracking unsent dispatch: %w", err)
	}

	return nil
}

func (l *Ledger) dropUnsent(ctx context.Context, key crnwatch.DispatchKey) error {
	if err := l.rdb.ZRem(ctx, unsentKey, memberOf(key)).Err(); err != nil {
		return fmt.Errorf("error dropping unsent dispatch: %w", err)
	}

	return nil
}

func (l *Ledger) mark(ctx context.Context, key crnwatch.DispatchKey, status string) error {
	// XX so a mark never resurrects a key that expired
	err := l.rdb.SetArgs(ctx, redisKey(key), status, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("error marking dispatch %s: %w", status, err)
	}

	return nil
}

// Status returns the recorded status of a key, or "" if it was never recorded.
func (l *Ledger) Status(ctx context.Context, key crnwatch.DispatchKey) (string, error) {
	status, err := l.rdb.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error fetching dispatch status: %w", err)
	}

	return status, nil
}
