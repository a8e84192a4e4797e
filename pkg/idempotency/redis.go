package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const doneMarker = "done"

var beginScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == 'done' then
  return {2, 0}
end
if v then
  return {1, redis.call('PTTL', KEYS[1])}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {0, tonumber(ARGV[2])}
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis shares claims across processes. Done markers expire after doneTTL;
// the item and log tables remain the durable record beyond that.
type Redis struct {
	client  *redis.Client
	prefix  string
	doneTTL time.Duration
}

func NewRedis(client *redis.Client, doneTTL time.Duration) *Redis {
	if doneTTL <= 0 {
		doneTTL = 7 * 24 * time.Hour
	}
	return &Redis{client: client, prefix: "robopost:idem:", doneTTL: doneTTL}
}

func (r *Redis) Begin(ctx context.Context, key string, lease time.Duration) (*Claim, State, error) {
	if lease <= 0 {
		lease = time.Minute
	}
	token := uuid.NewString()
	now := time.Now()
	res, err := beginScript.Run(ctx, r.client, []string{r.prefix + key}, token, lease.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, InProgress, fmt.Errorf("idempotency begin %s: %w", key, err)
	}
	if len(res) != 2 {
		return nil, InProgress, fmt.Errorf("idempotency begin %s: unexpected reply %v", key, res)
	}
	expires := now.Add(time.Duration(res[1]) * time.Millisecond)
	switch State(res[0]) {
	case Acquired:
		return &Claim{Key: key, Expires: expires, token: token}, Acquired, nil
	case Done:
		return nil, Done, nil
	default:
		held := &Claim{Key: key}
		if res[1] > 0 {
			held.Expires = expires
		}
		return held, InProgress, nil
	}
}

func (r *Redis) Complete(ctx context.Context, claim *Claim) error {
	if !claim.owned() {
		return nil
	}
	if err := r.client.Set(ctx, r.prefix+claim.Key, doneMarker, r.doneTTL).Err(); err != nil {
		return fmt.Errorf("idempotency complete %s: %w", claim.Key, err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, claim *Claim) error {
	if !claim.owned() {
		return nil
	}
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + claim.Key}, claim.token).Err(); err != nil {
		return fmt.Errorf("idempotency release %s: %w", claim.Key, err)
	}
	return nil
}
