package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store over Redis. Each subject is a hash; columns
// are hash fields. Column timestamps needed for time-ranged
// DeleteAttributes are kept in a parallel hash (subject+":ts").
type RedisStore struct {
	client *redis.Client
	log    *zap.SugaredLogger

	casSHA string
}

// NewRedisStore dials addr and preloads the CAS Lua script, matching the
// teacher's "preload scripts once, EvalSha thereafter" approach so CAS
// calls don't ship script text on every request.
func NewRedisStore(ctx context.Context, addr, password string, db int, log *zap.SugaredLogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: ping failed: %w", err)
	}

	sha, err := client.ScriptLoad(ctx, casScript).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: failed to preload cas script: %w", err)
	}

	return &RedisStore{client: client, log: log, casSHA: sha}, nil
}

func hashKey(subject string) string { return "grr:row:" + subject }
func tsKey(subject string) string   { return "grr:row:" + subject + ":ts" }

func (s *RedisStore) Resolve(ctx context.Context, subject, column string) ([]byte, error) {
	val, err := s.client.HGet(ctx, hashKey(subject), column).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: resolve %s/%s: %w", subject, column, err)
	}
	return val, nil
}

func (s *RedisStore) ResolveRegex(ctx context.Context, subject, columnPrefix string) (map[string][]byte, error) {
	all, err := s.client.HGetAll(ctx, hashKey(subject)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: resolve_regex %s: %w", subject, err)
	}
	result := make(map[string][]byte, len(all))
	for col, val := range all {
		if strings.HasPrefix(col, columnPrefix) {
			result[col] = []byte(val)
		}
	}
	return result, nil
}

func (s *RedisStore) MultiSet(ctx context.Context, subject string, cols map[string][]byte) error {
	if len(cols) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	fields := make(map[string]interface{}, len(cols))
	tsFields := make(map[string]interface{}, len(cols))
	now := time.Now().UnixNano()
	for col, val := range cols {
		fields[col] = val
		tsFields[col] = now
	}
	pipe.HSet(ctx, hashKey(subject), fields)
	pipe.HSet(ctx, tsKey(subject), tsFields)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis store: multiset %s: %w", subject, err)
	}
	return nil
}

func (s *RedisStore) DeleteAttributes(ctx context.Context, subject string, cols []string, start, end *time.Time) error {
	if len(cols) == 0 {
		return nil
	}
	if start == nil && end == nil {
		pipe := s.client.TxPipeline()
		pipe.HDel(ctx, hashKey(subject), cols...)
		pipe.HDel(ctx, tsKey(subject), cols...)
		_, err := pipe.Exec(ctx)
		if err != nil {
			return fmt.Errorf("redis store: delete_attributes %s: %w", subject, err)
		}
		return nil
	}

	tsVals, err := s.client.HMGet(ctx, tsKey(subject), cols...).Result()
	if err != nil {
		return fmt.Errorf("redis store: delete_attributes timestamps %s: %w", subject, err)
	}
	var inRange []string
	for i, col := range cols {
		if tsVals[i] == nil {
			continue
		}
		nanos, ok := parseInt64(tsVals[i])
		if !ok {
			continue
		}
		at := time.Unix(0, nanos)
		if start != nil && at.Before(*start) {
			continue
		}
		if end != nil && at.After(*end) {
			continue
		}
		inRange = append(inRange, col)
	}
	if len(inRange) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, hashKey(subject), inRange...)
	pipe.HDel(ctx, tsKey(subject), inRange...)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis store: delete_attributes ranged %s: %w", subject, err)
	}
	return nil
}

func parseInt64(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err == nil
}

// casScript compares a hash field's current value to an expected value and,
// only on a match, sets the new value. Mirrors the shape of the teacher's
// versionedSetScript/CAS Lua scripts but compares raw bytes instead of a
// version counter, matching Store.CompareAndSet's general contract.
//
// KEYS[1] = hash key
// ARGV[1] = field
// ARGV[2] = expected old value ("" sentinel means "field must be absent",
//           distinguished by ARGV[3])
// ARGV[3] = "1" if old value is nil/absent, "0" otherwise
// ARGV[4] = new value
const casScript = `
local current = redis.call("HGET", KEYS[1], ARGV[1])
local expectAbsent = ARGV[3] == "1"
if expectAbsent then
    if current ~= false then
        return 0
    end
else
    if current == false or current ~= ARGV[2] then
        return 0
    end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[4])
redis.call("HSET", KEYS[2], ARGV[1], tostring(redis.call("TIME")[1]))
return 1
`

func (s *RedisStore) CompareAndSet(ctx context.Context, subject, column string, oldVal, newVal []byte) (bool, error) {
	expectAbsent := "0"
	old := ""
	if oldVal == nil {
		expectAbsent = "1"
	} else {
		old = string(oldVal)
	}

	result, err := s.client.EvalSha(ctx, s.casSHA,
		[]string{hashKey(subject), tsKey(subject)},
		column, old, expectAbsent, string(newVal),
	).Result()

	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		sha, reloadErr := s.client.ScriptLoad(ctx, casScript).Result()
		if reloadErr != nil {
			return false, fmt.Errorf("redis store: cas script reload: %w", reloadErr)
		}
		s.casSHA = sha
		result, err = s.client.EvalSha(ctx, s.casSHA,
			[]string{hashKey(subject), tsKey(subject)},
			column, old, expectAbsent, string(newVal),
		).Result()
	}
	if err != nil {
		return false, fmt.Errorf("redis store: cas %s/%s: %w", subject, column, err)
	}

	won, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("redis store: cas %s/%s: unexpected result type %T", subject, column, result)
	}
	return won == 1, nil
}

func (s *RedisStore) GetMutationPool() MutationPool {
	return &redisPool{store: s}
}

type redisPool struct {
	store *RedisStore
	sets  map[string]map[string][]byte
	dels  map[string][]string
}

func (p *redisPool) Set(subject, column string, value []byte) {
	if p.sets == nil {
		p.sets = make(map[string]map[string][]byte)
	}
	row, ok := p.sets[subject]
	if !ok {
		row = make(map[string][]byte)
		p.sets[subject] = row
	}
	row[column] = value
}

func (p *redisPool) Delete(subject string, columns []string) {
	if p.dels == nil {
		p.dels = make(map[string][]string)
	}
	p.dels[subject] = append(p.dels[subject], columns...)
}

func (p *redisPool) Pending() bool {
	return len(p.sets) > 0 || len(p.dels) > 0
}

// Flush commits every buffered subject's mutations in a single pipeline.
// This is the Redis analogue of the teacher's preloaded-script batching:
// one round trip for the whole pool instead of one per Set/Delete call.
func (p *redisPool) Flush(ctx context.Context) error {
	if !p.Pending() {
		return nil
	}
	pipe := p.store.client.TxPipeline()
	now := time.Now().UnixNano()
	for subject, cols := range p.sets {
		fields := make(map[string]interface{}, len(cols))
		tsFields := make(map[string]interface{}, len(cols))
		for col, val := range cols {
			fields[col] = val
			tsFields[col] = now
		}
		pipe.HSet(ctx, hashKey(subject), fields)
		pipe.HSet(ctx, tsKey(subject), tsFields)
	}
	for subject, cols := range p.dels {
		pipe.HDel(ctx, hashKey(subject), cols...)
		pipe.HDel(ctx, tsKey(subject), cols...)
	}
	_, err := pipe.Exec(ctx)
	p.sets = nil
	p.dels = nil
	if err != nil {
		return fmt.Errorf("redis store: flush mutation pool: %w", err)
	}
	return nil
}
