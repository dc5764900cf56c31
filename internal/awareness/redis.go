package awareness

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

/*
LEARNING: PRESENCE MIRROR IN REDIS

Rooms live in one process, but dashboards and other instances want to know
who is looking at a document. Every accepted awareness change is mirrored:

  presence:room:{docID:X}        ZSET  sessionID -> expireAt (unix seconds)
  presence:room:states:{docID:X} HASH  sessionID -> state JSON

The score is a logical TTL. Readers first sweep members whose expireAt has
passed, then read the rest.
*/

const (
	keyRoomFmt   = "presence:room:{docID:%s}"
	keyStatesFmt = "presence:room:states:{docID:%s}"
	keyRoomScan  = "presence:room:*"
)

func roomKey(docID string) string   { return fmt.Sprintf(keyRoomFmt, docID) }
func statesKey(docID string) string { return fmt.Sprintf(keyStatesFmt, docID) }

var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// Member is a live presence entry read back from Redis
type Member struct {
	SessionID string          `json:"session_id"`
	State     json.RawMessage `json:"state,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// RedisPresence mirrors awareness entries into Redis
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisPresence creates a mirror whose entries live for ttl unless refreshed
func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = DefaultTimeout
	}
	return &RedisPresence{rdb: rdb, ttl: ttl, now: time.Now}
}

// NewRedisClient parses a redis:// URL and checks the connection
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Touch records or refreshes a live entry
func (p *RedisPresence) Touch(ctx context.Context, docID string, e Entry) error {
	expireAt := p.now().Add(p.ttl).Unix()

	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: e.SessionID})
	tx.HSet(ctx, statesKey(docID), e.SessionID, []byte(e.State))
	tx.Expire(ctx, roomKey(docID), 2*p.ttl)
	tx.Expire(ctx, statesKey(docID), 2*p.ttl)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("failed to touch presence: %w", err)
	}
	return nil
}

// Remove deletes an entry immediately
func (p *RedisPresence) Remove(ctx context.Context, docID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), sessionID)
	tx.HDel(ctx, statesKey(docID), sessionID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// Alive sweeps expired members and returns the rest, sorted by session ID
func (p *RedisPresence) Alive(ctx context.Context, docID string) ([]Member, error) {
	now := p.now().Unix()

	keys := []string{roomKey(docID), statesKey(docID)}
	if err := sweepScript.Run(ctx, p.rdb, keys, now).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to sweep presence: %w", err)
	}

	alive, err := p.rdb.ZRangeByScoreWithScores(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	if len(alive) == 0 {
		return nil, nil
	}

	ids := make([]string, len(alive))
	for i, z := range alive {
		ids[i], _ = z.Member.(string)
	}
	states, err := p.rdb.HMGet(ctx, statesKey(docID), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read presence states: %w", err)
	}

	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		m := Member{SessionID: id, ExpiresAt: time.Unix(int64(alive[i].Score), 0)}
		if s, ok := states[i].(string); ok && s != "" {
			m.State = json.RawMessage(s)
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].SessionID < members[j].SessionID })
	return members, nil
}

// Documents lists documents that have presence keys
func (p *RedisPresence) Documents(ctx context.Context) ([]string, error) {
	var docs []string
	iter := p.rdb.Scan(ctx, 0, keyRoomScan, 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if !strings.HasPrefix(k, "presence:room:{docID:") {
			continue
		}
		docID := strings.TrimSuffix(strings.TrimPrefix(k, "presence:room:{docID:"), "}")
		if docID != "" {
			docs = append(docs, docID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence: %w", err)
	}
	return docs, nil
}

// Mirror copies changes of one document into Redis until changes is closed
func (p *RedisPresence) Mirror(ctx context.Context, docID string, changes <-chan Change) {
	for change := range changes {
		for _, e := range change.Entries {
			var err error
			if e.Removed() {
				err = p.Remove(ctx, docID, e.SessionID)
			} else {
				err = p.Touch(ctx, docID, e)
			}
			if err != nil {
				log.Printf("⚠️  Presence mirror for document %s: %v", docID, err)
			}
		}
	}
}

