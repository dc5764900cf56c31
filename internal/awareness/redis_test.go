package awareness

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestPresence(t *testing.T) (*RedisPresence, *time.Time) {
	s := miniredis.RunT(t)
	rdb, err := NewRedisClient(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	now := time.Unix(1_700_000_000, 0)
	p := NewRedisPresence(rdb, 30*time.Second)
	p.now = func() time.Time { return now }
	return p, &now
}

func TestRedisPresence_TouchAndAlive(t *testing.T) {
	p, _ := setupTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.Touch(ctx, "doc1", Entry{SessionID: "s2", State: json.RawMessage(`{"name":"Bo"}`)}))
	require.NoError(t, p.Touch(ctx, "doc1", Entry{SessionID: "s1", State: json.RawMessage(`{"name":"Ana"}`)}))
	require.NoError(t, p.Touch(ctx, "doc2", Entry{SessionID: "s3", State: json.RawMessage(`{}`)}))

	members, err := p.Alive(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "s1", members[0].SessionID)
	assert.JSONEq(t, `{"name":"Ana"}`, string(members[0].State))
	assert.Equal(t, time.Unix(1_700_000_030, 0), members[0].ExpiresAt)

	docs, err := p.Documents(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc1", "doc2"}, docs)
}

func TestRedisPresence_ExpiredMembersAreSwept(t *testing.T) {
	p, now := setupTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.Touch(ctx, "doc1", Entry{SessionID: "old", State: json.RawMessage(`{}`)}))
	*now = now.Add(20 * time.Second)
	require.NoError(t, p.Touch(ctx, "doc1", Entry{SessionID: "fresh", State: json.RawMessage(`{}`)}))
	*now = now.Add(15 * time.Second)

	members, err := p.Alive(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "fresh", members[0].SessionID)

	states, err := p.rdb.HKeys(ctx, statesKey("doc1")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, states)
}

func TestRedisPresence_Mirror(t *testing.T) {
	p, _ := setupTestPresence(t)
	ctx := context.Background()

	c := NewChannel(time.Minute)
	changes, cancel := c.Subscribe(8)
	done := make(chan struct{})
	go func() {
		p.Mirror(ctx, "doc1", changes)
		close(done)
	}()

	c.SetLocalState("s1", json.RawMessage(`{"name":"Ana"}`))
	c.SetLocalState("s2", json.RawMessage(`{"name":"Bo"}`))
	c.Remove("s2")
	cancel()
	<-done

	members, err := p.Alive(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "s1", members[0].SessionID)
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not-a-url")
	assert.Error(t, err)
}
