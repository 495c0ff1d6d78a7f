package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemorySetIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.SetIfAbsent(ctx, "lock", "a", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetIfAbsent(ctx, "lock", "b", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := m.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", val)
}

func TestMemoryCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "lock", "holder", 0))

	ok, err := m.CompareAndDelete(ctx, "lock", "intruder")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.CompareAndDelete(ctx, "lock", "holder")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Get(ctx, "lock")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryCompareAndExpire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "lock", "holder", 0))

	ok, err := m.CompareAndExpire(ctx, "lock", "wrong", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.CompareAndExpire(ctx, "lock", "holder", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryIncr(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemorySets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	added, err := m.SAdd(ctx, "voters", "alice")
	require.NoError(t, err)
	assert.True(t, added)

	// Re-adding an existing member reports no change.
	added, err = m.SAdd(ctx, "voters", "alice")
	require.NoError(t, err)
	assert.False(t, added)

	added, err = m.SAdd(ctx, "voters", "bob")
	require.NoError(t, err)
	assert.True(t, added)

	ok, err := m.SIsMember(ctx, "voters", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SIsMember(ctx, "voters", "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := m.SMembers(ctx, "voters")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)
}

func TestMemoryHashes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.HSet(ctx, "record", map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, m.HSet(ctx, "record", map[string]string{"b": "3"}))

	record, err := m.HGetAll(ctx, "record")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, record)
}

func TestMemoryScan(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "{nodes}.n1", "x", 0))
	require.NoError(t, m.HSet(ctx, "{nodes}.n2", map[string]string{"a": "1"}))
	require.NoError(t, m.Set(ctx, "{votes}.v1", "x", 0))

	keys, err := m.Scan(ctx, "{nodes}.*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"{nodes}.n1", "{nodes}.n2"}, keys)
}

func TestMemoryPubSub(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "alpha", "beta")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Publish(ctx, "alpha", []byte("one")))
	require.NoError(t, m.Publish(ctx, "gamma", []byte("filtered")))
	require.NoError(t, m.Publish(ctx, "beta", []byte("two")))

	msg := <-sub.Messages()
	assert.Equal(t, "alpha", msg.Channel)
	assert.Equal(t, []byte("one"), msg.Payload)

	msg = <-sub.Messages()
	assert.Equal(t, "beta", msg.Channel)
	assert.Equal(t, []byte("two"), msg.Payload)

	select {
	case extra := <-sub.Messages():
		t.Fatalf("unexpected message on %s", extra.Channel)
	default:
	}
}

func TestMemoryDelAndInfo(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "a", "1", 0))
	_, err := m.SAdd(ctx, "b", "x")
	require.NoError(t, err)

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size)

	require.NoError(t, m.Del(ctx, "a", "b"))
	info, err = m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size)
}
