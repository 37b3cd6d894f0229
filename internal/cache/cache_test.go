package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsBackend(t *testing.T) {
	c := New(Config{})
	_, ok := c.(*Memory)
	assert.True(t, ok, "empty redis_addr should fall back to memory")

	c = New(Config{RedisAddr: "localhost:6379"})
	_, ok = c.(*Redis)
	assert.True(t, ok)
}

func TestMemoryRoundTrip(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "k1", []byte("v1"), time.Minute)
	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	assert.NoError(t, c.Ping(ctx))
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	c.Set(ctx, "short", []byte("v"), 20*time.Millisecond)
	_, ok := c.Get(ctx, "short")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get(ctx, "short")
	assert.False(t, ok)

	// Zero TTL never expires.
	c.Set(ctx, "pinned", []byte("v"), 0)
	time.Sleep(10 * time.Millisecond)
	_, ok = c.Get(ctx, "pinned")
	assert.True(t, ok)
}

func TestMemoryCopiesValue(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	val := []byte("original")
	c.Set(ctx, "k", val, time.Minute)
	val[0] = 'X'

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("original"), got)
}

func TestRedisGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db, "candlekeep", time.Second)
	ctx := context.Background()

	mock.ExpectGet("candlekeep:k1").SetVal("payload")
	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)

	mock.ExpectGet("candlekeep:absent").RedisNil()
	_, ok = c.Get(ctx, "absent")
	assert.False(t, ok)

	// Errors degrade to misses.
	mock.ExpectGet("candlekeep:broken").SetErr(errors.New("connection refused"))
	_, ok = c.Get(ctx, "broken")
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db, "candlekeep", time.Second)

	mock.ExpectSet("candlekeep:k1", []byte("v1"), time.Minute).SetVal("OK")
	c.Set(context.Background(), "k1", []byte("v1"), time.Minute)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisKeyWithoutPrefix(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db, "", time.Second)

	mock.ExpectGet("bare").SetVal("v")
	got, ok := c.Get(context.Background(), "bare")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPing(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db, "candlekeep", time.Second)

	mock.ExpectPing().SetVal("PONG")
	assert.NoError(t, c.Ping(context.Background()))

	mock.ExpectPing().SetErr(errors.New("connection refused"))
	assert.Error(t, c.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}
