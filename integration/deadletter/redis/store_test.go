package redis_test

import (
	"context"
	"errors"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventbus/core/event"
	redisdb "github.com/dmitrymomot/eventbus/integration/database/redis"
	dlredis "github.com/dmitrymomot/eventbus/integration/deadletter/redis"
)

func TestNewStore_Validation(t *testing.T) {
	t.Parallel()

	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })

	_, err := dlredis.NewStore(client, "k", 0)
	assert.ErrorIs(t, err, dlredis.ErrInvalidCapacity)

	store, err := dlredis.NewStore(client, "", 10)
	require.NoError(t, err)
	assert.NotNil(t, store)
}

func newLiveStore(t *testing.T, capacity int) *dlredis.Store {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	client, err := redisdb.Connect(context.Background(), redisdb.Config{ConnectionURL: url, RetryAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := dlredis.NewStore(client, "eventbus:test:"+t.Name(), capacity)
	require.NoError(t, err)
	require.NoError(t, store.Clear(context.Background()))
	t.Cleanup(func() { _ = store.Clear(context.Background()) })
	return store
}

func TestStore_Live(t *testing.T) {
	store := newLiveStore(t, 2)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := range 3 {
		e := event.NewActionEvent(event.ActionFailed, "p-1", "play", event.WithRoom("room-1"))
		e.AddError("referee", errors.New("invalid play"))
		e.SetMeta(event.MetaRetryCount, i)
		ids = append(ids, e.ID)
		require.NoError(t, store.Add(ctx, e))
	}

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "list is capped")

	got, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[1], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)
	assert.Equal(t, []string{"Handler referee: invalid play"}, got[1].Errors())
	assert.Equal(t, 2, got[1].RetryCount())
	assert.Equal(t, "room-1", got[1].RoomID)

	latest, err := store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, ids[2], latest[0].ID)
}

func TestStore_WithErrorHandlingMiddleware(t *testing.T) {
	store := newLiveStore(t, 10)
	ctx := context.Background()

	mw := event.NewErrorHandlingMiddleware(event.WithDeadLetterStore(store), event.WithMaxRetries(0))
	e := event.New(event.StateSaved)
	e.AddError("saver", errors.New("disk full"))
	mw.PostProcess(ctx, e)

	got, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
}
