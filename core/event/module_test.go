package event_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dmitrymomot/eventbus/core/event"
)

func TestModule(t *testing.T) {
	t.Parallel()

	cfg := event.DefaultConfig()
	cfg.ShutdownTimeout = time.Second

	var mgr *event.Manager
	app := fxtest.New(t,
		fx.Supply(&cfg),
		fx.Supply(slog.New(slog.DiscardHandler)),
		event.Module,
		fx.Populate(&mgr),
	)
	app.RequireStart()

	require.NotNil(t, mgr)
	bus, err := mgr.Get(context.Background(), "room-1")
	require.NoError(t, err)
	assert.True(t, bus.IsRunning())
	assert.Len(t, bus.Middlewares(), 4)

	app.RequireStop()
	assert.False(t, bus.IsRunning(), "buses are stopped with the application")
	assert.Empty(t, mgr.Rooms())
}
