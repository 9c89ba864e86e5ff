package event

import (
	"context"
	"log/slog"

	"go.uber.org/fx"
)

// ModuleParams are the dependencies of Module. Both are optional: Config falls
// back to LoadConfig and the logger to a discard logger.
type ModuleParams struct {
	fx.In

	Config *Config      `optional:"true"`
	Logger *slog.Logger `optional:"true"`
}

// Module provides a *Manager configured from the environment and shuts down all
// of its buses when the application stops.
//
// Example:
//
//	app := fx.New(
//	    event.Module,
//	    fx.Invoke(func(m *event.Manager) { ... }),
//	)
var Module = fx.Module("eventbus",
	fx.Provide(NewModuleManager),
	fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return m.Shutdown(ctx)
			},
		})
	}),
)

// NewModuleManager builds the Manager provided by Module.
func NewModuleManager(p ModuleParams) (*Manager, error) {
	cfg := p.Config
	if cfg == nil {
		loaded, err := LoadConfig()
		if err != nil {
			return nil, err
		}
		cfg = &loaded
	}
	return NewManagerFromConfig(*cfg, p.Logger), nil
}
