package bootstrap

import (
	"context"
	"sync"

	"github.com/harun/actorkit/internal/config"
)

// StartFunc produces a started runtime.
type StartFunc func(ctx context.Context) (*DriverHandle, error)

// Lazy starts a runtime on first use and hands every caller the same
// handle, or the same error.
type Lazy struct {
	once   sync.Once
	start  StartFunc
	handle *DriverHandle
	err    error
}

// NewLazy wraps start.
func NewLazy(start StartFunc) *Lazy {
	return &Lazy{start: start}
}

// Get runs start once. Callers arriving while it runs wait for it.
func (l *Lazy) Get(ctx context.Context) (*DriverHandle, error) {
	l.once.Do(func() {
		l.handle, l.err = l.start(ctx)
	})
	return l.handle, l.err
}

// Default is the process runtime, configured from the environment alone.
// Serverless handlers use it so that every request shares one runtime.
var Default = NewLazy(func(ctx context.Context) (*DriverHandle, error) {
	cfg, err := config.Resolve(config.Input{}, config.OSEnv{})
	if err != nil {
		return nil, err
	}
	return Start(ctx, cfg, Options{})
})
