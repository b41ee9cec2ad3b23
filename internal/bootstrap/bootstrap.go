// Package bootstrap brings a resolved RuntimeConfig up: it spawns the local
// engine when asked, builds the drivers, serves the manager API and keeps
// the runner pool configured on the engine.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/internal/engine"
	"github.com/harun/actorkit/internal/hostserve"
	"github.com/harun/actorkit/internal/manager"
	"github.com/harun/actorkit/internal/observability"
	"github.com/harun/actorkit/pkg/client"
	"github.com/harun/actorkit/pkg/commandqueue"
	"github.com/harun/actorkit/pkg/driver"
)

// DefaultPortAttempts bounds the free-port probe.
const DefaultPortAttempts = 100

// EngineProcess is a spawned engine.
type EngineProcess interface {
	Endpoint() string
	Version() string
	Stop(ctx context.Context) error
}

// SpawnFunc starts an engine and waits until it is ready.
type SpawnFunc func(ctx context.Context, opts engine.Options) (EngineProcess, error)

// ServeFunc binds the manager handler.
type ServeFunc func(ctx context.Context, opts hostserve.Options, handler http.Handler) (*hostserve.Listener, hostserve.Upgrader, error)

// Options tune Start. The zero value is ready to use.
type Options struct {
	Logger *zerolog.Logger

	// ConfigPath enables the config watcher: runner pool edits in the file
	// are re-applied without a restart.
	ConfigPath string
	Env        config.Env

	Spawn        SpawnFunc
	Serve        ServeFunc
	EngineBinary string
	PortAttempts int
}

func (o *Options) applyDefaults() {
	if o.Spawn == nil {
		o.Spawn = func(ctx context.Context, opts engine.Options) (EngineProcess, error) {
			return engine.Spawn(ctx, opts)
		}
	}
	if o.Serve == nil {
		o.Serve = hostserve.Serve
	}
	if o.PortAttempts <= 0 {
		o.PortAttempts = DefaultPortAttempts
	}
	if o.Env == nil {
		o.Env = config.OSEnv{}
	}
}

// Start runs the startup sequence. On failure everything already started
// is torn down again before the error is returned.
func Start(ctx context.Context, cfg *config.RuntimeConfig, opts Options) (*DriverHandle, error) {
	opts.applyDefaults()

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "bootstrap").Logger()

	cfg = cfg.Clone()
	h := &DriverHandle{
		cfg:    cfg,
		logger: logger,
		queue:  commandqueue.New(),
	}

	if err := h.start(ctx, opts); err != nil {
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rbErr := h.Shutdown(rollbackCtx); rbErr != nil {
			logger.Warn().Err(rbErr).Msg("Rollback after failed startup was incomplete")
		}
		return nil, err
	}
	return h, nil
}

func (h *DriverHandle) start(ctx context.Context, opts Options) error {
	cfg := h.cfg

	d, err := driver.Lookup(cfg.DriverName)
	if err != nil {
		return err
	}
	h.driver = d
	h.AutoStart = d.AutoStartActorDriver

	g, gctx := errgroup.WithContext(ctx)

	// 1. engine
	if cfg.SpawnEngine {
		if cfg.Endpoint != "" {
			return config.ErrEngineWithEndpoint
		}
		cfg.Endpoint = engine.DefaultEndpoint

		g.Go(func() error {
			return step("engine", func() error {
				proc, err := opts.Spawn(gctx, engine.Options{
					Version:  cfg.EngineVersion,
					Binary:   opts.EngineBinary,
					Endpoint: cfg.Endpoint,
					Logger:   &h.logger,
				})
				if err != nil {
					return fmt.Errorf("spawn engine: %w", err)
				}
				h.mu.Lock()
				h.engine = proc
				h.mu.Unlock()
				return nil
			})
		})
	}

	// 2. manager driver
	err = step("manager_driver", func() error {
		m, err := d.NewManagerDriver(cfg)
		if err != nil {
			return fmt.Errorf("create %s manager driver: %w", d.Name, err)
		}
		h.Manager = m
		return nil
	})
	if err != nil {
		_ = g.Wait()
		return err
	}
	h.Client = client.New(h.Manager, h.runnerSelector())

	// 3. local manager listener
	if cfg.ServeManagerLocally {
		var start manager.StartFunc
		if d.NewActorDriver != nil {
			start = h.StartActorDriver
		}
		h.Router = manager.New(manager.Options{
			Config:           cfg,
			Manager:          h.Manager,
			StartActorDriver: start,
			Logger:           &h.logger,
		})

		g.Go(func() error {
			return step("listener", func() error {
				port, err := probePort(cfg.ManagerHost, cfg.ManagerPort, opts.PortAttempts)
				if err != nil {
					return err
				}
				if port != cfg.ManagerPort {
					h.logger.Warn().
						Int("requested", cfg.ManagerPort).
						Int("port", port).
						Msg("Manager port in use, using next free port")
				}

				ln, upgrader, err := opts.Serve(ctx, hostserve.Options{Host: cfg.ManagerHost, Port: port}, h.Router)
				if err != nil {
					return fmt.Errorf("serve manager: %w", err)
				}
				h.Router.SetUpgrader(upgrader)
				h.mu.Lock()
				h.Listener = ln
				h.mu.Unlock()
				return nil
			})
		})
	}

	// readiness barrier
	if err := g.Wait(); err != nil {
		return err
	}

	if h.engine != nil {
		cfg.EngineVersion = h.engine.Version()
	}
	if h.Listener != nil {
		h.adoptBoundPort(h.Listener.Port())
	}

	// 4. actor driver
	if cfg.Mode == config.ModeRunner && d.AutoStartActorDriver && d.NewActorDriver != nil {
		if err := step("actor_driver", func() error { return h.StartActorDriver(ctx) }); err != nil {
			return err
		}
	}

	// 5. summary
	h.logSummary()

	// 6. runner pool
	if cfg.RunnerPool != nil {
		if err := step("runner_pool", func() error { return h.startRunnerPool(ctx, opts) }); err != nil {
			return err
		}
	}
	return nil
}

// adoptBoundPort records the port the manager actually listens on. A
// derived advertised endpoint follows it; an explicit one is left alone.
func (h *DriverHandle) adoptBoundPort(port int) {
	cfg := h.cfg
	if port == cfg.ManagerPort {
		return
	}
	if cfg.AdvertisedEndpoint == config.LocalManagerEndpoint(cfg.ManagerPort, cfg.ManagerBasePath) {
		cfg.AdvertisedEndpoint = config.LocalManagerEndpoint(port, cfg.ManagerBasePath)
	}
	cfg.ManagerPort = port
}

// step times one startup step.
func step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	observability.RecordStartupStep(name, time.Since(start))
	return err
}

// probePort returns the first port from start upward that can be bound.
func probePort(host string, start, attempts int) (int, error) {
	if start == 0 {
		return 0, nil
	}
	var lastErr error
	for port := start; port < start+attempts && port <= 65535; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
		if err != nil {
			lastErr = err
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in %d..%d: %w", start, start+attempts-1, lastErr)
}

func (h *DriverHandle) logSummary() {
	cfg := h.cfg
	ev := h.logger.Info().
		Str("driver", cfg.DriverName).
		Str("mode", string(cfg.Mode)).
		Str("namespace", cfg.Namespace).
		Bool("production", cfg.Production)

	if cfg.Endpoint != "" {
		ev = ev.Str("endpoint", cfg.Endpoint)
	}
	if cfg.AdvertisedEndpoint != "" {
		ev = ev.Str("advertised_endpoint", cfg.AdvertisedEndpoint)
	}
	if cfg.EngineVersion != "" {
		ev = ev.Str("engine_version", cfg.EngineVersion)
	}
	if h.Listener != nil {
		ev = ev.Str("listener", h.Listener.Addr().String())
	}
	if cfg.Mode == config.ModeRunner {
		ev = ev.Str("runner_name", cfg.RunnerName).Int("total_slots", cfg.TotalSlots)
	}
	ev.Msg("Actor runtime started")
}

func (h *DriverHandle) runnerSelector() string {
	if h.cfg.RunnerPool != nil {
		return h.cfg.RunnerPool.Name
	}
	if h.cfg.RunnerName != "" {
		return h.cfg.RunnerName
	}
	return config.DefaultRunnerName
}

// errJoin collects shutdown errors in order.
type errJoin []error

func (e *errJoin) add(what string, err error) {
	if err != nil {
		*e = append(*e, fmt.Errorf("%s: %w", what, err))
	}
}

func (e errJoin) err() error { return errors.Join(e...) }
