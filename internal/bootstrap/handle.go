package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/internal/hostserve"
	"github.com/harun/actorkit/internal/manager"
	"github.com/harun/actorkit/internal/observability"
	"github.com/harun/actorkit/pkg/client"
	"github.com/harun/actorkit/pkg/commandqueue"
	"github.com/harun/actorkit/pkg/driver"
)

// runnerPoolLane is the queue lane runner pool upserts coalesce on.
const runnerPoolLane = "runner-pool"

// DriverHandle is a started runtime.
type DriverHandle struct {
	Manager driver.ManagerDriver
	Client  *client.Client

	// AutoStart reports whether the driver starts its actor driver eagerly
	// in runner mode.
	AutoStart bool

	Router   *manager.Router
	Listener *hostserve.Listener

	cfg    *config.RuntimeConfig
	driver driver.Driver
	logger zerolog.Logger

	mu          sync.Mutex
	engine      EngineProcess
	actor       driver.ActorDriver
	actorErr    error
	actorLoaded bool
	pool        *config.RunnerPoolConfig

	queue   *commandqueue.CoalescingQueue
	cron    *cron.Cron
	watcher *config.Watcher

	shutdownOnce sync.Once
	shutdownErr  error
}

// Config returns a copy of the effective config. It differs from the
// input when an engine was spawned.
func (h *DriverHandle) Config() *config.RuntimeConfig {
	return h.cfg.Clone()
}

// ActorDriver returns the actor driver, nil until started.
func (h *DriverHandle) ActorDriver() driver.ActorDriver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.actor
}

// StartActorDriver builds and starts the actor driver. Only the first call
// does the work; later calls return its result.
func (h *DriverHandle) StartActorDriver(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.actorLoaded {
		return h.actorErr
	}
	h.actorLoaded = true

	if h.driver.NewActorDriver == nil {
		h.actorErr = fmt.Errorf("driver %s has no actor driver", h.driver.Name)
		return h.actorErr
	}

	ad, err := h.driver.NewActorDriver(h.cfg, h.Manager, h.Client)
	if err != nil {
		h.actorErr = fmt.Errorf("create actor driver: %w", err)
		return h.actorErr
	}
	if err := ad.Start(ctx); err != nil {
		h.actorErr = fmt.Errorf("start actor driver: %w", err)
		return h.actorErr
	}
	h.actor = ad
	h.logger.Info().Str("driver", h.driver.Name).Msg("Actor driver started")
	return nil
}

// ConfigureRunnerPool upserts the current runner pool through the queue.
// Calls made while an upsert is pending share its result.
func (h *DriverHandle) ConfigureRunnerPool(ctx context.Context) error {
	_, err := h.queue.Enqueue(ctx, runnerPoolLane, h.upsertRunnerPool)
	return err
}

func (h *DriverHandle) upsertRunnerPool(ctx context.Context) (interface{}, error) {
	h.mu.Lock()
	pool := h.pool
	h.mu.Unlock()
	if pool == nil {
		return nil, nil
	}
	err := h.Manager.ConfigureRunnerPool(ctx, pool)
	observability.RecordRunnerPoolAudit(ctx, pool.Name, err)
	return nil, err
}

func (h *DriverHandle) startRunnerPool(ctx context.Context, opts Options) error {
	h.mu.Lock()
	h.pool = h.cfg.RunnerPool
	h.mu.Unlock()

	if err := h.ConfigureRunnerPool(ctx); err != nil {
		return err
	}

	if schedule := h.cfg.RunnerPool.RefreshSchedule; schedule != "" {
		c := cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		)))
		_, err := c.AddFunc(schedule, func() {
			if _, err := h.queue.Submit(context.Background(), runnerPoolLane, h.upsertRunnerPool); err != nil {
				h.logger.Debug().Err(err).Msg("Runner pool refresh skipped")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid runner pool refresh schedule %q: %w", schedule, err)
		}
		c.Start()
		h.cron = c
	}

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:     opts.ConfigPath,
			Env:      opts.Env,
			OnChange: h.onConfigChange,
		})
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		h.watcher = w
	}
	return nil
}

// onConfigChange re-applies runner pool settings from a reloaded config.
// Other fields need a restart.
func (h *DriverHandle) onConfigChange(cfg *config.RuntimeConfig) {
	if cfg.RunnerPool == nil {
		h.logger.Warn().Msg("Runner pool removed from config; keeping the current pool until restart")
		return
	}

	h.mu.Lock()
	h.pool = cfg.RunnerPool
	h.mu.Unlock()
	observability.RecordConfigAudit(context.Background(), "reload", map[string]interface{}{
		"runner_pool": cfg.RunnerPool.Name,
		"url":         cfg.RunnerPool.URL,
	})

	if _, err := h.queue.Submit(context.Background(), runnerPoolLane, h.upsertRunnerPool); err != nil {
		h.logger.Debug().Err(err).Msg("Runner pool update skipped")
		return
	}
	h.logger.Info().Str("pool", cfg.RunnerPool.Name).Msg("Runner pool update queued")
}

// Shutdown stops everything Start started, in reverse order. Safe to call
// more than once.
func (h *DriverHandle) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		var errs errJoin

		if h.cron != nil {
			<-h.cron.Stop().Done()
		}
		if h.watcher != nil {
			errs.add("stop watcher", h.watcher.Stop())
		}

		h.mu.Lock()
		actor := h.actor
		listener := h.Listener
		proc := h.engine
		h.mu.Unlock()

		if actor != nil {
			errs.add("stop actor driver", actor.Stop(ctx))
		}
		if h.Router != nil {
			h.Router.Close()
		}
		if listener != nil {
			errs.add("stop listener", listener.Shutdown(ctx))
		}
		h.queue.Close()
		if proc != nil {
			errs.add("stop engine", proc.Stop(ctx))
		}

		h.shutdownErr = errs.err()
		h.logger.Info().Msg("Actor runtime stopped")
	})
	return h.shutdownErr
}
