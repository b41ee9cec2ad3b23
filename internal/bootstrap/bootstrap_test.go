package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/internal/engine"
	"github.com/harun/actorkit/pkg/client"
	"github.com/harun/actorkit/pkg/codec"
	"github.com/harun/actorkit/pkg/driver"
)

type fakeEngine struct {
	stopped atomic.Bool
}

func (e *fakeEngine) Endpoint() string { return engine.DefaultEndpoint }
func (e *fakeEngine) Version() string  { return "2.0.1" }
func (e *fakeEngine) Stop(ctx context.Context) error {
	e.stopped.Store(true)
	return nil
}

type fakeManager struct {
	*driver.MemoryManager

	mu    sync.Mutex
	pools []config.RunnerPoolConfig
}

func (m *fakeManager) ConfigureRunnerPool(ctx context.Context, pool *config.RunnerPoolConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools = append(m.pools, *pool)
	return nil
}

func (m *fakeManager) poolURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var urls []string
	for _, p := range m.pools {
		urls = append(urls, p.URL)
	}
	return urls
}

type fakeActorDriver struct {
	started atomic.Int32
	stopped atomic.Bool
	err     error
}

func (a *fakeActorDriver) Start(ctx context.Context) error {
	a.started.Add(1)
	return a.err
}

func (a *fakeActorDriver) Stop(ctx context.Context) error {
	a.stopped.Store(true)
	return nil
}

type testDriver struct {
	name       string
	manager    *fakeManager
	actor      *fakeActorDriver
	managerErr error
	seenCfg    atomic.Pointer[config.RuntimeConfig]
}

var driverSeq atomic.Int32

// registerTestDriver registers a fresh driver under a unique name.
func registerTestDriver(t *testing.T) *testDriver {
	t.Helper()
	td := &testDriver{
		name:    fmt.Sprintf("test-%d", driverSeq.Add(1)),
		manager: &fakeManager{MemoryManager: driver.NewMemoryManager("default")},
		actor:   &fakeActorDriver{},
	}
	require.NoError(t, driver.Register(driver.Driver{
		Name:                 td.name,
		AutoStartActorDriver: true,
		NewManagerDriver: func(cfg *config.RuntimeConfig) (driver.ManagerDriver, error) {
			td.seenCfg.Store(cfg.Clone())
			if td.managerErr != nil {
				return nil, td.managerErr
			}
			return td.manager, nil
		},
		NewActorDriver: func(cfg *config.RuntimeConfig, m driver.ManagerDriver, c *client.Client) (driver.ActorDriver, error) {
			return td.actor, nil
		},
	}))
	return td
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func localConfig(t *testing.T, driverName string) *config.RuntimeConfig {
	return &config.RuntimeConfig{
		Namespace:           "default",
		Mode:                config.ModeServerless,
		DriverName:          driverName,
		Encoding:            codec.EncodingJSON,
		ManagerHost:         "127.0.0.1",
		ManagerPort:         freePort(t),
		ManagerBasePath:     "/",
		ServeManagerLocally: true,
	}
}

func shutdown(t *testing.T, h *DriverHandle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
}

func TestStartServesManagerLocally(t *testing.T) {
	cfg := localConfig(t, driver.MemoryDriverName)

	h, err := Start(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer shutdown(t, h)

	require.NotNil(t, h.Listener)
	assert.Equal(t, cfg.ManagerPort, h.Listener.Port())
	assert.False(t, h.AutoStart)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", h.Listener.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	handle, err := h.Client.GetOrCreate(context.Background(), "counter", "k", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, handle.ActorID)
}

func TestStartProbesNextFreePort(t *testing.T) {
	cfg := localConfig(t, driver.MemoryDriverName)
	busy, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.ManagerPort))
	require.NoError(t, err)
	defer busy.Close()

	h, err := Start(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer shutdown(t, h)

	assert.Greater(t, h.Listener.Port(), cfg.ManagerPort)
	assert.Equal(t, h.Listener.Port(), h.Config().ManagerPort)
}

func TestStartAdvertisesBoundPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	cfg, err := config.Resolve(config.Input{ManagerPort: busyPort, ManagerHost: "127.0.0.1"}, config.MapEnv{})
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("http://localhost:%d", busyPort), cfg.AdvertisedEndpoint)
	cfg.DriverName = driver.MemoryDriverName

	h, err := Start(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer shutdown(t, h)

	port := h.Listener.Port()
	require.NotEqual(t, busyPort, port)
	assert.Equal(t, port, h.Config().ManagerPort)
	assert.Equal(t, fmt.Sprintf("http://localhost:%d", port), h.Config().AdvertisedEndpoint)
}

func TestStartKeepsExplicitAdvertisedEndpoint(t *testing.T) {
	cfg := localConfig(t, driver.MemoryDriverName)
	cfg.AdvertisedEndpoint = "https://actors.example.com"
	busy, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.ManagerPort))
	require.NoError(t, err)
	defer busy.Close()

	h, err := Start(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer shutdown(t, h)

	assert.Equal(t, h.Listener.Port(), h.Config().ManagerPort)
	assert.Equal(t, "https://actors.example.com", h.Config().AdvertisedEndpoint)
}

func TestProbePortBounded(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	_, err = probePort("127.0.0.1", port, 1)
	assert.Error(t, err)
}

func TestStartRejectsEngineWithEndpoint(t *testing.T) {
	td := registerTestDriver(t)
	spawned := false

	_, err := Start(context.Background(), &config.RuntimeConfig{
		DriverName:  td.name,
		Endpoint:    "https://engine.example.com",
		SpawnEngine: true,
	}, Options{
		Spawn: func(ctx context.Context, opts engine.Options) (EngineProcess, error) {
			spawned = true
			return &fakeEngine{}, nil
		},
	})

	assert.ErrorIs(t, err, config.ErrEngineWithEndpoint)
	assert.False(t, spawned)
}

func TestStartSpawnsEngine(t *testing.T) {
	td := registerTestDriver(t)
	proc := &fakeEngine{}
	var gotOpts engine.Options

	h, err := Start(context.Background(), &config.RuntimeConfig{
		DriverName:    td.name,
		Mode:          config.ModeServerless,
		SpawnEngine:   true,
		EngineVersion: "^2",
	}, Options{
		Spawn: func(ctx context.Context, opts engine.Options) (EngineProcess, error) {
			gotOpts = opts
			return proc, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, engine.DefaultEndpoint, gotOpts.Endpoint)
	assert.Equal(t, "^2", gotOpts.Version)
	assert.Equal(t, engine.DefaultEndpoint, td.seenCfg.Load().Endpoint)
	assert.Equal(t, "2.0.1", h.Config().EngineVersion)

	shutdown(t, h)
	assert.True(t, proc.stopped.Load())
}

func TestStartRollsBackEngineOnFailure(t *testing.T) {
	td := registerTestDriver(t)
	td.managerErr = errors.New("manager unavailable")
	proc := &fakeEngine{}

	_, err := Start(context.Background(), &config.RuntimeConfig{
		DriverName:  td.name,
		SpawnEngine: true,
	}, Options{
		Spawn: func(ctx context.Context, opts engine.Options) (EngineProcess, error) {
			return proc, nil
		},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "manager unavailable")
	assert.True(t, proc.stopped.Load(), "spawned engine is stopped when startup fails")
}

func TestStartRollsBackListenerOnActorFailure(t *testing.T) {
	td := registerTestDriver(t)
	td.actor.err = errors.New("runner refused")
	cfg := localConfig(t, td.name)
	cfg.Mode = config.ModeRunner

	_, err := Start(context.Background(), cfg, Options{})
	require.Error(t, err)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.ManagerPort))
	require.NoError(t, err, "listener is released after rollback")
	ln.Close()
}

func TestStartRunnerModeStartsActorDriver(t *testing.T) {
	td := registerTestDriver(t)

	h, err := Start(context.Background(), &config.RuntimeConfig{
		DriverName: td.name,
		Endpoint:   "https://engine.example.com",
		Mode:       config.ModeRunner,
		RunnerName: "default",
		TotalSlots: 10,
	}, Options{})
	require.NoError(t, err)

	assert.True(t, h.AutoStart)
	assert.Equal(t, int32(1), td.actor.started.Load())
	require.NoError(t, h.StartActorDriver(context.Background()))
	assert.Equal(t, int32(1), td.actor.started.Load(), "actor driver starts once")

	shutdown(t, h)
	assert.True(t, td.actor.stopped.Load())
}

func TestStartServerlessDefersActorDriver(t *testing.T) {
	td := registerTestDriver(t)
	cfg := localConfig(t, td.name)

	h, err := Start(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer shutdown(t, h)

	assert.Equal(t, int32(0), td.actor.started.Load())
	assert.Nil(t, h.ActorDriver())
}

func TestRunnerPoolConfiguredAndReloaded(t *testing.T) {
	td := registerTestDriver(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "actorkit.json")
	writePool := func(url string) {
		doc := fmt.Sprintf(`{"endpoint":"https://engine.example.com","runner_pool":{"name":"pool","url":%q}}`, url)
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	}
	writePool("https://app.example.com/v1")

	h, err := Start(context.Background(), &config.RuntimeConfig{
		DriverName: td.name,
		Endpoint:   "https://engine.example.com",
		Mode:       config.ModeServerless,
		RunnerPool: &config.RunnerPoolConfig{Name: "pool", URL: "https://app.example.com/v1"},
	}, Options{ConfigPath: path, Env: config.MapEnv{}})
	require.NoError(t, err)
	defer shutdown(t, h)

	assert.Equal(t, []string{"https://app.example.com/v1"}, td.manager.poolURLs())

	writePool("https://app.example.com/v2")
	assert.Eventually(t, func() bool {
		urls := td.manager.poolURLs()
		return len(urls) >= 2 && urls[len(urls)-1] == "https://app.example.com/v2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunnerPoolInvalidSchedule(t *testing.T) {
	td := registerTestDriver(t)

	_, err := Start(context.Background(), &config.RuntimeConfig{
		DriverName: td.name,
		Endpoint:   "https://engine.example.com",
		RunnerPool: &config.RunnerPoolConfig{Name: "pool", URL: "https://app", RefreshSchedule: "every tuesday"},
	}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh schedule")
}

func TestStartUnknownDriver(t *testing.T) {
	_, err := Start(context.Background(), &config.RuntimeConfig{DriverName: "nope"}, Options{})
	assert.Error(t, err)
}

func TestLazySharesResult(t *testing.T) {
	var calls atomic.Int32
	h := &DriverHandle{}
	l := NewLazy(func(ctx context.Context) (*DriverHandle, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return h, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := l.Get(context.Background())
			assert.NoError(t, err)
			assert.Same(t, h, got)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	failing := NewLazy(func(ctx context.Context) (*DriverHandle, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	_, err1 := failing.Get(context.Background())
	_, err2 := failing.Get(context.Background())
	assert.Same(t, err1, err2)
	assert.Equal(t, int32(2), calls.Load())
}
