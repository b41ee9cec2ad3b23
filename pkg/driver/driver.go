// Package driver defines the manager and actor driver contracts and the
// registry bootstrap selects a driver from.
package driver

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/pkg/client"
	"github.com/harun/actorkit/pkg/engineclient"
)

// Upgrader upgrades an inbound request to a WebSocket. The host serve
// adapter supplies it once the listener is bound.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

// ManagerDriver performs control-plane operations for this runtime.
type ManagerDriver interface {
	client.Manager

	Health(ctx context.Context) error
	Metadata(ctx context.Context) (engineclient.Metadata, error)
	ConfigureRunnerPool(ctx context.Context, pool *config.RunnerPoolConfig) error
	ProxyWebSocket(w http.ResponseWriter, r *http.Request, actorID string, upgrader Upgrader) error
}

// ActorDriver hosts actor instances in this process.
type ActorDriver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Driver bundles the factories for one backend.
type Driver struct {
	Name string

	// AutoStartActorDriver asks bootstrap to start the actor driver eagerly
	// in runner mode.
	AutoStartActorDriver bool

	NewManagerDriver func(cfg *config.RuntimeConfig) (ManagerDriver, error)
	NewActorDriver   func(cfg *config.RuntimeConfig, manager ManagerDriver, c *client.Client) (ActorDriver, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Driver{}
)

func init() {
	for _, d := range []Driver{EngineDriver(), MemoryDriver()} {
		if err := Register(d); err != nil {
			panic(err)
		}
	}
}

// Register adds d to the registry. Names are unique.
func Register(d Driver) error {
	if d.Name == "" || d.NewManagerDriver == nil {
		return fmt.Errorf("driver requires a name and a manager factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[d.Name]; exists {
		return fmt.Errorf("driver %q already registered", d.Name)
	}
	registry[d.Name] = d
	return nil
}

// Lookup returns the driver registered under name.
func Lookup(name string) (Driver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	d, ok := registry[name]
	if !ok {
		return Driver{}, fmt.Errorf("unknown driver %q (registered: %v)", name, namesLocked())
	}
	return d, nil
}

// Names lists registered drivers.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
