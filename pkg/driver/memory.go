package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/pkg/client"
	"github.com/harun/actorkit/pkg/engineclient"
)

// MemoryDriverName is the in-process driver used when no engine is
// configured.
const MemoryDriverName = "memory"

// ConnHandler serves an actor WebSocket accepted by the memory driver.
type ConnHandler func(ctx context.Context, actorID string, conn *websocket.Conn)

// MemoryDriver returns the built-in in-process driver. Actors live only as
// long as the process.
func MemoryDriver() Driver {
	return Driver{
		Name: MemoryDriverName,
		NewManagerDriver: func(cfg *config.RuntimeConfig) (ManagerDriver, error) {
			return NewMemoryManager(cfg.Namespace), nil
		},
	}
}

// MemoryManager keeps actors in a map.
type MemoryManager struct {
	namespace string

	mu      sync.RWMutex
	actors  map[string]engineclient.Actor
	byKey   map[string]string
	handler ConnHandler

	now func() time.Time
}

// NewMemoryManager creates an empty manager.
func NewMemoryManager(namespace string) *MemoryManager {
	return &MemoryManager{
		namespace: namespace,
		actors:    make(map[string]engineclient.Actor),
		byKey:     make(map[string]string),
		now:       time.Now,
	}
}

// HandleConnections sets the handler for proxied actor WebSockets.
func (m *MemoryManager) HandleConnections(h ConnHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *MemoryManager) Health(ctx context.Context) error { return nil }

func (m *MemoryManager) Metadata(ctx context.Context) (engineclient.Metadata, error) {
	return engineclient.Metadata{Runtime: MemoryDriverName, Version: engineclient.Version}, nil
}

func (m *MemoryManager) ListActors(ctx context.Context, q engineclient.ListActorsQuery) ([]engineclient.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[string]bool, len(q.ActorIDs))
	for _, id := range q.ActorIDs {
		ids[id] = true
	}

	var out []engineclient.Actor
	for _, a := range m.actors {
		if len(ids) > 0 && !ids[a.ActorID] {
			continue
		}
		if q.Name != "" && a.Name != q.Name {
			continue
		}
		if q.Key != "" && a.Key != q.Key {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTs < out[j].CreateTs })
	return out, nil
}

func (m *MemoryManager) GetActor(ctx context.Context, actorID string) (engineclient.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.actors[actorID]
	if !ok {
		return engineclient.Actor{}, fmt.Errorf("%w: %s", client.ErrActorNotFound, actorID)
	}
	return a, nil
}

func (m *MemoryManager) GetOrCreateActor(ctx context.Context, req engineclient.GetOrCreateActorRequest) (engineclient.GetOrCreateActorResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := req.Name + "\x00" + req.Key
	if id, ok := m.byKey[k]; ok {
		return engineclient.GetOrCreateActorResponse{Actor: m.actors[id]}, nil
	}

	now := m.now().UnixMilli()
	a := engineclient.Actor{
		ActorID:            uuid.NewString(),
		Name:               req.Name,
		Key:                req.Key,
		Namespace:          m.namespace,
		RunnerNameSelector: req.RunnerNameSelector,
		CrashPolicy:        req.CrashPolicy,
		CreateTs:           now,
		ConnectableTs:      now,
	}
	m.actors[a.ActorID] = a
	m.byKey[k] = a.ActorID
	return engineclient.GetOrCreateActorResponse{Actor: a, Created: true}, nil
}

func (m *MemoryManager) DestroyActor(ctx context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actors[actorID]
	if !ok {
		return fmt.Errorf("%w: %s", client.ErrActorNotFound, actorID)
	}
	delete(m.actors, actorID)
	delete(m.byKey, a.Name+"\x00"+a.Key)
	return nil
}

// ConfigureRunnerPool is unsupported: runner pools need an engine.
func (m *MemoryManager) ConfigureRunnerPool(ctx context.Context, pool *config.RunnerPoolConfig) error {
	return fmt.Errorf("memory driver: runner pools: %w", errors.ErrUnsupported)
}

// ProxyWebSocket hands the upgraded connection to the registered
// ConnHandler.
func (m *MemoryManager) ProxyWebSocket(w http.ResponseWriter, r *http.Request, actorID string, upgrader Upgrader) error {
	m.mu.RLock()
	_, exists := m.actors[actorID]
	handler := m.handler
	m.mu.RUnlock()

	if !exists {
		http.Error(w, "actor not found", http.StatusNotFound)
		return fmt.Errorf("%w: %s", client.ErrActorNotFound, actorID)
	}
	if handler == nil {
		http.Error(w, "no connection handler", http.StatusNotImplemented)
		return fmt.Errorf("memory driver: actor connections: %w", errors.ErrUnsupported)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade client connection: %w", err)
	}
	defer conn.Close()

	handler(r.Context(), actorID, conn)
	return nil
}
