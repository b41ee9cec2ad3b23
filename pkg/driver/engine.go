package driver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/internal/observability"
	"github.com/harun/actorkit/pkg/client"
	"github.com/harun/actorkit/pkg/engineclient"
)

// EngineDriverName is the built-in driver backed by the engine API.
const EngineDriverName = "engine"

// EngineDriver returns the built-in engine driver.
func EngineDriver() Driver {
	return Driver{
		Name:                 EngineDriverName,
		AutoStartActorDriver: true,
		NewManagerDriver: func(cfg *config.RuntimeConfig) (ManagerDriver, error) {
			return NewEngineManager(cfg)
		},
		NewActorDriver: func(cfg *config.RuntimeConfig, manager ManagerDriver, c *client.Client) (ActorDriver, error) {
			return NewRunner(RunnerConfig{Runtime: cfg, Client: c})
		},
	}
}

// EngineManager is the manager driver for the engine API.
type EngineManager struct {
	client   *engineclient.Client
	endpoint string
	headers  http.Header
	dialer   *websocket.Dialer
}

// NewEngineManager creates the manager driver. It does not contact the
// engine.
func NewEngineManager(cfg *config.RuntimeConfig) (*EngineManager, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("engine driver requires an endpoint")
	}

	c, err := engineclient.New(engineclient.Config{
		Endpoint:  cfg.Endpoint,
		Token:     cfg.Token,
		Namespace: cfg.Namespace,
		Headers:   cfg.Headers,
		Encoding:  cfg.Encoding,
	})
	if err != nil {
		return nil, err
	}

	return &EngineManager{
		client:   c,
		endpoint: cfg.Endpoint,
		headers:  engineHeaders(cfg),
		dialer:   websocket.DefaultDialer,
	}, nil
}

// Client returns the underlying engine client.
func (m *EngineManager) Client() *engineclient.Client {
	return m.client
}

func (m *EngineManager) Health(ctx context.Context) error {
	return m.client.Health(ctx)
}

func (m *EngineManager) Metadata(ctx context.Context) (engineclient.Metadata, error) {
	return m.client.Metadata(ctx)
}

func (m *EngineManager) ListActors(ctx context.Context, q engineclient.ListActorsQuery) ([]engineclient.Actor, error) {
	return m.client.ListActors(ctx, q)
}

func (m *EngineManager) GetActor(ctx context.Context, actorID string) (engineclient.Actor, error) {
	return m.client.GetActor(ctx, actorID)
}

func (m *EngineManager) GetOrCreateActor(ctx context.Context, req engineclient.GetOrCreateActorRequest) (engineclient.GetOrCreateActorResponse, error) {
	return m.client.GetOrCreateActor(ctx, req)
}

func (m *EngineManager) DestroyActor(ctx context.Context, actorID string) error {
	return m.client.DestroyActor(ctx, actorID)
}

// ConfigureRunnerPool upserts the serverless runner config for pool.
func (m *EngineManager) ConfigureRunnerPool(ctx context.Context, pool *config.RunnerPoolConfig) error {
	updated, err := m.client.UpsertRunnerConfig(ctx, pool.Name, engineclient.RunnerConfig{
		Serverless: &engineclient.ServerlessRunnerConfig{
			URL:             pool.URL,
			Headers:         pool.Headers,
			RequestLifespan: pool.RequestLifespan,
			SlotsPerRunner:  pool.SlotsPerRunner,
			MinRunners:      pool.MinRunners,
			MaxRunners:      pool.MaxRunners,
			RunnersMargin:   pool.RunnersMargin,
		},
	})
	if err != nil {
		return fmt.Errorf("configure runner pool %s: %w", pool.Name, err)
	}

	log.Info().
		Str("pool", pool.Name).
		Str("url", pool.URL).
		Bool("updated", updated).
		Msg("Runner pool configured")
	return nil
}

// ProxyWebSocket connects to the engine gateway for actorID, then upgrades
// the inbound request and relays frames both ways until either side closes.
func (m *EngineManager) ProxyWebSocket(w http.ResponseWriter, r *http.Request, actorID string, upgrader Upgrader) error {
	target, err := websocketURL(m.endpoint, "/gateway/"+url.PathEscape(actorID))
	if err != nil {
		return err
	}
	target.RawQuery = r.URL.RawQuery

	header := m.headers.Clone()
	if protocols := r.Header.Values("Sec-WebSocket-Protocol"); len(protocols) > 0 {
		header["Sec-WebSocket-Protocol"] = protocols
	}

	upstream, resp, err := m.dialer.DialContext(r.Context(), target.String(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, "actor gateway unavailable", http.StatusBadGateway)
		return fmt.Errorf("dial actor gateway %s (status %d): %w", actorID, status, err)
	}
	defer upstream.Close()

	var respHeader http.Header
	if sub := upstream.Subprotocol(); sub != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {sub}}
	}
	downstream, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return fmt.Errorf("upgrade client connection: %w", err)
	}
	defer downstream.Close()

	observability.WebSocketOpened()
	defer observability.WebSocketClosed()

	errc := make(chan error, 2)
	go relay(upstream, downstream, errc)
	go relay(downstream, upstream, errc)
	<-errc

	return nil
}

// relay copies frames from src to dst, forwarding a close frame when src
// closes.
func relay(dst, src *websocket.Conn, errc chan<- error) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseNoStatusReceived {
				msg = websocket.FormatCloseMessage(ce.Code, ce.Text)
			}
			_ = dst.WriteMessage(websocket.CloseMessage, msg)
			errc <- err
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			errc <- err
			return
		}
	}
}

func engineHeaders(cfg *config.RuntimeConfig) http.Header {
	h := http.Header{}
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	h.Set("User-Agent", engineclient.UserAgent)
	if cfg.Namespace != "" {
		h.Set(engineclient.HeaderNamespace, cfg.Namespace)
	}
	if cfg.Token != "" {
		h.Set("Authorization", "Bearer "+cfg.Token)
	}
	return h
}

// websocketURL maps an http(s) endpoint onto ws(s) and appends path.
func websocketURL(endpoint, path string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid engine endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.JoinPath(path), nil
}
