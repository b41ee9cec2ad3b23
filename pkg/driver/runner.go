package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/internal/observability"
	"github.com/harun/actorkit/pkg/client"
	"github.com/harun/actorkit/pkg/codec"
	"github.com/harun/actorkit/pkg/concurrency"
	"github.com/harun/actorkit/pkg/engineclient"
)

// Runner protocol message types.
const (
	MessageInit       = "init"
	MessageInitAck    = "init_ack"
	MessagePing       = "ping"
	MessagePong       = "pong"
	MessageStartActor = "start_actor"
	MessageStopActor  = "stop_actor"
	MessageActorState = "actor_state"
)

// ProtocolVersion is the runner protocol version sent on connect.
const ProtocolVersion = 1

// RunnerMessage is one frame on the runner connection.
type RunnerMessage struct {
	Type       string `json:"type"`
	RunnerID   string `json:"runner_id,omitempty"`
	RunnerName string `json:"runner_name,omitempty"`
	RunnerKey  string `json:"runner_key,omitempty"`
	Version    string `json:"version,omitempty"`
	TotalSlots int    `json:"total_slots,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	ActorName  string `json:"actor_name,omitempty"`
	State      string `json:"state,omitempty"`
	Timestamp  int64  `json:"ts,omitempty"`
}

var runnerMessageSchema = codec.NewSchema[RunnerMessage]("RunnerMessage")

// ActorHost runs actor instances on behalf of the runner. Actor business
// logic lives behind it.
type ActorHost interface {
	StartActor(ctx context.Context, actorID, name string, c *client.Client) error
	StopActor(ctx context.Context, actorID string) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Runtime *config.RuntimeConfig
	Client  *client.Client
	Host    ActorHost
	Dialer  *websocket.Dialer

	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration
}

// Runner is the engine actor driver: it holds an outbound WebSocket to the
// engine, announces its slots and starts or stops actors as told.
type Runner struct {
	runtime    *config.RuntimeConfig
	client     *client.Client
	host       ActorHost
	dialer     *websocket.Dialer
	maxBackoff time.Duration
	encoding   codec.Encoding

	mu       sync.Mutex
	conn     *websocket.Conn
	runnerID string
	actors   map[string]string

	startOnce sync.Once
	startErr  error
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRunner creates the runner actor driver.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Runtime == nil || !cfg.Runtime.HasEndpoint() {
		return nil, fmt.Errorf("runner requires an engine endpoint")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Host == nil {
		cfg.Host = noopHost{}
	}

	enc := cfg.Runtime.Encoding
	if enc == "" {
		enc = codec.EncodingJSON
	}

	return &Runner{
		runtime:    cfg.Runtime,
		client:     cfg.Client,
		host:       cfg.Host,
		dialer:     cfg.Dialer,
		maxBackoff: cfg.MaxBackoff,
		encoding:   enc,
		actors:     make(map[string]string),
		done:       make(chan struct{}),
	}, nil
}

// Start connects to the engine and sends the init message. Reconnects after
// that happen in the background until Stop. Only the first call connects.
func (r *Runner) Start(ctx context.Context) error {
	r.startOnce.Do(func() {
		conn, err := r.connect(ctx)
		if err != nil {
			r.startErr = err
			close(r.done)
			return
		}

		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r.mu.Lock()
		r.cancel = cancel
		r.mu.Unlock()
		go r.loop(loopCtx, conn)
	})
	return r.startErr
}

// Stop closes the connection and stops all hosted actors.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	conn := r.conn
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "runner stopping"),
			time.Now().Add(time.Second))
		conn.Close()
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	actors := make([]string, 0, len(r.actors))
	for id := range r.actors {
		actors = append(actors, id)
	}
	clear(r.actors)
	r.mu.Unlock()

	var errs []error
	for _, id := range actors {
		if err := r.host.StopActor(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunnerID returns the id the engine assigned, empty until acknowledged.
func (r *Runner) RunnerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runnerID
}

// Actors returns the number of hosted actors.
func (r *Runner) Actors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

func (r *Runner) connect(ctx context.Context) (*websocket.Conn, error) {
	target, err := websocketURL(r.runtime.Endpoint, "/runners/connect")
	if err != nil {
		return nil, err
	}
	q := target.Query()
	q.Set("protocol_version", fmt.Sprint(ProtocolVersion))
	q.Set("encoding", string(r.encoding))
	q.Set("namespace", r.runtime.Namespace)
	target.RawQuery = q.Encode()

	conn, resp, err := r.dialer.DialContext(ctx, target.String(), engineHeaders(r.runtime))
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("connect runner (status %d): %w", status, err)
	}

	hello := RunnerMessage{
		Type:       MessageInit,
		RunnerName: r.runtime.RunnerName,
		RunnerKey:  r.runtime.RunnerKey,
		Version:    engineclient.Version,
		TotalSlots: r.runtime.TotalSlots,
	}
	if err := r.write(conn, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send runner init: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	log.Info().
		Str("runner", r.runtime.RunnerName).
		Str("endpoint", r.runtime.Endpoint).
		Msg("Runner connected")
	return conn, nil
}

func (r *Runner) loop(ctx context.Context, conn *websocket.Conn) {
	defer close(r.done)

	backoff := time.Second
	for {
		err := r.session(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("Runner connection lost")

		for {
			if err := concurrency.Sleep(ctx, backoff); err != nil {
				return
			}
			conn, err = r.connect(ctx)
			if err == nil {
				backoff = time.Second
				break
			}
			backoff = min(backoff*2, r.maxBackoff)
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("Runner reconnect failed")
		}
	}
}

// session reads frames until the connection fails. It is the only writer
// besides Stop's close frame.
func (r *Runner) session(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		enc := r.encoding
		if mt == websocket.TextMessage {
			enc = codec.EncodingJSON
		}
		msg, err := codec.Decode(data, enc, runnerMessageSchema)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed runner message")
			continue
		}

		if err := r.handle(ctx, conn, msg); err != nil {
			return err
		}
	}
}

func (r *Runner) handle(ctx context.Context, conn *websocket.Conn, msg RunnerMessage) error {
	switch msg.Type {
	case MessageInitAck:
		r.mu.Lock()
		r.runnerID = msg.RunnerID
		r.mu.Unlock()
		log.Info().Str("runner_id", msg.RunnerID).Msg("Runner acknowledged")

	case MessagePing:
		return r.write(conn, RunnerMessage{Type: MessagePong, Timestamp: msg.Timestamp})

	case MessageStartActor:
		state := "running"
		err := r.host.StartActor(ctx, msg.ActorID, msg.ActorName, r.client)
		observability.RecordActorAudit(ctx, "start", msg.ActorID, err, map[string]interface{}{"name": msg.ActorName})
		if err != nil {
			log.Error().Err(err).Str("actor_id", msg.ActorID).Msg("Actor failed to start")
			state = "failed"
		} else {
			r.mu.Lock()
			r.actors[msg.ActorID] = msg.ActorName
			r.mu.Unlock()
		}
		return r.write(conn, RunnerMessage{Type: MessageActorState, ActorID: msg.ActorID, State: state})

	case MessageStopActor:
		r.mu.Lock()
		delete(r.actors, msg.ActorID)
		r.mu.Unlock()
		err := r.host.StopActor(ctx, msg.ActorID)
		observability.RecordActorAudit(ctx, "stop", msg.ActorID, err, nil)
		if err != nil {
			log.Error().Err(err).Str("actor_id", msg.ActorID).Msg("Actor failed to stop")
		}
		return r.write(conn, RunnerMessage{Type: MessageActorState, ActorID: msg.ActorID, State: "stopped"})

	default:
		log.Debug().Str("type", msg.Type).Msg("Ignoring runner message")
	}
	return nil
}

func (r *Runner) write(conn *websocket.Conn, msg RunnerMessage) error {
	env, err := codec.Encode(r.encoding, runnerMessageSchema, msg)
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if r.encoding.IsBinary() {
		mt = websocket.BinaryMessage
	}
	return conn.WriteMessage(mt, env.Bytes())
}

type noopHost struct{}

func (noopHost) StartActor(ctx context.Context, actorID, name string, c *client.Client) error {
	return nil
}

func (noopHost) StopActor(ctx context.Context, actorID string) error {
	return nil
}
