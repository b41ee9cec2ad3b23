// Package manager serves the local manager API: actor lookup and creation
// forwarded to the manager driver, WebSocket proxying to actors, and the
// serverless start endpoint the engine calls to bring up a runner.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/internal/observability"
	"github.com/harun/actorkit/internal/tracing"
	"github.com/harun/actorkit/pkg/client"
	"github.com/harun/actorkit/pkg/codec"
	"github.com/harun/actorkit/pkg/driver"
	"github.com/harun/actorkit/pkg/engineclient"
	"github.com/harun/actorkit/pkg/scheduling"
)

// Error envelope groups and codes produced by the router itself.
const (
	GroupRequest  = "request"
	GroupManager  = "manager"
	GroupEngine   = "engine"
	CodeInvalid   = "invalid"
	CodeNotFound  = "not_found"
	CodeNotReady  = "not_ready"
	CodeUpstream  = "request_failed"
	CodeInternal  = "internal_error"
	CodeStartFail = "start_failed"
)

// DefaultPingInterval is the SSE keepalive interval on /start.
const DefaultPingInterval = 5 * time.Second

const maxRequestBody = 4 << 20

var (
	listActorsSchema     = codec.NewSchema[engineclient.ListActorsResponse]("ListActorsResponse")
	getActorSchema       = codec.NewSchema[engineclient.GetActorResponse]("GetActorResponse")
	getOrCreateReqSchema = codec.NewSchema[engineclient.GetOrCreateActorRequest]("GetOrCreateActorRequest")
	getOrCreateSchema    = codec.NewSchema[engineclient.GetOrCreateActorResponse]("GetOrCreateActorResponse")
	metadataSchema       = codec.NewSchema[Metadata]("ManagerMetadata")
	healthSchema         = codec.NewSchema[Health]("Health")
)

// Metadata is served on /metadata.
type Metadata struct {
	Runtime        string `json:"runtime"`
	Version        string `json:"version"`
	Mode           string `json:"mode"`
	Driver         string `json:"driver"`
	RunnerName     string `json:"runner_name,omitempty"`
	EngineVersion  string `json:"engine_version,omitempty"`
	EngineEndpoint string `json:"engine_endpoint,omitempty"`
}

// Health is served on /health.
type Health struct {
	Status string `json:"status"`
}

// StartFunc starts the actor driver. Bootstrap makes it idempotent.
type StartFunc func(ctx context.Context) error

// Options configure a Router.
type Options struct {
	Config  *config.RuntimeConfig
	Manager driver.ManagerDriver

	// StartActorDriver backs POST /start. Nil disables the route.
	StartActorDriver StartFunc

	PingInterval time.Duration
	Logger       *zerolog.Logger
}

// Router is the manager HTTP handler. It is mounted under the configured
// base path.
type Router struct {
	cfg          *config.RuntimeConfig
	manager      driver.ManagerDriver
	start        StartFunc
	pingInterval time.Duration
	logger       zerolog.Logger

	upgrader atomic.Pointer[upgraderCell]
	handler  http.Handler

	closing   chan struct{}
	closeOnce sync.Once
}

type upgraderCell struct {
	driver.Upgrader
}

// New builds the router.
func New(opts Options) *Router {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	r := &Router{
		cfg:          opts.Config,
		manager:      opts.Manager,
		start:        opts.StartActorDriver,
		pingInterval: opts.PingInterval,
		logger:       logger.With().Str("component", "manager").Logger(),
		closing:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", r.handleHealth)
	mux.HandleFunc("GET /metadata", r.handleMetadata)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /actors", r.handleListActors)
	mux.HandleFunc("PUT /actors", r.handleGetOrCreateActor)
	mux.HandleFunc("GET /actors/{id}", r.handleGetActor)
	mux.HandleFunc("GET /actors/{id}/ws", r.handleActorWebSocket)
	if r.start != nil {
		mux.HandleFunc("POST /start", r.handleStart)
	}

	var h http.Handler = mux
	if base := strings.TrimSuffix(opts.Config.ManagerBasePath, "/"); base != "" {
		h = http.StripPrefix(base, mux)
	}
	r.handler = h
	return r
}

// SetUpgrader fills the upgrade capability once the listener is bound.
// WebSocket routes answer 503 until then.
func (r *Router) SetUpgrader(u driver.Upgrader) {
	if u == nil {
		r.upgrader.Store(nil)
		return
	}
	r.upgrader.Store(&upgraderCell{u})
}

// Close ends open start streams so the listener can shut down.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.closing) })
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := tracing.NewRequestContext(req.Context())
	if id := req.Header.Get("X-Request-Id"); id != "" {
		ctx = tracing.WithRequestID(ctx, id)
	}
	r.handler.ServeHTTP(w, req.WithContext(ctx))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := r.manager.Health(req.Context()); err != nil {
		r.writeError(w, req, err)
		return
	}
	writeEncoded(w, r.encodingFor(req), healthSchema, Health{Status: "ok"})
}

func (r *Router) handleMetadata(w http.ResponseWriter, req *http.Request) {
	meta := Metadata{
		Runtime:    "actorkit",
		Version:    engineclient.Version,
		Mode:       string(r.cfg.Mode),
		Driver:     r.cfg.DriverName,
		RunnerName: r.cfg.RunnerName,
	}
	if r.cfg.Endpoint != "" {
		engineMeta, err := r.manager.Metadata(req.Context())
		if err != nil {
			r.writeError(w, req, err)
			return
		}
		meta.EngineVersion = engineMeta.Version
		meta.EngineEndpoint = r.cfg.Endpoint
	}
	writeEncoded(w, r.encodingFor(req), metadataSchema, meta)
}

func (r *Router) handleListActors(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	query := engineclient.ListActorsQuery{
		Name:     q.Get("name"),
		Key:      q.Get("key"),
		ActorIDs: q["actor_ids"],
	}
	if query.Name == "" && len(query.ActorIDs) == 0 {
		r.writeEnvelope(w, req, http.StatusBadRequest, codec.ErrorEnvelope{
			Group:   GroupRequest,
			Code:    CodeInvalid,
			Message: "name or actor_ids is required",
		})
		return
	}

	actors, err := r.manager.ListActors(req.Context(), query)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	if actors == nil {
		actors = []engineclient.Actor{}
	}
	writeEncoded(w, r.encodingFor(req), listActorsSchema, engineclient.ListActorsResponse{Actors: actors})
}

func (r *Router) handleGetActor(w http.ResponseWriter, req *http.Request) {
	actorID := req.PathValue("id")
	actor, err := r.manager.GetActor(req.Context(), actorID)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	writeEncoded(w, r.encodingFor(req), getActorSchema, engineclient.GetActorResponse{Actor: actor})
}

func (r *Router) handleGetOrCreateActor(w http.ResponseWriter, req *http.Request) {
	enc := r.encodingFor(req)
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody))
	if err != nil {
		r.writeEnvelope(w, req, http.StatusBadRequest, codec.ErrorEnvelope{
			Group: GroupRequest, Code: CodeInvalid, Message: "failed to read request body",
		})
		return
	}

	in, err := codec.Decode(body, enc, getOrCreateReqSchema)
	if err != nil || in.Name == "" {
		msg := "name is required"
		if err != nil {
			msg = err.Error()
		}
		r.writeEnvelope(w, req, http.StatusBadRequest, codec.ErrorEnvelope{
			Group: GroupRequest, Code: CodeInvalid, Message: msg,
		})
		return
	}
	if in.RunnerNameSelector == "" {
		in.RunnerNameSelector = r.defaultRunnerName()
	}

	resp, err := r.manager.GetOrCreateActor(req.Context(), in)
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
		observability.RecordActorAudit(req.Context(), "create", resp.Actor.ActorID, nil, map[string]interface{}{
			"name": resp.Actor.Name,
			"key":  resp.Actor.Key,
		})
	}
	writeEncodedStatus(w, status, enc, getOrCreateSchema, resp)
}

func (r *Router) handleActorWebSocket(w http.ResponseWriter, req *http.Request) {
	cell := r.upgrader.Load()
	if cell == nil {
		r.writeEnvelope(w, req, http.StatusServiceUnavailable, codec.ErrorEnvelope{
			Group: GroupManager, Code: CodeNotReady, Message: "websocket upgrades are not available yet",
		})
		return
	}

	actorID := req.PathValue("id")
	connID, _ := gonanoid.New()
	ctx := tracing.WithActorID(req.Context(), actorID)
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("conn_id", connID).Logger()

	logger.Debug().Msg("Proxying actor websocket")
	if err := r.manager.ProxyWebSocket(w, req.WithContext(ctx), actorID, cell.Upgrader); err != nil {
		logger.Warn().Err(err).Msg("Actor websocket proxy failed")
		return
	}
	logger.Debug().Msg("Actor websocket closed")
}

// handleStart starts the actor driver and holds the request open with SSE
// pings. The engine keeps the runner alive for as long as this stream lasts.
func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) {
	if err := r.start(req.Context()); err != nil {
		r.logger.Error().Err(err).Msg("Serverless start failed")
		r.writeEnvelope(w, req, http.StatusInternalServerError, codec.ErrorEnvelope{
			Group: GroupManager, Code: CodeStartFail, Message: err.Error(),
		})
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writePing(w, rc); err != nil {
		return
	}

	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-r.closing:
			return
		case <-ticker.C:
			if err := writePing(w, rc); err != nil {
				r.logger.Debug().Err(err).Msg("Start stream closed")
				return
			}
		}
	}
}

func writePing(w io.Writer, rc *http.ResponseController) error {
	if _, err := io.WriteString(w, "event: ping\ndata: \n\n"); err != nil {
		return err
	}
	return rc.Flush()
}

func (r *Router) defaultRunnerName() string {
	if r.cfg.RunnerPool != nil && r.cfg.RunnerPool.Name != "" {
		return r.cfg.RunnerPool.Name
	}
	if r.cfg.RunnerName != "" {
		return r.cfg.RunnerName
	}
	return config.DefaultRunnerName
}

// encodingFor picks the response encoding: the request body's Content-Type,
// then Accept, then the configured encoding.
func (r *Router) encodingFor(req *http.Request) codec.Encoding {
	for _, h := range []string{req.Header.Get("Content-Type"), req.Header.Get("Accept")} {
		if h == "" {
			continue
		}
		if enc, ok := codec.EncodingFromContentType(h); ok {
			return enc
		}
	}
	if r.cfg.Encoding != "" {
		return r.cfg.Encoding
	}
	return codec.EncodingJSON
}

// writeError maps err onto an error envelope. Scheduling failures keep
// their metadata so remote callers decode the same variant.
func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	var (
		schedErr  scheduling.Error
		actorErr  *codec.ActorError
		transport *codec.TransportError
	)

	switch {
	case errors.As(err, &schedErr):
		r.writeEnvelope(w, req, http.StatusServiceUnavailable, codec.ErrorEnvelope{
			Group:    scheduling.GroupGuard,
			Code:     scheduling.CodeActorReadyTimeout,
			Message:  schedErr.Error(),
			Metadata: scheduling.Metadata(schedErr),
		})
	case errors.As(err, &actorErr):
		status := actorErr.StatusCode
		if status < 400 {
			status = http.StatusInternalServerError
		}
		meta, metaErr := actorErr.Metadata()
		if metaErr != nil {
			lg := tracing.LoggerFromContext(req.Context(), r.logger)
			lg.Warn().Err(metaErr).Str("code", actorErr.Code).Msg("Dropping undecodable error metadata")
		}
		r.writeEnvelope(w, req, status, codec.ErrorEnvelope{
			Group:    actorErr.Group,
			Code:     actorErr.Code,
			Message:  actorErr.Message,
			Metadata: meta,
		})
	case errors.Is(err, client.ErrActorNotFound):
		r.writeEnvelope(w, req, http.StatusNotFound, codec.ErrorEnvelope{
			Group: "actor", Code: CodeNotFound, Message: err.Error(),
		})
	case errors.As(err, &transport):
		r.writeEnvelope(w, req, http.StatusBadGateway, codec.ErrorEnvelope{
			Group: GroupEngine, Code: CodeUpstream, Message: transport.Error(),
		})
	default:
		lg := tracing.LoggerFromContext(req.Context(), r.logger)
		lg.Error().Err(err).Str("path", req.URL.Path).Msg("Manager request failed")
		r.writeEnvelope(w, req, http.StatusInternalServerError, codec.ErrorEnvelope{
			Group: GroupManager, Code: CodeInternal, Message: "internal error",
		})
	}
}

func (r *Router) writeEnvelope(w http.ResponseWriter, req *http.Request, status int, e codec.ErrorEnvelope) {
	env, err := codec.EncodeError(r.encodingFor(req), e)
	if err != nil {
		http.Error(w, fmt.Sprintf("%s.%s", e.Group, e.Code), status)
		return
	}
	if id := tracing.GetTraceID(req.Context()); id != "" {
		w.Header().Set("X-Ray-Id", id)
	}
	w.Header().Set("Content-Type", env.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(env.Bytes())
}

func writeEncoded[T any](w http.ResponseWriter, enc codec.Encoding, schema codec.Schema[T], v T) {
	writeEncodedStatus(w, http.StatusOK, enc, schema, v)
}

func writeEncodedStatus[T any](w http.ResponseWriter, status int, enc codec.Encoding, schema codec.Schema[T], v T) {
	env, err := codec.Encode(enc, schema, v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", env.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(env.Bytes())
}
