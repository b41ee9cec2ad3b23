package engineclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/harun/actorkit/pkg/codec"
)

// Actor is the engine's view of one actor instance.
type Actor struct {
	ActorID            string `json:"actor_id"`
	Name               string `json:"name"`
	Key                string `json:"key,omitempty"`
	Namespace          string `json:"namespace,omitempty"`
	RunnerNameSelector string `json:"runner_name_selector,omitempty"`
	CrashPolicy        string `json:"crash_policy,omitempty"`
	CreateTs           int64  `json:"create_ts"`
	ConnectableTs      int64  `json:"connectable_ts,omitempty"`
	DestroyTs          int64  `json:"destroy_ts,omitempty"`
}

// ListActorsQuery filters ListActors. Empty fields are not sent.
type ListActorsQuery struct {
	Name     string
	Key      string
	ActorIDs []string
}

type ListActorsResponse struct {
	Actors []Actor `json:"actors"`
}

type GetActorResponse struct {
	Actor Actor `json:"actor"`
}

type GetOrCreateActorRequest struct {
	Name               string `json:"name"`
	Key                string `json:"key,omitempty"`
	Input              []byte `json:"input,omitempty"`
	RunnerNameSelector string `json:"runner_name_selector"`
	CrashPolicy        string `json:"crash_policy,omitempty"`
}

type GetOrCreateActorResponse struct {
	Actor   Actor `json:"actor"`
	Created bool  `json:"created"`
}

// ServerlessRunnerConfig tells the engine how to start runners on demand by
// calling URL.
type ServerlessRunnerConfig struct {
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	RequestLifespan int               `json:"request_lifespan"`
	SlotsPerRunner  int               `json:"slots_per_runner"`
	MinRunners      int               `json:"min_runners"`
	MaxRunners      int               `json:"max_runners"`
	RunnersMargin   int               `json:"runners_margin"`
}

type RunnerConfig struct {
	Serverless *ServerlessRunnerConfig `json:"serverless,omitempty"`
}

type UpsertRunnerConfigResponse struct {
	Updated bool `json:"updated"`
}

// Metadata describes the engine build.
type Metadata struct {
	Runtime string `json:"runtime"`
	Version string `json:"version"`
}

type empty struct{}

var (
	listActorsSchema     = codec.NewSchema[ListActorsResponse]("ListActorsResponse")
	getActorSchema       = codec.NewSchema[GetActorResponse]("GetActorResponse")
	getOrCreateReqSchema = codec.NewSchema[GetOrCreateActorRequest]("GetOrCreateActorRequest")
	getOrCreateSchema    = codec.NewSchema[GetOrCreateActorResponse]("GetOrCreateActorResponse")
	runnerConfigSchema   = codec.NewSchema[RunnerConfig]("RunnerConfig")
	upsertRunnerSchema   = codec.NewSchema[UpsertRunnerConfigResponse]("UpsertRunnerConfigResponse")
	metadataSchema       = codec.NewSchema[Metadata]("Metadata")
	emptySchema          = codec.NewSchema[empty]("Empty")
)

// Health checks that the engine answers. Only the status is inspected.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.Do(ctx, Request{
		Operation: "health",
		Method:    http.MethodGet,
		Path:      "/health",
		SkipParse: true,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Metadata returns the engine runtime and version.
func (c *Client) Metadata(ctx context.Context) (Metadata, error) {
	return Call(ctx, c, Route{Operation: "metadata", Method: http.MethodGet, Path: "/metadata"},
		emptySchema, nil, metadataSchema)
}

// ListActors lists actors matching q.
func (c *Client) ListActors(ctx context.Context, q ListActorsQuery) ([]Actor, error) {
	query := url.Values{}
	if q.Name != "" {
		query.Set("name", q.Name)
	}
	if q.Key != "" {
		query.Set("key", q.Key)
	}
	for _, id := range q.ActorIDs {
		query.Add("actor_ids", id)
	}

	resp, err := Call(ctx, c, Route{Operation: "list_actors", Method: http.MethodGet, Path: "/actors", Query: query},
		emptySchema, nil, listActorsSchema)
	if err != nil {
		return nil, err
	}
	return resp.Actors, nil
}

// GetActor fetches one actor by id.
func (c *Client) GetActor(ctx context.Context, actorID string) (Actor, error) {
	resp, err := Call(ctx, c, Route{Operation: "get_actor", Method: http.MethodGet, Path: "/actors/" + url.PathEscape(actorID)},
		emptySchema, nil, getActorSchema)
	if err != nil {
		return Actor{}, err
	}
	return resp.Actor, nil
}

// GetOrCreateActor returns the actor with req's name and key, creating it
// when absent.
func (c *Client) GetOrCreateActor(ctx context.Context, req GetOrCreateActorRequest) (GetOrCreateActorResponse, error) {
	return Call(ctx, c, Route{Operation: "get_or_create_actor", Method: http.MethodPut, Path: "/actors"},
		getOrCreateReqSchema, &req, getOrCreateSchema)
}

// DestroyActor destroys an actor.
func (c *Client) DestroyActor(ctx context.Context, actorID string) error {
	_, err := c.Do(ctx, Request{
		Operation: "destroy_actor",
		Method:    http.MethodDelete,
		Path:      "/actors/" + url.PathEscape(actorID),
	})
	return err
}

// UpsertRunnerConfig creates or replaces the runner config named name.
func (c *Client) UpsertRunnerConfig(ctx context.Context, name string, cfg RunnerConfig) (bool, error) {
	resp, err := Call(ctx, c, Route{Operation: "upsert_runner_config", Method: http.MethodPut, Path: "/runner-configs/" + url.PathEscape(name)},
		runnerConfigSchema, &cfg, upsertRunnerSchema)
	if err != nil {
		return false, err
	}
	return resp.Updated, nil
}
