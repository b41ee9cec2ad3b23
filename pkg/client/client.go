// Package client is the in-process actor client bound to a manager driver.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/actorkit/pkg/engineclient"
)

// ErrActorNotFound is returned by Get when no actor matches.
var ErrActorNotFound = errors.New("actor not found")

// Manager is the subset of a manager driver the client needs.
type Manager interface {
	ListActors(ctx context.Context, q engineclient.ListActorsQuery) ([]engineclient.Actor, error)
	GetActor(ctx context.Context, actorID string) (engineclient.Actor, error)
	GetOrCreateActor(ctx context.Context, req engineclient.GetOrCreateActorRequest) (engineclient.GetOrCreateActorResponse, error)
	DestroyActor(ctx context.Context, actorID string) error
}

// Client resolves actor handles through a Manager.
type Client struct {
	manager    Manager
	runnerName string
}

// New creates a client. runnerName selects the runner pool new actors are
// placed on.
func New(manager Manager, runnerName string) *Client {
	return &Client{manager: manager, runnerName: runnerName}
}

// Handle addresses one actor.
type Handle struct {
	ActorID string
	Name    string
	Key     string
	client  *Client
}

// Destroy destroys the actor behind the handle.
func (h *Handle) Destroy(ctx context.Context) error {
	return h.client.manager.DestroyActor(ctx, h.ActorID)
}

// GetOrCreate returns the actor with name and key, creating it when absent.
func (c *Client) GetOrCreate(ctx context.Context, name, key string, input []byte) (*Handle, error) {
	resp, err := c.manager.GetOrCreateActor(ctx, engineclient.GetOrCreateActorRequest{
		Name:               name,
		Key:                key,
		Input:              input,
		RunnerNameSelector: c.runnerName,
	})
	if err != nil {
		return nil, fmt.Errorf("get or create actor %s: %w", name, err)
	}
	return c.handle(resp.Actor), nil
}

// Get returns the live actor with name and key.
func (c *Client) Get(ctx context.Context, name, key string) (*Handle, error) {
	actors, err := c.manager.ListActors(ctx, engineclient.ListActorsQuery{Name: name, Key: key})
	if err != nil {
		return nil, fmt.Errorf("list actors %s: %w", name, err)
	}
	for _, a := range actors {
		if a.DestroyTs == 0 {
			return c.handle(a), nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrActorNotFound, name, key)
}

// GetByID returns the actor with the given id.
func (c *Client) GetByID(ctx context.Context, actorID string) (*Handle, error) {
	a, err := c.manager.GetActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return c.handle(a), nil
}

func (c *Client) handle(a engineclient.Actor) *Handle {
	return &Handle{ActorID: a.ActorID, Name: a.Name, Key: a.Key, client: c}
}
