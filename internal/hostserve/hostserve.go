// Package hostserve binds the manager HTTP/WebSocket listener using whichever
// host environment the process runs under.
//
// The environment is detected once per process and dispatched to a
// registered Strategy. An environment without a registered strategy is fatal:
// Serve logs which adapter is missing and exits with status 1.
package hostserve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/harun/actorkit/internal/observability"
)

// Environment names a host execution environment.
type Environment string

const (
	// EnvStandalone is a plain process that binds its own socket.
	EnvStandalone Environment = "standalone"
	// EnvSocketActivated is a process handed a listening socket by systemd.
	EnvSocketActivated Environment = "socket-activated"
	// EnvLambda is an AWS Lambda function. No strategy ships for it; an
	// adapter package must Register one.
	EnvLambda Environment = "lambda"
)

// ErrNoStrategy is returned by Serve when the exit function returns, which
// only happens when tests replace it.
var ErrNoStrategy = errors.New("hostserve: no serving strategy for host environment")

// Options configure the bind.
type Options struct {
	Port int
	Host string
}

// Addr returns the host:port to bind.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, fmt.Sprint(o.Port))
}

// Upgrader turns an HTTP request into a bidirectional WebSocket stream.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

// Strategy serves handler in one host environment. Serve must bind before
// returning and log the bound port.
type Strategy interface {
	Serve(ctx context.Context, opts Options, handler http.Handler) (*Listener, Upgrader, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, opts Options, handler http.Handler) (*Listener, Upgrader, error)

func (f StrategyFunc) Serve(ctx context.Context, opts Options, handler http.Handler) (*Listener, Upgrader, error) {
	return f(ctx, opts, handler)
}

var (
	registryMu sync.RWMutex
	registry   = map[Environment]Strategy{
		EnvStandalone:      StrategyFunc(serveStandalone),
		EnvSocketActivated: StrategyFunc(serveSocketActivated),
	}

	// adapterHints name what to install for environments that ship without a
	// strategy.
	adapterHints = map[Environment]string{
		EnvLambda: "an AWS Lambda adapter (for example one built on github.com/aws/aws-lambda-go) registered with hostserve.Register(hostserve.EnvLambda, ...)",
	}

	exit = os.Exit
)

// Register installs the strategy for env, replacing any previous one.
func Register(env Environment, s Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[env] = s
}

func strategyFor(env Environment) (Strategy, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[env]
	return s, ok
}

var (
	detectOnce sync.Once
	detected   Environment
	lookupEnv  = os.LookupEnv
	getpid     = os.Getpid
)

// Detected returns the host environment, inspecting it on first use only.
func Detected() Environment {
	detectOnce.Do(func() {
		detected = detect(lookupEnv, getpid())
	})
	return detected
}

func detect(lookup func(string) (string, bool), pid int) Environment {
	if _, ok := lookup("AWS_LAMBDA_RUNTIME_API"); ok {
		return EnvLambda
	}
	if _, ok := socketActivation(lookup, pid); ok {
		return EnvSocketActivated
	}
	return EnvStandalone
}

// Serve binds handler in the detected environment. The returned Upgrader is
// only valid once Serve returns.
func Serve(ctx context.Context, opts Options, handler http.Handler) (*Listener, Upgrader, error) {
	env := Detected()

	strategy, ok := strategyFor(env)
	if !ok {
		hint := adapterHints[env]
		if hint == "" {
			hint = fmt.Sprintf("a strategy registered with hostserve.Register(%q, ...)", env)
		}
		log.Error().
			Str("environment", string(env)).
			Str("missing", hint).
			Msg("No serving adapter for this host environment; install the missing adapter and restart")
		exit(1)
		return nil, nil, fmt.Errorf("%w: %s", ErrNoStrategy, env)
	}

	ln, upgrader, err := strategy.Serve(ctx, opts, handler)
	if err != nil {
		return nil, nil, fmt.Errorf("serve (%s): %w", env, err)
	}
	observability.RecordListenerBind(string(env))
	return ln, upgrader, nil
}
