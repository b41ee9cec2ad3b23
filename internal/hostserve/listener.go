package hostserve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Listener is a bound listener serving HTTP in the background.
type Listener struct {
	Environment Environment

	listener net.Listener
	server   *http.Server
	done     chan struct{}
	err      error
}

// NewListener starts serving handler on ln. Strategies built on a
// net.Listener use it.
func NewListener(env Environment, ln net.Listener, handler http.Handler) *Listener {
	l := &Listener{
		Environment: env,
		listener:    ln,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		done: make(chan struct{}),
	}

	go func() {
		defer close(l.done)
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.err = err
			log.Error().Err(err).Str("environment", string(env)).Msg("Listener stopped")
		}
	}()

	return l
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port, or 0 for non-TCP listeners.
func (l *Listener) Port() int {
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Done is closed once the listener stops serving.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the serve error, valid after Done is closed.
func (l *Listener) Err() error {
	return l.err
}

// Shutdown stops accepting connections and waits for active requests.
// Hijacked WebSocket connections are not tracked and stay open.
func (l *Listener) Shutdown(ctx context.Context) error {
	if err := l.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown listener: %w", err)
	}
	<-l.done
	return nil
}

func newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

func serveStandalone(ctx context.Context, opts Options, handler http.Handler) (*Listener, Upgrader, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", opts.Addr())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind %s: %w", opts.Addr(), err)
	}

	l := NewListener(EnvStandalone, ln, h2c.NewHandler(handler, &http2.Server{
		IdleTimeout: 120 * time.Second,
	}))

	log.Info().
		Str("environment", string(EnvStandalone)).
		Str("host", opts.Host).
		Int("port", l.Port()).
		Msg("Manager listening")

	return l, newUpgrader(), nil
}

// listenFDsStart is the first descriptor systemd passes.
const listenFDsStart = 3

// socketActivation reports how many sockets systemd passed to pid.
func socketActivation(lookup func(string) (string, bool), pid int) (int, bool) {
	pidValue, ok := lookup("LISTEN_PID")
	if !ok {
		return 0, false
	}
	if p, err := strconv.Atoi(pidValue); err != nil || p != pid {
		return 0, false
	}
	fdsValue, ok := lookup("LISTEN_FDS")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(fdsValue)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func serveSocketActivated(ctx context.Context, opts Options, handler http.Handler) (*Listener, Upgrader, error) {
	n, ok := socketActivation(lookupEnv, getpid())
	if !ok {
		return nil, nil, fmt.Errorf("no socket passed by the service manager")
	}

	f := os.NewFile(uintptr(listenFDsStart), "LISTEN_FD_3")
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to use activated socket: %w", err)
	}
	if n > 1 {
		log.Warn().Int("sockets", n).Msg("Only the first activated socket is served")
	}

	l := NewListener(EnvSocketActivated, ln, h2c.NewHandler(handler, &http2.Server{}))

	if opts.Port != 0 && l.Port() != opts.Port {
		log.Warn().
			Int("configured_port", opts.Port).
			Int("port", l.Port()).
			Msg("Activated socket overrides configured port")
	}
	log.Info().
		Str("environment", string(EnvSocketActivated)).
		Int("port", l.Port()).
		Msg("Manager listening")

	return l, newUpgrader(), nil
}
