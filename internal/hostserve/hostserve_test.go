package hostserve

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

// forceEnvironment resets detection so the next Serve sees vars.
func forceEnvironment(t *testing.T, vars map[string]string) {
	t.Helper()
	prevLookup := lookupEnv
	lookupEnv = envOf(vars)
	detectOnce = sync.Once{}
	t.Cleanup(func() {
		lookupEnv = prevLookup
		detectOnce = sync.Once{}
	})
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want Environment
	}{
		{"plain process", map[string]string{}, EnvStandalone},
		{"lambda", map[string]string{"AWS_LAMBDA_RUNTIME_API": "127.0.0.1:9001"}, EnvLambda},
		{"socket activated", map[string]string{"LISTEN_PID": "42", "LISTEN_FDS": "1"}, EnvSocketActivated},
		{"sockets for another process", map[string]string{"LISTEN_PID": "7", "LISTEN_FDS": "1"}, EnvStandalone},
		{"no sockets", map[string]string{"LISTEN_PID": "42", "LISTEN_FDS": "0"}, EnvStandalone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detect(envOf(tt.vars), 42))
		})
	}
}

func TestDetectedIsCached(t *testing.T) {
	forceEnvironment(t, map[string]string{})
	assert.Equal(t, EnvStandalone, Detected())

	lookupEnv = envOf(map[string]string{"AWS_LAMBDA_RUNTIME_API": "x"})
	assert.Equal(t, EnvStandalone, Detected())
}

func TestServeStandalone(t *testing.T) {
	forceEnvironment(t, map[string]string{})

	var upgrader Upgrader
	ready := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		<-ready
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, msg)
	})

	ln, up, err := Serve(context.Background(), Options{Host: "127.0.0.1", Port: 0}, mux)
	require.NoError(t, err)
	upgrader = up
	close(ready)
	defer ln.Shutdown(context.Background())

	assert.Equal(t, EnvStandalone, ln.Environment)
	require.NotZero(t, ln.Port())
	base := "127.0.0.1:" + strconv.Itoa(ln.Port())

	resp, err := http.Get("http://" + base + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))
}

func TestServeBindFailure(t *testing.T) {
	forceEnvironment(t, map[string]string{})

	first, _, err := Serve(context.Background(), Options{Host: "127.0.0.1"}, http.NotFoundHandler())
	require.NoError(t, err)
	defer first.Shutdown(context.Background())

	_, _, err = Serve(context.Background(), Options{Host: "127.0.0.1", Port: first.Port()}, http.NotFoundHandler())
	assert.Error(t, err)
}

func TestServeMissingStrategyExits(t *testing.T) {
	forceEnvironment(t, map[string]string{"AWS_LAMBDA_RUNTIME_API": "127.0.0.1:9001"})

	code := -1
	prevExit := exit
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = prevExit })

	ln, up, err := Serve(context.Background(), Options{Port: 0}, http.NotFoundHandler())

	assert.Equal(t, 1, code)
	assert.Nil(t, ln)
	assert.Nil(t, up)
	assert.ErrorIs(t, err, ErrNoStrategy)
	assert.True(t, strings.Contains(err.Error(), string(EnvLambda)))
}

func TestRegisterStrategy(t *testing.T) {
	forceEnvironment(t, map[string]string{"AWS_LAMBDA_RUNTIME_API": "127.0.0.1:9001"})

	registryMu.Lock()
	prev, had := registry[EnvLambda]
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		defer registryMu.Unlock()
		if had {
			registry[EnvLambda] = prev
		} else {
			delete(registry, EnvLambda)
		}
	})

	called := false
	Register(EnvLambda, StrategyFunc(func(ctx context.Context, opts Options, handler http.Handler) (*Listener, Upgrader, error) {
		called = true
		return serveStandalone(ctx, opts, handler)
	}))

	ln, _, err := Serve(context.Background(), Options{Host: "127.0.0.1"}, http.NotFoundHandler())
	require.NoError(t, err)
	defer ln.Shutdown(context.Background())
	assert.True(t, called)
}

func TestListenerShutdown(t *testing.T) {
	forceEnvironment(t, map[string]string{})

	ln, _, err := Serve(context.Background(), Options{Host: "127.0.0.1"}, http.NotFoundHandler())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ln.Shutdown(ctx))

	select {
	case <-ln.Done():
	default:
		t.Fatal("listener still serving after shutdown")
	}
	assert.NoError(t, ln.Err())
}
