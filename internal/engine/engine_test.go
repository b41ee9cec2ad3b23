package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperEngine is not a real test. Spawn runs the test binary with this
// test selected to stand in for the engine.
func TestHelperEngine(t *testing.T) {
	if os.Getenv("ACTORKIT_ENGINE_HELPER") != "1" {
		t.Skip("helper process")
	}

	version := os.Getenv("ACTORKIT_ENGINE_HELPER_VERSION")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /metadata", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"runtime":"engine","version":%q}`, version)
	})

	fmt.Println("engine listening")
	_ = http.ListenAndServe(os.Getenv(EnvListen), mux)
	os.Exit(0)
}

func freeEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr
}

func helperOptions(t *testing.T, version string) Options {
	return Options{
		Binary:       os.Args[0],
		Args:         []string{"-test.run=^TestHelperEngine$"},
		Env:          []string{"ACTORKIT_ENGINE_HELPER=1", "ACTORKIT_ENGINE_HELPER_VERSION=" + version},
		Endpoint:     freeEndpoint(t),
		ReadyTimeout: 20 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}
}

func TestSpawnAndStop(t *testing.T) {
	opts := helperOptions(t, "2.3.0")
	opts.Version = "^2.0.0"

	p, err := Spawn(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "2.3.0", p.Version())
	assert.Equal(t, opts.Endpoint, p.Endpoint())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	select {
	case <-p.Done():
	default:
		t.Fatal("process still running after Stop")
	}
	assert.NoError(t, p.Stop(ctx), "second stop is a no-op")
}

func TestSpawnRejectsVersionMismatch(t *testing.T) {
	opts := helperOptions(t, "1.9.0")
	opts.Version = ">=2.0.0"

	_, err := Spawn(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not satisfy")
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn(context.Background(), Options{
		Version:    "1.0.0",
		SearchDirs: []string{t.TempDir()},
	})
	assert.Error(t, err)
}

func TestFindBinary(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"actorkit-engine-1.2.0",
		"actorkit-engine-1.4.2",
		"actorkit-engine-2.0.0",
		"actorkit-engine-nightly",
		"README",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o755))
	}

	path, err := FindBinary("~1", []string{dir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "actorkit-engine-1.4.2"), path)

	path, err = FindBinary("", []string{dir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "actorkit-engine-2.0.0"), path)

	_, err = FindBinary(">=3", []string{dir})
	assert.Error(t, err)

	_, err = FindBinary("not a version", []string{dir})
	assert.Error(t, err)
}

func TestListenAddr(t *testing.T) {
	addr, err := listenAddr("http://127.0.0.1:6420")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6420", addr)

	addr, err = listenAddr("https://engine.local")
	require.NoError(t, err)
	assert.Equal(t, "engine.local:443", addr)

	_, err = listenAddr("/relative")
	assert.Error(t, err)
}

func TestLineWriter(t *testing.T) {
	w := &lineWriter{}
	n, err := w.Write([]byte("partial"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "partial", string(w.buf))

	_, err = w.Write([]byte(" line\nnext"))
	require.NoError(t, err)
	assert.Equal(t, "next", string(w.buf))
}
