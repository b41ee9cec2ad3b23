// Package engine spawns and supervises a local engine process for
// development setups that have no remote engine.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/internal/tracing"
	"github.com/harun/actorkit/pkg/concurrency"
	"github.com/harun/actorkit/pkg/engineclient"
)

// DefaultEndpoint is where a spawned engine listens.
const DefaultEndpoint = config.DefaultEngineEndpoint

// BinaryName is the engine executable name. Pinned installs carry a version
// suffix: actorkit-engine-1.4.2.
const BinaryName = "actorkit-engine"

// EnvListen tells the engine process which address to bind.
const EnvListen = "ACTORKIT_ENGINE_LISTEN"

const (
	defaultReadyTimeout = 30 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	stopGrace           = 5 * time.Second
)

// ErrNotReady is returned when the engine does not answer health checks
// before the ready timeout.
var ErrNotReady = errors.New("engine did not become ready")

// Options configure Spawn.
type Options struct {
	// Version is a semver constraint the engine binary and the running
	// engine's reported version must satisfy. Empty accepts any.
	Version string

	// Binary skips lookup when set.
	Binary string

	// SearchDirs are scanned for versioned binaries. Defaults to
	// DefaultSearchDirs.
	SearchDirs []string

	Endpoint string
	Args     []string
	Env      []string

	ReadyTimeout time.Duration
	PollInterval time.Duration
	Logger       *zerolog.Logger
}

// Process is a running engine.
type Process struct {
	cmd      *exec.Cmd
	endpoint string
	version  string
	logger   zerolog.Logger

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// Spawn starts the engine and blocks until it answers health checks.
func Spawn(ctx context.Context, opts Options) (*Process, error) {
	ctx, span := tracing.StartSpan(ctx, "actorkit/engine", "engine.spawn",
		attribute.String("engine.version", opts.Version))
	defer span.End()

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "engine").Logger()

	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	listen, err := listenAddr(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	binary := opts.Binary
	if binary == "" {
		dirs := opts.SearchDirs
		if dirs == nil {
			dirs = DefaultSearchDirs()
		}
		binary, err = FindBinary(opts.Version, dirs)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	args := opts.Args
	if args == nil {
		args = []string{"start", "--listen", listen}
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = append(append(os.Environ(), opts.Env...), EnvListen+"="+listen)
	cmd.Stdout = &lineWriter{logger: logger, level: zerolog.DebugLevel}
	cmd.Stderr = &lineWriter{logger: logger, level: zerolog.WarnLevel}
	cmd.WaitDelay = stopGrace

	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("start engine %s: %w", binary, err)
	}

	p := &Process{
		cmd:      cmd,
		endpoint: opts.Endpoint,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	logger.Info().
		Str("binary", binary).
		Int("pid", cmd.Process.Pid).
		Str("endpoint", opts.Endpoint).
		Msg("Engine process started")

	if err := p.waitReady(ctx, opts); err != nil {
		span.RecordError(err)
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
		defer cancel()
		_ = p.Stop(stopCtx)
		return nil, err
	}
	return p, nil
}

func (p *Process) waitReady(ctx context.Context, opts Options) error {
	c, err := engineclient.New(engineclient.Config{Endpoint: p.endpoint})
	if err != nil {
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, opts.ReadyTimeout)
	defer cancel()

	for {
		select {
		case <-p.done:
			return fmt.Errorf("engine exited before becoming ready: %v", p.waitErr)
		default:
		}

		attemptCtx, attemptCancel := context.WithTimeout(readyCtx, time.Second)
		err := c.Health(attemptCtx)
		attemptCancel()
		if err == nil {
			break
		}

		if err := concurrency.Sleep(readyCtx, opts.PollInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w within %s", ErrNotReady, opts.ReadyTimeout)
		}
	}

	meta, err := c.Metadata(readyCtx)
	if err != nil {
		return fmt.Errorf("read engine metadata: %w", err)
	}
	if err := checkVersion(opts.Version, meta.Version); err != nil {
		return err
	}
	p.version = meta.Version

	p.logger.Info().Str("version", meta.Version).Msg("Engine ready")
	return nil
}

// Endpoint returns the engine's HTTP endpoint.
func (p *Process) Endpoint() string { return p.endpoint }

// Version returns the version the engine reported.
func (p *Process) Version() string { return p.version }

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Stop interrupts the engine and kills it if it has not exited when ctx
// ends. Safe to call more than once.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = p.cmd.Process.Kill()
		}

		select {
		case <-p.done:
		case <-ctx.Done():
			_ = p.cmd.Process.Kill()
			<-p.done
			p.stopErr = fmt.Errorf("engine killed after stop timeout: %w", ctx.Err())
		}
		p.logger.Info().Msg("Engine process stopped")
	})
	return p.stopErr
}

// DefaultSearchDirs returns where pinned engine binaries are installed.
func DefaultSearchDirs() []string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(dir, "actorkit", "engine")}
}

type candidate struct {
	path    string
	version *semver.Version
}

// FindBinary returns the newest versioned binary in dirs satisfying
// constraint. With no constraint and no versioned binary it falls back to
// BinaryName on PATH.
func FindBinary(constraint string, dirs []string) (string, error) {
	var c *semver.Constraints
	if constraint != "" {
		var err error
		c, err = semver.NewConstraint(constraint)
		if err != nil {
			return "", fmt.Errorf("invalid engine version %q: %w", constraint, err)
		}
	}

	var found []candidate
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			v, ok := versionFromName(e.Name())
			if !ok {
				continue
			}
			if c != nil && !c.Check(v) {
				continue
			}
			found = append(found, candidate{path: filepath.Join(dir, e.Name()), version: v})
		}
	}

	if len(found) > 0 {
		sort.Slice(found, func(i, j int) bool {
			return found[i].version.GreaterThan(found[j].version)
		})
		return found[0].path, nil
	}

	if c == nil {
		if path, err := exec.LookPath(BinaryName); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("engine binary %s not found in %v or on PATH", BinaryName, dirs)
	}
	return "", fmt.Errorf("no engine binary matching %q in %v", constraint, dirs)
}

func versionFromName(name string) (*semver.Version, bool) {
	name = strings.TrimSuffix(name, ".exe")
	rest, ok := strings.CutPrefix(name, BinaryName+"-")
	if !ok {
		return nil, false
	}
	v, err := semver.NewVersion(rest)
	if err != nil {
		return nil, false
	}
	return v, true
}

func checkVersion(constraint, reported string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid engine version %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(reported)
	if err != nil {
		return fmt.Errorf("engine reported invalid version %q: %w", reported, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("engine version %s does not satisfy %q", reported, constraint)
	}
	return nil
}

func listenAddr(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid engine endpoint: %w", err)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return "", fmt.Errorf("invalid engine endpoint %q: missing host", endpoint)
	}
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(host, port), nil
}

// lineWriter forwards process output to the logger one line at a time.
type lineWriter struct {
	mu     sync.Mutex
	logger zerolog.Logger
	level  zerolog.Level
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if line != "" {
			w.logger.WithLevel(w.level).Msg(line)
		}
	}
	return len(p), nil
}
