package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/harun/actorkit/pkg/codec"
)

// newRunnerKey generates the default runner key.
var newRunnerKey = uuid.NewString

// Resolve merges the explicit input, the environment and credentials embedded
// in the endpoint URL into one RuntimeConfig. It runs three passes: parse
// reads every source, validate rejects contradictory requests before any
// default is applied, and derive fills defaults that depend on other fields.
func Resolve(in Input, env Env) (*RuntimeConfig, error) {
	p, err := parse(in, env)
	if err != nil {
		return nil, err
	}

	if err := validate(p); err != nil {
		return nil, err
	}

	return derive(p)
}

// credential holds one credential field as seen by each source.
type credential struct {
	field     string
	fromURL   string
	fromField string
	fromEnv   string
}

func (c credential) conflict() error {
	if c.fromURL != "" && c.fromField != "" && c.fromURL != c.fromField {
		return &DuplicateCredentialError{Field: c.field, First: SourceEndpointURL, Second: SourceField}
	}
	return nil
}

// value picks by precedence: URL, field, environment, default.
func (c credential) value(def string) string {
	switch {
	case c.fromURL != "":
		return c.fromURL
	case c.fromField != "":
		return c.fromField
	case c.fromEnv != "":
		return c.fromEnv
	}
	return def
}

// parsed is the result of the first pass. Every source has been read but
// nothing has been defaulted.
type parsed struct {
	in Input

	endpoint  string
	namespace credential
	token     credential

	production         bool
	runEngine          bool
	engineVersion      string
	managerPort        int
	totalSlots         int
	runnerName         string
	runnerKey          string
	advertisedEndpoint string
	advertisedToken    string
	logLevel           string
}

// merged returns the input with environment values folded in, for field
// validation.
func (p *parsed) merged() Input {
	in := p.in
	in.Endpoint = p.endpoint
	in.EngineVersion = p.engineVersion
	in.ManagerPort = p.managerPort
	in.TotalSlots = p.totalSlots
	in.AdvertisedEndpoint = p.advertisedEndpoint
	in.Logging.Level = p.logLevel
	return in
}

func parse(in Input, env Env) (*parsed, error) {
	p := &parsed{
		in:        in,
		namespace: credential{field: "namespace", fromField: in.Namespace},
		token:     credential{field: "token", fromField: in.Token},
	}

	p.endpoint = firstNonEmpty(env, in.Endpoint, EnvEndpoint)
	if p.endpoint != "" {
		u, err := url.Parse(p.endpoint)
		if err != nil {
			return nil, fieldError("endpoint", "not a valid URL: %v", err)
		}
		if u.User != nil {
			p.namespace.fromURL = u.User.Username()
			if tok, ok := u.User.Password(); ok {
				p.token.fromURL = tok
			}
			u.User = nil
		}
		p.endpoint = u.String()
	}

	p.namespace.fromEnv, _ = lookup(env, EnvNamespace)
	p.token.fromEnv, _ = lookup(env, EnvToken)

	if in.Production != nil {
		p.production = *in.Production
	} else if v, ok := lookup(env, EnvEnvironment); ok {
		p.production = strings.EqualFold(v, "production")
	}

	if in.RunEngine != nil {
		p.runEngine = *in.RunEngine
	} else if v, ok := lookup(env, EnvRunEngine); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fieldError(EnvRunEngine, "expected a boolean, got %q", v)
		}
		p.runEngine = b
	}

	var err error
	if p.managerPort, err = intSetting(env, in.ManagerPort, EnvManagerPort); err != nil {
		return nil, err
	}
	if p.totalSlots, err = intSetting(env, in.TotalSlots, EnvTotalSlots); err != nil {
		return nil, err
	}

	p.engineVersion = firstNonEmpty(env, in.EngineVersion, EnvRunEngineVersion)
	p.runnerName = firstNonEmpty(env, in.RunnerName, EnvRunnerName)
	p.runnerKey = firstNonEmpty(env, in.RunnerKey, EnvRunnerKey)
	p.advertisedEndpoint = firstNonEmpty(env, in.AdvertisedEndpoint, EnvPublicEndpoint)
	p.advertisedToken = firstNonEmpty(env, in.AdvertisedToken, EnvPublicToken)
	p.logLevel = firstNonEmpty(env, in.Logging.Level, EnvLogLevel)

	return p, nil
}

// validate enforces the mode-exclusivity rules, then credential agreement,
// then per-field checks.
func validate(p *parsed) error {
	serveRequested := p.in.ServeManager != nil && *p.in.ServeManager

	if p.endpoint != "" && serveRequested {
		return ErrEndpointWithLocalManager
	}
	if p.runEngine && p.endpoint != "" {
		return ErrEngineWithEndpoint
	}
	if p.runEngine && serveRequested {
		return ErrEndpointWithLocalManager
	}
	if p.in.RunnerPool != nil && p.endpoint == "" && !p.runEngine {
		return ErrRunnerPoolWithoutEngine
	}

	if err := p.namespace.conflict(); err != nil {
		return err
	}
	if err := p.token.conflict(); err != nil {
		return err
	}

	merged := p.merged()
	if errs := NewValidator().ValidateInput(&merged); len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func derive(p *parsed) (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{
		Endpoint:        p.endpoint,
		Token:           p.token.value(""),
		Namespace:       p.namespace.value(DefaultNamespace),
		Headers:         maps.Clone(p.in.Headers),
		Mode:            p.in.Mode,
		Production:      p.production,
		DriverName:      p.in.Driver,
		Encoding:        codec.EncodingJSON,
		ManagerPort:     p.managerPort,
		ManagerHost:     p.in.ManagerHost,
		ManagerBasePath: p.in.ManagerBasePath,
		SpawnEngine:     p.runEngine,
		EngineVersion:   p.engineVersion,
		Logging:         p.in.Logging,
	}
	cfg.Logging.Level = p.logLevel

	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeServerless
	}
	if cfg.DriverName == "" {
		cfg.DriverName = DefaultDriver
		if p.endpoint == "" && !p.runEngine {
			cfg.DriverName = DefaultLocalDriver
		}
	}
	if p.in.Encoding != "" {
		cfg.Encoding, _ = codec.ParseEncoding(p.in.Encoding)
	}
	if cfg.ManagerPort == 0 {
		cfg.ManagerPort = DefaultManagerPort
	}
	if cfg.ManagerBasePath == "" {
		cfg.ManagerBasePath = DefaultManagerBasePath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	cfg.ServeManagerLocally = deriveServe(p)

	switch cfg.Mode {
	case ModeServerless:
		advertised, err := deriveAdvertised(p, cfg)
		if err != nil {
			return nil, err
		}
		cfg.AdvertisedEndpoint = advertised
		cfg.AdvertisedToken = p.advertisedToken
		if cfg.AdvertisedToken == "" {
			cfg.AdvertisedToken = cfg.Token
		}
	case ModeRunner:
		cfg.TotalSlots = p.totalSlots
		if cfg.TotalSlots == 0 {
			cfg.TotalSlots = DefaultTotalSlots
		}
		cfg.RunnerName = p.runnerName
		if cfg.RunnerName == "" {
			cfg.RunnerName = DefaultRunnerName
		}
		cfg.RunnerKey = p.runnerKey
		if cfg.RunnerKey == "" {
			cfg.RunnerKey = newRunnerKey()
		}
	}

	if p.in.RunnerPool != nil {
		cfg.RunnerPool = deriveRunnerPool(p.in.RunnerPool, cfg)
	}

	return cfg, nil
}

// deriveServe decides whether the manager API is served from this process.
// An engine, remote or spawned, always hosts it instead.
func deriveServe(p *parsed) bool {
	switch {
	case p.in.ServeManager != nil:
		return *p.in.ServeManager
	case p.endpoint != "" || p.runEngine:
		return false
	default:
		return !p.production
	}
}

func deriveAdvertised(p *parsed, cfg *RuntimeConfig) (string, error) {
	switch {
	case p.advertisedEndpoint != "":
		return p.advertisedEndpoint, nil
	case p.endpoint != "":
		return p.endpoint, nil
	case p.runEngine:
		return DefaultEngineEndpoint, nil
	case cfg.ServeManagerLocally && !p.production:
		return LocalManagerEndpoint(cfg.ManagerPort, cfg.ManagerBasePath), nil
	}
	return "", ErrMissingAdvertisedEndpoint
}

// LocalManagerEndpoint is the endpoint advertised for a manager served on
// this machine.
func LocalManagerEndpoint(port int, basePath string) string {
	advertised := fmt.Sprintf("http://localhost:%d", port)
	if basePath != "" && basePath != "/" {
		advertised += strings.TrimSuffix(basePath, "/")
	}
	return advertised
}

func deriveRunnerPool(in *RunnerPoolInput, cfg *RuntimeConfig) *RunnerPoolConfig {
	pool := &RunnerPoolConfig{
		Name:            in.Name,
		URL:             in.URL,
		Headers:         maps.Clone(in.Headers),
		RequestLifespan: in.RequestLifespan,
		MinRunners:      in.MinRunners,
		MaxRunners:      in.MaxRunners,
		SlotsPerRunner:  in.SlotsPerRunner,
		RunnersMargin:   in.RunnersMargin,
		RefreshSchedule: in.RefreshSchedule,
	}
	if pool.Name == "" {
		pool.Name = cfg.RunnerName
	}
	if pool.Name == "" {
		pool.Name = DefaultRunnerName
	}
	if pool.RequestLifespan == 0 {
		pool.RequestLifespan = DefaultRequestLifespan
	}
	if pool.MaxRunners == 0 {
		pool.MaxRunners = DefaultMaxRunners
	}
	if pool.SlotsPerRunner == 0 {
		pool.SlotsPerRunner = DefaultSlotsPerRunner
	}
	return pool
}

func firstNonEmpty(env Env, value, key string) string {
	if value != "" {
		return value
	}
	v, _ := lookup(env, key)
	return v
}

func intSetting(env Env, value int, key string) (int, error) {
	if value != 0 {
		return value, nil
	}
	v, ok := lookup(env, key)
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fieldError(key, "expected an integer, got %q", v)
	}
	return n, nil
}
