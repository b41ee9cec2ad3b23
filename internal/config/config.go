package config

import (
	"maps"
	"strings"

	"github.com/harun/actorkit/pkg/codec"
)

// Mode selects how the runtime hosts actors.
type Mode string

const (
	// ModeRunner is a long-lived process that connects out to the engine.
	ModeRunner Mode = "runner"
	// ModeServerless is a request-scoped handler invoked by an external host.
	ModeServerless Mode = "serverless"
)

const (
	DefaultNamespace       = "default"
	DefaultManagerPort     = 6420
	DefaultManagerHost     = ""
	DefaultManagerBasePath = "/"
	DefaultTotalSlots      = 100000
	DefaultRunnerName      = "default"
	DefaultDriver          = "engine"
	DefaultLocalDriver     = "memory"

	// DefaultEngineEndpoint is where a spawned engine listens.
	DefaultEngineEndpoint = "http://127.0.0.1:6420"

	DefaultRequestLifespan = 900
	DefaultMaxRunners      = 10000
	DefaultSlotsPerRunner  = 1
)

// Input is the caller-supplied configuration before resolution. Zero values
// mean "not supplied"; pointer fields distinguish an explicit false.
type Input struct {
	Endpoint           string            `json:"endpoint,omitempty" mapstructure:"endpoint"`
	Token              string            `json:"token,omitempty" mapstructure:"token"`
	Namespace          string            `json:"namespace,omitempty" mapstructure:"namespace"`
	Headers            map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Mode               Mode              `json:"mode,omitempty" mapstructure:"mode"`
	Production         *bool             `json:"production,omitempty" mapstructure:"production"`
	Driver             string            `json:"driver,omitempty" mapstructure:"driver"`
	Encoding           string            `json:"encoding,omitempty" mapstructure:"encoding"`
	ManagerPort        int               `json:"manager_port,omitempty" mapstructure:"manager_port"`
	ManagerHost        string            `json:"manager_host,omitempty" mapstructure:"manager_host"`
	ManagerBasePath    string            `json:"manager_base_path,omitempty" mapstructure:"manager_base_path"`
	ServeManager       *bool             `json:"serve_manager,omitempty" mapstructure:"serve_manager"`
	AdvertisedEndpoint string            `json:"public_endpoint,omitempty" mapstructure:"public_endpoint"`
	AdvertisedToken    string            `json:"public_token,omitempty" mapstructure:"public_token"`
	TotalSlots         int               `json:"total_slots,omitempty" mapstructure:"total_slots"`
	RunnerName         string            `json:"runner_name,omitempty" mapstructure:"runner_name"`
	RunnerKey          string            `json:"runner_key,omitempty" mapstructure:"runner_key"`
	RunEngine          *bool             `json:"run_engine,omitempty" mapstructure:"run_engine"`
	EngineVersion      string            `json:"run_engine_version,omitempty" mapstructure:"run_engine_version"`
	RunnerPool         *RunnerPoolInput  `json:"runner_pool,omitempty" mapstructure:"runner_pool"`
	Logging            LoggingConfig     `json:"logging,omitempty" mapstructure:"logging"`
}

// RunnerPoolInput asks the runtime to configure a serverless runner pool on
// the engine once startup completes.
type RunnerPoolInput struct {
	Name            string            `json:"name,omitempty" mapstructure:"name"`
	URL             string            `json:"url,omitempty" mapstructure:"url"`
	Headers         map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	RequestLifespan int               `json:"request_lifespan,omitempty" mapstructure:"request_lifespan"`
	MinRunners      int               `json:"min_runners,omitempty" mapstructure:"min_runners"`
	MaxRunners      int               `json:"max_runners,omitempty" mapstructure:"max_runners"`
	SlotsPerRunner  int               `json:"slots_per_runner,omitempty" mapstructure:"slots_per_runner"`
	RunnersMargin   int               `json:"runners_margin,omitempty" mapstructure:"runners_margin"`
	RefreshSchedule string            `json:"refresh_schedule,omitempty" mapstructure:"refresh_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level,omitempty" mapstructure:"level" yaml:"level,omitempty"`
	File      string `json:"file,omitempty" mapstructure:"file" yaml:"file,omitempty"`
	Pretty    bool   `json:"pretty,omitempty" mapstructure:"pretty" yaml:"pretty,omitempty"`
	// Redaction is on unless explicitly set to false.
	Redaction *bool  `json:"redaction,omitempty" mapstructure:"redaction" yaml:"redaction,omitempty"`
}

// RedactionEnabled reports whether log redaction is on.
func (l LoggingConfig) RedactionEnabled() bool {
	return l.Redaction == nil || *l.Redaction
}

// RuntimeConfig is the resolved, validated configuration. It is produced
// once by Resolve and must be treated as read-only; use Clone before
// deriving a variant.
type RuntimeConfig struct {
	Endpoint            string            `yaml:"endpoint,omitempty"`
	Token               string            `yaml:"-"`
	Namespace           string            `yaml:"namespace"`
	Headers             map[string]string `yaml:"headers,omitempty"`
	Mode                Mode              `yaml:"mode"`
	Production          bool              `yaml:"production"`
	DriverName          string            `yaml:"driver"`
	Encoding            codec.Encoding    `yaml:"encoding"`
	ManagerPort         int               `yaml:"manager_port"`
	ManagerHost         string            `yaml:"manager_host,omitempty"`
	ManagerBasePath     string            `yaml:"manager_base_path"`
	ServeManagerLocally bool              `yaml:"serve_manager_locally"`
	AdvertisedEndpoint  string            `yaml:"advertised_endpoint,omitempty"`
	AdvertisedToken     string            `yaml:"-"`
	TotalSlots          int               `yaml:"total_slots,omitempty"`
	RunnerName          string            `yaml:"runner_name,omitempty"`
	RunnerKey           string            `yaml:"runner_key,omitempty"`
	SpawnEngine         bool              `yaml:"spawn_engine"`
	EngineVersion       string            `yaml:"engine_version,omitempty"`
	RunnerPool          *RunnerPoolConfig `yaml:"runner_pool,omitempty"`
	Logging             LoggingConfig     `yaml:"logging"`
}

// RunnerPoolConfig is the resolved runner pool request.
type RunnerPoolConfig struct {
	Name            string            `yaml:"name"`
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers,omitempty"`
	RequestLifespan int               `yaml:"request_lifespan"`
	MinRunners      int               `yaml:"min_runners"`
	MaxRunners      int               `yaml:"max_runners"`
	SlotsPerRunner  int               `yaml:"slots_per_runner"`
	RunnersMargin   int               `yaml:"runners_margin"`
	RefreshSchedule string            `yaml:"refresh_schedule,omitempty"`
}

// Clone returns a deep copy.
func (c *RuntimeConfig) Clone() *RuntimeConfig {
	out := *c
	out.Headers = maps.Clone(c.Headers)
	if c.RunnerPool != nil {
		pool := *c.RunnerPool
		pool.Headers = maps.Clone(c.RunnerPool.Headers)
		out.RunnerPool = &pool
	}
	if c.Logging.Redaction != nil {
		redaction := *c.Logging.Redaction
		out.Logging.Redaction = &redaction
	}
	return &out
}

// WithEndpoint returns a copy pointing at endpoint. Bootstrap uses it when a
// spawned engine supplies the effective endpoint.
func (c *RuntimeConfig) WithEndpoint(endpoint string) *RuntimeConfig {
	out := c.Clone()
	out.Endpoint = endpoint
	return out
}

// HasEndpoint reports whether the runtime talks to an engine, remote or
// spawned.
func (c *RuntimeConfig) HasEndpoint() bool {
	return c.Endpoint != "" || c.SpawnEngine
}

// ManagerPath joins p onto the manager base path.
func (c *RuntimeConfig) ManagerPath(p string) string {
	base := strings.TrimSuffix(c.ManagerBasePath, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}
