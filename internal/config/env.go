package config

import "os"

// EnvPrefix prefixes every environment variable the resolver reads.
const EnvPrefix = "ACTORKIT_"

const (
	EnvEndpoint         = EnvPrefix + "ENDPOINT"
	EnvToken            = EnvPrefix + "TOKEN"
	EnvNamespace        = EnvPrefix + "NAMESPACE"
	EnvTotalSlots       = EnvPrefix + "TOTAL_SLOTS"
	EnvRunnerName       = EnvPrefix + "RUNNER_NAME"
	EnvRunnerKey        = EnvPrefix + "RUNNER_KEY"
	EnvPublicEndpoint   = EnvPrefix + "PUBLIC_ENDPOINT"
	EnvPublicToken      = EnvPrefix + "PUBLIC_TOKEN"
	EnvRunEngine        = EnvPrefix + "RUN_ENGINE"
	EnvRunEngineVersion = EnvPrefix + "RUN_ENGINE_VERSION"
	EnvEnvironment      = EnvPrefix + "ENV"
	EnvManagerPort      = EnvPrefix + "MANAGER_PORT"
	EnvLogLevel         = EnvPrefix + "LOG_LEVEL"
)

// Env looks up environment variables. Resolution never touches the process
// environment directly.
type Env interface {
	Lookup(key string) (string, bool)
}

// OSEnv reads the process environment.
type OSEnv struct{}

func (OSEnv) Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapEnv serves variables from a map.
type MapEnv map[string]string

func (m MapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// lookup treats an empty value as unset.
func lookup(env Env, key string) (string, bool) {
	if env == nil {
		return "", false
	}
	v, ok := env.Lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
