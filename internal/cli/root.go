package cli

import (
	"github.com/spf13/cobra"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/pkg/engineclient"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "actorkit",
	Short: "actorkit - actor runtime host",
	Long: `actorkit hosts actors against an actor engine. It resolves configuration
from a config file and ACTORKIT_* environment variables, optionally spawns a
local engine, serves the manager API and keeps the runner pool registered.`,
	Version:       engineclient.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./actorkit.{json,yaml,yml,toml})")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return engineclient.Version
}

// resolveConfig loads the config file and resolves it against env.
func resolveConfig(env config.Env) (*config.RuntimeConfig, error) {
	in, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		in.Logging.Level = logLevel
	}
	return config.Resolve(in, env)
}
