package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/internal/manager"
	"github.com/harun/actorkit/pkg/codec"
	"github.com/harun/actorkit/pkg/engineclient"
)

var (
	statusEndpoint string
	statusTimeout  time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show manager status",
	Long: `Query a running manager API for its health and metadata. Without
--endpoint the advertised endpoint of the resolved configuration is used.`,
	RunE: runStatus,
}

var (
	emptySchema    = codec.NewSchema[struct{}]("Empty")
	metadataSchema = codec.NewSchema[manager.Metadata]("ManagerMetadata")
)

func init() {
	statusCmd.Flags().StringVar(&statusEndpoint, "endpoint", "", "manager endpoint to query")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "request timeout")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	endpoint := statusEndpoint
	var token, namespace string
	if endpoint == "" {
		cfg, err := resolveConfig(config.OSEnv{})
		if err != nil {
			return err
		}
		endpoint = cfg.AdvertisedEndpoint
		if endpoint == "" {
			endpoint = cfg.Endpoint
		}
		token, namespace = cfg.AdvertisedToken, cfg.Namespace
	}

	c, err := engineclient.New(engineclient.Config{
		Endpoint:   endpoint,
		Token:      token,
		Namespace:  namespace,
		HTTPClient: &http.Client{Timeout: statusTimeout},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	if err := c.Health(ctx); err != nil {
		fmt.Fprintf(out, "Status: unreachable (%s)\n", endpoint)
		return err
	}

	meta, err := engineclient.Call(ctx, c,
		engineclient.Route{Operation: "metadata", Method: http.MethodGet, Path: "/metadata"},
		emptySchema, nil, metadataSchema)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "Endpoint: %s\n", endpoint)
	fmt.Fprintf(out, "Runtime: %s %s\n", meta.Runtime, meta.Version)
	fmt.Fprintf(out, "Mode: %s\n", meta.Mode)
	fmt.Fprintf(out, "Driver: %s\n", meta.Driver)
	if meta.RunnerName != "" {
		fmt.Fprintf(out, "Runner: %s\n", meta.RunnerName)
	}
	if meta.EngineEndpoint != "" {
		fmt.Fprintf(out, "Engine: %s %s\n", meta.EngineEndpoint, meta.EngineVersion)
	}
	return nil
}
