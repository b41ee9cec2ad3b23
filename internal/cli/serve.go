package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/actorkit/internal/bootstrap"
	"github.com/harun/actorkit/internal/config"
	"github.com/harun/actorkit/internal/logger"
	"github.com/harun/actorkit/internal/observability"
	"github.com/harun/actorkit/internal/tracing"
)

var (
	shutdownTimeout time.Duration
	engineBinary    string
	auditLog        string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the actor runtime",
	Long: `Start the actor runtime in the foreground.
The runtime spawns a local engine when ACTORKIT_RUN_ENGINE is set, serves the
manager API when no engine endpoint is configured and starts the runner in
runner mode. SIGINT or SIGTERM shuts it down.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time to wait for a graceful shutdown")
	serveCmd.Flags().StringVar(&engineBinary, "engine-binary", "", "engine binary to spawn instead of searching the engine cache")
	serveCmd.Flags().StringVar(&auditLog, "audit-log", "", "append actor lifecycle audit events to this file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(config.OSEnv{})
	if err != nil {
		return err
	}

	l, err := logger.New(loggerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer l.Close()

	if auditLog != "" {
		if err := observability.InitAuditLogger(auditLog); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer observability.GetAuditLogger().Close()
	}

	tracing.InitOpenTelemetry("actorkit")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zl := l.Component("cli")
	h, err := bootstrap.Start(ctx, cfg, bootstrap.Options{
		Logger:       &zl,
		ConfigPath:   config.NewLoader(cfgFile).GetConfigPath(),
		EngineBinary: engineBinary,
	})
	if err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	if h.Listener != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Manager listening on %s\n", h.Listener.Addr())
		select {
		case <-ctx.Done():
		case <-h.Listener.Done():
			if err := h.Listener.Err(); err != nil {
				zl.Error().Err(err).Msg("Manager listener stopped")
			}
		}
	} else {
		<-ctx.Done()
	}

	zl.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Shutdown(shutdownCtx)
}

// loggerConfig maps the resolved logging settings onto the logger. Tokens
// are always registered as secrets.
func loggerConfig(cfg *config.RuntimeConfig) logger.Config {
	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.File = cfg.Logging.File
	logCfg.Pretty = cfg.Logging.Pretty
	logCfg.Redaction = cfg.Logging.RedactionEnabled()
	logCfg.Secrets = []string{cfg.Token, cfg.AdvertisedToken}
	return logCfg
}
