package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmacore/internal/config"
	"github.com/piwi3910/rdmacore/internal/server"
	"github.com/piwi3910/rdmacore/internal/transport/rdma"
)

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Backend    string
	Debug      bool
}

// SetupLogging configures the global logger. --debug wins over the
// configured level and switches to console output.
func SetupLogging(level string, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		return
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
}

// NewRunCmd creates the run command
func NewRunCmd(flags *GlobalFlags, version, commit string) *cobra.Command {
	var (
		deviceName  string
		metricsPort int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Initialize RDMA devices and poll for completions",
		Long: `Open every RDMA device, bind the configured port, provision buffers and
completion queues, and drain completions until interrupted.

Health, device status and Prometheus metrics are served on the
diagnostics port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath, config.Options{
				Backend:     flags.Backend,
				DeviceName:  deviceName,
				MetricsPort: metricsPort,
			})
			if err != nil {
				return err
			}

			SetupLogging(cfg.LogLevel, flags.Debug)

			log.Info().
				Str("version", version).
				Str("commit", commit).
				Str("backend", cfg.RDMA.Backend).
				Msg("Starting rdmacore")

			srv, err := server.New(cfg)
			if err != nil {
				if rdma.IsFatal(err) {
					log.Fatal().Err(err).Msg("Failed to initialize RDMA devices")
				}

				return err
			}

			// Handle graceful shutdown
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				if rdma.IsFatal(err) {
					log.Fatal().Err(err).Msg("Fatal RDMA device error")
				}

				return err
			}

			log.Info().Msg("rdmacore shutdown complete")

			return nil
		},
	}

	cmd.Flags().StringVar(&deviceName, "device", "", "Initialize only this device (e.g. mlx5_0)")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Diagnostics server port")

	return cmd
}
