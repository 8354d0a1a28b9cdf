package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"

	"jointctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath string
	logLevel   string
	logger     logging.Logger
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	rootCmd := &cobra.Command{
		Use:          "jointctl",
		Short:        "Drive robot joint groups through a shared controller",
		Long:         "jointctl loads a robot description, builds one client per joint group over dummy, simulator or Feetech serial backends, and sends them positions, trajectories and speech.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logging.LevelFromString(opts.logLevel)
			if err != nil {
				return err
			}
			opts.logger = logging.NewLogger("jointctl")
			opts.logger.SetLevel(level)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "jointctl.yaml", "Robot config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newPositionsCmd(opts),
		newMoveCmd(opts),
		newTrajectoryCmd(opts),
		newSpeakCmd(opts),
		newPortsCmd(opts),
		newServoCmd(opts),
		newDemoCmd(opts),
	)
	return rootCmd
}

// openRobot builds the configured robot and, when metrics_addr is set, serves
// its metrics until the returned close function runs.
func (o *cliOptions) openRobot(ctx context.Context) (*jointctl.Robot, func(), error) {
	cfg, err := jointctl.LoadRobotConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	reg := prometheus.NewRegistry()
	robot, err := jointctl.BuildRobot(ctx, cfg, reg, o.logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MetricsAddr == "" {
		return robot, robot.Close, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		o.logger.Infof("serving metrics on %s", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Warnf("metrics server: %v", err)
		}
	}()
	return robot, func() {
		if err := srv.Close(); err != nil {
			o.logger.Warnf("closing metrics server: %v", err)
		}
		robot.Close()
	}, nil
}
