package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.viam.com/utils"

	"jointctl"
)

func newPositionsCmd(opts *cliOptions) *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Print the current joint positions in radians",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			robot, closeRobot, err := opts.openRobot(ctx)
			if err != nil {
				return err
			}
			defer closeRobot()

			for {
				positions, err := robot.Container.CurrentJointPositions(ctx)
				if err != nil {
					return err
				}
				printPositions(cmd.OutOrStdout(), robot.Container.JointNames(), positions)
				if watch <= 0 || !utils.SelectContextOrWait(ctx, watch) {
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "Keep printing at this interval until interrupted")
	return cmd
}

func printPositions(w io.Writer, names []string, positions []float64) {
	for i, name := range names {
		fmt.Fprintf(w, "%-16s %8.4f\n", name, positions[i])
	}
}

func newMoveCmd(opts *cliOptions) *cobra.Command {
	var (
		positions []float64
		duration  time.Duration
		client    string
	)
	cmd := &cobra.Command{
		Use:   "move",
		Short: "Move the robot, or one client, to the given joint positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			robot, closeRobot, err := opts.openRobot(ctx)
			if err != nil {
				return err
			}
			defer closeRobot()

			var w *jointctl.Wait
			if client == "" {
				w, err = robot.Container.SendJointPositions(ctx, positions, duration)
			} else {
				w, err = robot.Container.SendJointPositionsTo(ctx, client, positions, duration)
			}
			if err != nil {
				return err
			}
			if err := w.Await(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "done")
			return nil
		},
	}
	cmd.Flags().Float64SliceVar(&positions, "positions", nil, "Target positions in radians, comma separated")
	cmd.Flags().DurationVar(&duration, "duration", time.Second, "Time to reach the target")
	cmd.Flags().StringVar(&client, "client", "", "Only move this client (default: every joint)")
	_ = cmd.MarkFlagRequired("positions")
	return cmd
}

type trajectoryFilePoint struct {
	Positions     []float64     `mapstructure:"positions"`
	Velocities    []float64     `mapstructure:"velocities"`
	TimeFromStart time.Duration `mapstructure:"time_from_start"`
}

// loadTrajectory reads a file with a top-level "points" list.
func loadTrajectory(path string) ([]jointctl.TrajectoryPoint, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read trajectory file %s", path)
	}
	var points []trajectoryFilePoint
	if err := v.UnmarshalKey("points", &points); err != nil {
		return nil, errors.Wrap(err, "decode trajectory")
	}
	if len(points) == 0 {
		return nil, errors.Errorf("trajectory file %s has no points", path)
	}
	trajectory := make([]jointctl.TrajectoryPoint, len(points))
	for i, p := range points {
		trajectory[i] = jointctl.TrajectoryPoint{
			Positions:     p.Positions,
			Velocities:    p.Velocities,
			TimeFromStart: p.TimeFromStart,
		}
	}
	return trajectory, nil
}

func newTrajectoryCmd(opts *cliOptions) *cobra.Command {
	var (
		file   string
		client string
	)
	cmd := &cobra.Command{
		Use:   "trajectory",
		Short: "Follow a trajectory read from a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			trajectory, err := loadTrajectory(file)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			robot, closeRobot, err := opts.openRobot(ctx)
			if err != nil {
				return err
			}
			defer closeRobot()

			var w *jointctl.Wait
			if client == "" {
				w, err = robot.Container.SendJointTrajectory(ctx, trajectory)
			} else {
				w, err = robot.Container.SendJointTrajectoryTo(ctx, client, trajectory)
			}
			if err != nil {
				return err
			}
			if err := w.Await(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "done (%d points)\n", len(trajectory))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Trajectory file with a points list")
	cmd.Flags().StringVar(&client, "client", "", "Only send to this client (default: every joint)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newSpeakCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "speak MESSAGE...",
		Short: "Say a message with the configured speaker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			robot, closeRobot, err := opts.openRobot(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRobot()
			robot.Speaker.Speak(strings.Join(args, " "))
			return nil
		},
	}
}
