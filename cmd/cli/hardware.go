package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"jointctl"
)

func newPortsCmd(opts *cliOptions) *cobra.Command {
	var (
		ids            []int
		calibrationDir string
	)
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Find Feetech servo buses and print backend config for them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			found, err := jointctl.DiscoverFeetechPorts(cmd.Context(), ids, opts.logger)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				return errors.New("no servos answered on any serial port")
			}
			backends := make([]jointctl.BackendConfig, len(found))
			for i, d := range found {
				backends[i] = d.Backend(calibrationDir, opts.logger)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(map[string]interface{}{"backends": backends})
		},
	}
	cmd.Flags().IntSliceVar(&ids, "ids", []int{1, 2, 3, 4, 5, 6}, "Servo ids to ping")
	cmd.Flags().StringVar(&calibrationDir, "calibration-dir", "", "Directory holding <port>_calibration.json files")
	return cmd
}

func newServoCmd(opts *cliOptions) *cobra.Command {
	var (
		port     string
		baudrate int
		ids      []int
	)
	cmd := &cobra.Command{
		Use:   "servo",
		Short: "Talk to servos on one bus directly, bypassing the robot config",
	}
	cmd.PersistentFlags().StringVar(&port, "port", "", "Serial port of the bus")
	cmd.PersistentFlags().IntVar(&baudrate, "baudrate", 1000000, "Bus baud rate")
	cmd.PersistentFlags().IntSliceVar(&ids, "ids", []int{1, 2, 3, 4, 5, 6}, "Servo ids")
	_ = cmd.MarkPersistentFlagRequired("port")

	read := &cobra.Command{
		Use:   "read",
		Short: "Print raw present positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bus, err := jointctl.OpenFeetechBus(port, baudrate, opts.logger)
			if err != nil {
				return err
			}
			defer bus.Close()
			for _, id := range ids {
				raw, err := bus.ReadPosition(id)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "servo %d: %v\n", id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "servo %d: %4d (%.4f rad)\n",
					id, raw, jointctl.DefaultServoCalibration(id).ToRadians(raw))
			}
			return nil
		},
	}

	var enable bool
	torque := &cobra.Command{
		Use:   "torque",
		Short: "Enable or release servo torque so the arm can be posed by hand",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bus, err := jointctl.OpenFeetechBus(port, baudrate, opts.logger)
			if err != nil {
				return err
			}
			defer bus.Close()
			for _, id := range ids {
				if err := bus.SetTorque(id, enable); err != nil {
					return errors.Wrapf(err, "servo %d", id)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "torque enable=%v on servos %v\n", enable, ids)
			return nil
		},
	}
	torque.Flags().BoolVar(&enable, "enable", false, "Enable torque instead of releasing it")

	cmd.AddCommand(read, torque)
	return cmd
}
