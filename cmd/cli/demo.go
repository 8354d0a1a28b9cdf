package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"jointctl"
)

type demoStep struct {
	client    string
	positions []float64
	duration  time.Duration
}

// Two commands per client, issued back to back: each client runs its own
// pair in order while the clients overlap with each other and the speaker.
var demoSteps = []demoStep{
	{"c1", []float64{1, -10}, 100 * time.Millisecond},
	{"c2", []float64{2, -10}, 200 * time.Millisecond},
	{"c3", []float64{2, -10}, 150 * time.Millisecond},
	{"c4", []float64{2, -10}, 300 * time.Millisecond},
	{"c1", []float64{3, -10}, 300 * time.Millisecond},
	{"c2", []float64{4, -10}, 400 * time.Millisecond},
	{"c3", []float64{4, -10}, 300 * time.Millisecond},
	{"c4", []float64{4, -10}, 200 * time.Millisecond},
}

func newDemoCmd(opts *cliOptions) *cobra.Command {
	var perChar time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run four dummy clients and a dummy speaker and print their event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			events := make(chan jointctl.Event, 64)

			var named []jointctl.NamedClient
			for i := 1; i <= 4; i++ {
				name := fmt.Sprintf("c%d", i)
				joints := []string{fmt.Sprintf("j%d", 2*i-1), fmt.Sprintf("j%d", 2*i)}
				named = append(named, jointctl.NamedClient{
					Name:   name,
					Client: jointctl.NewDummyJointTrajectoryClient(name, joints, opts.logger.Sublogger(name), jointctl.WithEvents(events)),
				})
			}
			container, err := jointctl.NewClientsContainer(named, jointctl.WithLogger(opts.logger.Sublogger("container")))
			if err != nil {
				return err
			}
			speaker := jointctl.NewDummySpeaker("s1", perChar, jointctl.WithEvents(events))

			start := time.Now()
			var g errgroup.Group
			for _, s := range demoSteps {
				w, err := container.SendJointPositionsTo(ctx, s.client, s.positions, s.duration)
				if err != nil {
					return err
				}
				g.Go(func() error { return w.Await(ctx) })
			}
			g.Go(func() error {
				speaker.Speak("msg")
				return nil
			})
			err = g.Wait()
			for {
				select {
				case e := <-events:
					printEvent(cmd.OutOrStdout(), start, e)
				default:
					return err
				}
			}
		},
	}
	cmd.Flags().DurationVar(&perChar, "speak-per-char", 90*time.Millisecond, "Dummy speaker time per character")
	return cmd
}

func printEvent(w io.Writer, start time.Time, e jointctl.Event) {
	elapsed := e.At.Sub(start).Round(time.Millisecond)
	switch {
	case e.Kind == jointctl.EventEnd:
		fmt.Fprintf(w, "%6v %s end\n", elapsed, e.Source)
	case e.Message != "":
		fmt.Fprintf(w, "%6v %s start %q\n", elapsed, e.Source, e.Message)
	default:
		fmt.Fprintf(w, "%6v %s start %v over %v\n", elapsed, e.Source, e.Positions, e.Duration)
	}
}
