// Package jointctl drives heterogeneous joint actuators (simulators, serial servo buses, rdk arms)
// through one small set of capability interfaces, and composes them into a single logical robot.
package jointctl

import (
	"context"
	"sync"
	"time"
)

// TrajectoryPoint is one time-stamped waypoint of a joint trajectory.
// Velocities may be nil.
type TrajectoryPoint struct {
	Positions     []float64
	Velocities    []float64
	TimeFromStart time.Duration
}

// NewTrajectoryPoint returns a point without velocities.
func NewTrajectoryPoint(positions []float64, timeFromStart time.Duration) TrajectoryPoint {
	return TrajectoryPoint{Positions: positions, TimeFromStart: timeFromStart}
}

// JointTrajectoryClient is the contract every backend and wrapper implements.
//
// Send methods return immediately. Errors that can be detected up front (dimension
// mismatch) are returned directly; the outcome of the motion itself is delivered
// through the returned Wait.
type JointTrajectoryClient interface {
	// JointNames is stable for the lifetime of the client.
	JointNames() []string
	// CurrentJointPositions reads last known state and never moves the actuator.
	CurrentJointPositions(ctx context.Context) ([]float64, error)
	SendJointPositions(ctx context.Context, positions []float64, duration time.Duration) (*Wait, error)
	SendJointTrajectory(ctx context.Context, trajectory []TrajectoryPoint) (*Wait, error)
}

// CompleteConditionSetter is implemented by backends that decide completion themselves.
type CompleteConditionSetter interface {
	SetCompleteCondition(cond CompleteCondition)
}

// Speaker is a fire-and-forget speech output. Failures never reach the caller.
type Speaker interface {
	Speak(message string)
}

// Wait is the handle of an in-flight command. It resolves exactly once.
type Wait struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newWait() *Wait {
	return &Wait{done: make(chan struct{})}
}

// Resolved returns a Wait that is already finished with err.
func Resolved(err error) *Wait {
	w := newWait()
	w.resolve(err)
	return w
}

// Go runs fn on its own goroutine and resolves the returned Wait with its result.
func Go(fn func() error) *Wait {
	w := newWait()
	go func() {
		w.resolve(fn())
	}()
	return w
}

func (w *Wait) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Done is closed once the command has resolved.
func (w *Wait) Done() <-chan struct{} {
	return w.done
}

// Err returns the outcome; it is only meaningful after Done is closed.
func (w *Wait) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Await blocks until the command resolves or ctx ends. Giving up on ctx does not
// stop the command.
func (w *Wait) Await(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func checkLength(names []string, positions []float64) error {
	if len(names) != len(positions) {
		return lengthMismatch(len(names), len(positions))
	}
	return nil
}

func checkTrajectory(names []string, trajectory []TrajectoryPoint) error {
	for _, p := range trajectory {
		if err := checkLength(names, p.Positions); err != nil {
			return err
		}
		if len(p.Velocities) != 0 && len(p.Velocities) != len(names) {
			return lengthMismatch(len(names), len(p.Velocities))
		}
	}
	return nil
}
