package jointctl

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// JointVelocityLimiter stretches commanded durations so that no joint exceeds its
// speed cap. It never shortens a command: callers composing sequential moves
// will see wall-clock time grow when a limit kicks in.
type JointVelocityLimiter struct {
	client  JointTrajectoryClient
	limits  []float64
	logger  logging.Logger
	metrics *Metrics
}

var _ JointTrajectoryClient = (*JointVelocityLimiter)(nil)

// NewJointVelocityLimiter wraps client. limits are index-aligned to client.JointNames()
// and must all be positive.
func NewJointVelocityLimiter(client JointTrajectoryClient, limits []float64, logger logging.Logger) (*JointVelocityLimiter, error) {
	if len(limits) != len(client.JointNames()) {
		return nil, errors.Wrap(lengthMismatch(len(client.JointNames()), len(limits)), "joint velocity limits")
	}
	for i, l := range limits {
		if !(l > 0) {
			return nil, errors.Errorf("joint velocity limit for %q must be positive, got %g", client.JointNames()[i], l)
		}
	}
	return &JointVelocityLimiter{
		client: client,
		limits: append([]float64(nil), limits...),
		logger: logger,
	}, nil
}

// SetMetrics makes the limiter count stretched commands.
func (l *JointVelocityLimiter) SetMetrics(m *Metrics) {
	l.metrics = m
}

// Limits returns the configured caps.
func (l *JointVelocityLimiter) Limits() []float64 {
	return l.limits
}

func (l *JointVelocityLimiter) JointNames() []string {
	return l.client.JointNames()
}

func (l *JointVelocityLimiter) CurrentJointPositions(ctx context.Context) ([]float64, error) {
	return l.client.CurrentJointPositions(ctx)
}

func (l *JointVelocityLimiter) SendJointPositions(ctx context.Context, positions []float64, duration time.Duration) (*Wait, error) {
	if err := checkLength(l.JointNames(), positions); err != nil {
		return nil, err
	}
	current, err := l.client.CurrentJointPositions(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkLength(l.JointNames(), current); err != nil {
		return nil, err
	}
	limited := limitDuration(current, positions, duration, l.limits)
	if limited != duration {
		l.logger.Debugf("velocity limit stretches move from %v to %v", duration, limited)
		l.metrics.recordStretch()
	}
	return l.client.SendJointPositions(ctx, positions, limited)
}

// SendJointTrajectory delays every point that would require a joint to exceed
// its limit, shifting all later points by the same amount.
func (l *JointVelocityLimiter) SendJointTrajectory(ctx context.Context, trajectory []TrajectoryPoint) (*Wait, error) {
	if err := checkTrajectory(l.JointNames(), trajectory); err != nil {
		return nil, err
	}
	previous, err := l.client.CurrentJointPositions(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkLength(l.JointNames(), previous); err != nil {
		return nil, err
	}

	fixed := make([]TrajectoryPoint, len(trajectory))
	var (
		delay        time.Duration
		previousTime time.Duration
	)
	for i, p := range trajectory {
		segment := p.TimeFromStart - previousTime
		limited := limitDuration(previous, p.Positions, segment, l.limits)
		delay += limited - segment
		fixed[i] = TrajectoryPoint{
			Positions:     p.Positions,
			Velocities:    p.Velocities,
			TimeFromStart: p.TimeFromStart + delay,
		}
		previous = p.Positions
		previousTime = p.TimeFromStart
	}
	if delay > 0 {
		l.logger.Debugf("velocity limit delays trajectory by %v", delay)
		l.metrics.recordStretch()
	}
	return l.client.SendJointTrajectory(ctx, fixed)
}

// limitDuration returns max(duration, max_i |target_i - current_i| / limits_i).
func limitDuration(current, target []float64, duration time.Duration, limits []float64) time.Duration {
	minimum := 0.0
	for i := range target {
		minimum = math.Max(minimum, math.Abs(target[i]-current[i])/limits[i])
	}
	required := time.Duration(minimum * float64(time.Second))
	if required > duration {
		return required
	}
	return duration
}
