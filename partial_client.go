package jointctl

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SharedTargets remembers the last full target sent through any partial view of
// one backend, so that views commanded concurrently do not revert each other's
// joints to a stale readback.
type SharedTargets struct {
	mu   sync.Mutex
	last []float64
}

func NewSharedTargets() *SharedTargets {
	return &SharedTargets{}
}

// PartialOption configures a PartialJointTrajectoryClient.
type PartialOption func(*PartialJointTrajectoryClient)

// WithSharedTargets overlays sends on the last commanded target instead of the
// current readback once anything was commanded through targets.
func WithSharedTargets(targets *SharedTargets) PartialOption {
	return func(c *PartialJointTrajectoryClient) { c.targets = targets }
}

// WithPartialCompleteCondition judges completion on the view's own joints with
// cond. The backend's own wait is then not reported.
func WithPartialCompleteCondition(cond CompleteCondition) PartialOption {
	return func(c *PartialJointTrajectoryClient) { c.cond = cond }
}

// PartialJointTrajectoryClient exposes a reordered subset of a backend's joints
// as a standalone client. Joints of the backend that are not part of the view
// keep their current position on every send.
type PartialJointTrajectoryClient struct {
	jointNames []string
	indices    []int // position of jointNames[i] in backend order
	full       JointTrajectoryClient
	targets    *SharedTargets
	cond       CompleteCondition
}

var _ JointTrajectoryClient = (*PartialJointTrajectoryClient)(nil)

// NewPartialJointTrajectoryClient fails if a name is unknown to full or listed twice.
func NewPartialJointTrajectoryClient(jointNames []string, full JointTrajectoryClient, opts ...PartialOption) (*PartialJointTrajectoryClient, error) {
	native := make(map[string]int, len(full.JointNames()))
	for i, n := range full.JointNames() {
		native[n] = i
	}
	seen := make(map[string]struct{}, len(jointNames))
	indices := make([]int, len(jointNames))
	for i, n := range jointNames {
		idx, ok := native[n]
		if !ok {
			return nil, errors.WithStack(&NoJointError{Name: n})
		}
		if _, dup := seen[n]; dup {
			return nil, errors.WithStack(&DuplicateJointError{Name: n})
		}
		seen[n] = struct{}{}
		indices[i] = idx
	}
	c := &PartialJointTrajectoryClient{
		jointNames: append([]string(nil), jointNames...),
		indices:    indices,
		full:       full,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *PartialJointTrajectoryClient) JointNames() []string {
	return append([]string(nil), c.jointNames...)
}

func (c *PartialJointTrajectoryClient) CurrentJointPositions(ctx context.Context) ([]float64, error) {
	full, err := c.fullPositions(ctx)
	if err != nil {
		return nil, err
	}
	return c.extract(full), nil
}

func (c *PartialJointTrajectoryClient) fullPositions(ctx context.Context) ([]float64, error) {
	full, err := c.full.CurrentJointPositions(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkLength(c.full.JointNames(), full); err != nil {
		return nil, err
	}
	return full, nil
}

func (c *PartialJointTrajectoryClient) SendJointPositions(ctx context.Context, positions []float64, duration time.Duration) (*Wait, error) {
	if err := checkLength(c.jointNames, positions); err != nil {
		return nil, err
	}
	w, err := c.send(ctx, func(base []float64) ([]float64, func() (*Wait, error)) {
		target := c.overlay(base, positions)
		return target, func() (*Wait, error) {
			return c.full.SendJointPositions(ctx, target, duration)
		}
	})
	if err != nil {
		return nil, err
	}
	return c.ownWait(ctx, w, positions, duration), nil
}

func (c *PartialJointTrajectoryClient) SendJointTrajectory(ctx context.Context, trajectory []TrajectoryPoint) (*Wait, error) {
	if err := checkTrajectory(c.jointNames, trajectory); err != nil {
		return nil, err
	}
	if len(trajectory) == 0 {
		return Resolved(nil), nil
	}
	w, err := c.send(ctx, func(base []float64) ([]float64, func() (*Wait, error)) {
		zeros := make([]float64, len(base))
		points := make([]TrajectoryPoint, len(trajectory))
		for i, p := range trajectory {
			points[i] = TrajectoryPoint{
				Positions:     c.overlay(base, p.Positions),
				TimeFromStart: p.TimeFromStart,
			}
			if p.Velocities != nil {
				points[i].Velocities = c.overlay(zeros, p.Velocities)
			}
		}
		return points[len(points)-1].Positions, func() (*Wait, error) {
			return c.full.SendJointTrajectory(ctx, points)
		}
	})
	if err != nil {
		return nil, err
	}
	last := trajectory[len(trajectory)-1]
	return c.ownWait(ctx, w, last.Positions, last.TimeFromStart), nil
}

// send builds the full command on top of the base positions and issues it. With
// shared targets, building, sending and recording happen under one lock.
func (c *PartialJointTrajectoryClient) send(
	ctx context.Context,
	build func(base []float64) ([]float64, func() (*Wait, error)),
) (*Wait, error) {
	if c.targets == nil {
		full, err := c.fullPositions(ctx)
		if err != nil {
			return nil, err
		}
		_, issue := build(full)
		return issue()
	}

	c.targets.mu.Lock()
	defer c.targets.mu.Unlock()
	base := c.targets.last
	if base == nil {
		full, err := c.fullPositions(ctx)
		if err != nil {
			return nil, err
		}
		base = full
	}
	target, issue := build(base)
	w, err := issue()
	if err != nil {
		return nil, err
	}
	c.targets.last = target
	return w, nil
}

func (c *PartialJointTrajectoryClient) ownWait(ctx context.Context, backend *Wait, target []float64, duration time.Duration) *Wait {
	if c.cond == nil {
		return backend
	}
	target = append([]float64(nil), target...)
	return Go(func() error {
		return c.cond.Wait(ctx, c, target, duration)
	})
}

// overlay copies base and writes partial values at their backend indices.
func (c *PartialJointTrajectoryClient) overlay(base, partial []float64) []float64 {
	out := append([]float64(nil), base...)
	for i, idx := range c.indices {
		out[idx] = partial[i]
	}
	return out
}

func (c *PartialJointTrajectoryClient) extract(full []float64) []float64 {
	out := make([]float64, len(c.indices))
	for i, idx := range c.indices {
		out[i] = full[idx]
	}
	return out
}
