package jointctl

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/arm/fake"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

// JointMover is the part of an rdk arm.Arm that ArmJointClient drives.
type JointMover interface {
	JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error)
	MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error
}

var _ JointMover = arm.Arm(nil)

// ArmJointClient adapts an rdk arm. The arm chooses its own speed, so a
// commanded duration is a lower bound: the wait resolves no earlier than
// duration and no earlier than the arm reports the move done.
type ArmJointClient struct {
	arm        JointMover
	jointNames []string
	logger     logging.Logger

	mu   sync.Mutex
	cond CompleteCondition
}

var (
	_ JointTrajectoryClient   = (*ArmJointClient)(nil)
	_ CompleteConditionSetter = (*ArmJointClient)(nil)
)

// NewArmJointClient names the arm's joints in order.
func NewArmJointClient(a JointMover, jointNames []string, logger logging.Logger) *ArmJointClient {
	return &ArmJointClient{
		arm:        a,
		jointNames: append([]string(nil), jointNames...),
		logger:     logger,
		cond:       DefaultTotalJointDiffCondition(),
	}
}

// NewFakeArmClient builds an rdk fake arm of the named kinematic model
// (ur5e, xarm6, xarm7 or fake) and adapts it. jointNames must match the
// model's degrees of freedom.
func NewFakeArmClient(ctx context.Context, name, model string, jointNames []string, logger logging.Logger) (*ArmJointClient, error) {
	a, err := fake.NewArm(ctx, nil, resource.Config{
		Name:                name,
		API:                 arm.API,
		Model:               fake.Model,
		ConvertedAttributes: &fake.Config{ArmModel: model},
	}, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create fake arm %q", name)
	}
	inputs, err := a.JointPositions(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read fake arm joints")
	}
	if len(inputs) != len(jointNames) {
		return nil, errors.Wrapf(lengthMismatch(len(inputs), len(jointNames)), "fake arm model %q", model)
	}
	return NewArmJointClient(a, jointNames, logger), nil
}

// Close closes the wrapped arm when it supports closing.
func (c *ArmJointClient) Close(ctx context.Context) error {
	if closer, ok := c.arm.(interface{ Close(context.Context) error }); ok {
		return closer.Close(ctx)
	}
	return nil
}

func (c *ArmJointClient) JointNames() []string {
	return append([]string(nil), c.jointNames...)
}

func (c *ArmJointClient) SetCompleteCondition(cond CompleteCondition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cond = cond
}

func (c *ArmJointClient) CurrentJointPositions(ctx context.Context) ([]float64, error) {
	inputs, err := c.arm.JointPositions(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read arm joint positions")
	}
	if len(inputs) != len(c.jointNames) {
		return nil, lengthMismatch(len(c.jointNames), len(inputs))
	}
	return append([]float64(nil), inputs...), nil
}

func (c *ArmJointClient) SendJointPositions(ctx context.Context, positions []float64, duration time.Duration) (*Wait, error) {
	return c.SendJointTrajectory(ctx, []TrajectoryPoint{NewTrajectoryPoint(positions, duration)})
}

func (c *ArmJointClient) SendJointTrajectory(ctx context.Context, trajectory []TrajectoryPoint) (*Wait, error) {
	if err := checkTrajectory(c.jointNames, trajectory); err != nil {
		return nil, err
	}
	if len(trajectory) == 0 {
		return Resolved(nil), nil
	}
	c.mu.Lock()
	cond := c.cond
	c.mu.Unlock()

	return Go(func() error {
		start := time.Now()
		for _, p := range trajectory {
			if err := c.arm.MoveToJointPositions(ctx, toInputs(p.Positions), nil); err != nil {
				return errors.Wrap(err, "arm move failed")
			}
			if !utils.SelectContextOrWait(ctx, time.Until(start.Add(p.TimeFromStart))) {
				return ctx.Err()
			}
		}
		return cond.Wait(ctx, c, trajectory[len(trajectory)-1].Positions, 0)
	}), nil
}

func toInputs(positions []float64) []referenceframe.Input {
	return append([]referenceframe.Input(nil), positions...)
}
