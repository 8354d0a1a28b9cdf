package jointctl

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.viam.com/utils"
)

// checkInterval is how often conditions sample CurrentJointPositions.
const checkInterval = 10 * time.Millisecond

// CompleteCondition decides when a commanded motion has converged.
//
// Wait polls client until the measured positions match target, or until the
// condition's own timeout plus the commanded duration has elapsed. It blocks,
// so callers run it on a goroutine of their own.
type CompleteCondition interface {
	Wait(ctx context.Context, client JointTrajectoryClient, target []float64, duration time.Duration) error
}

// TotalJointDiffCondition succeeds when the summed absolute error over all joints
// is within AllowableError.
type TotalJointDiffCondition struct {
	AllowableError float64
	Timeout        time.Duration
}

// NewTotalJointDiffCondition returns a condition with the given tolerance and timeout.
func NewTotalJointDiffCondition(allowableError float64, timeout time.Duration) *TotalJointDiffCondition {
	return &TotalJointDiffCondition{AllowableError: allowableError, Timeout: timeout}
}

// DefaultTotalJointDiffCondition is used by backends that were not given a condition.
func DefaultTotalJointDiffCondition() *TotalJointDiffCondition {
	return NewTotalJointDiffCondition(0.02, 100*time.Millisecond)
}

func (c *TotalJointDiffCondition) String() string {
	return fmt.Sprintf("TotalJointDiffCondition{allowable_error: %g, timeout: %v}", c.AllowableError, c.Timeout)
}

// Wait implements CompleteCondition.
func (c *TotalJointDiffCondition) Wait(
	ctx context.Context, client JointTrajectoryClient, target []float64, duration time.Duration,
) error {
	return poll(ctx, client, target, c.Timeout+duration, c.AllowableError, func(current []float64) (float64, bool, error) {
		if len(current) != len(target) {
			return 0, false, lengthMismatch(len(current), len(target))
		}
		var sum float64
		for i, t := range target {
			sum += math.Abs(t - current[i])
		}
		return sum, sum <= c.AllowableError, nil
	})
}

// EachJointDiffCondition succeeds when every joint is within its own tolerance.
type EachJointDiffCondition struct {
	AllowableErrors []float64
	Timeout         time.Duration
}

// NewEachJointDiffCondition returns a condition with per-joint tolerances.
func NewEachJointDiffCondition(allowableErrors []float64, timeout time.Duration) *EachJointDiffCondition {
	return &EachJointDiffCondition{AllowableErrors: allowableErrors, Timeout: timeout}
}

func (c *EachJointDiffCondition) String() string {
	return fmt.Sprintf("EachJointDiffCondition{allowable_errors: %v, timeout: %v}", c.AllowableErrors, c.Timeout)
}

// Wait implements CompleteCondition. It panics when the number of tolerances or
// the number of measured joints differs from the number of target joints. Both
// are deployment errors, not runtime conditions.
func (c *EachJointDiffCondition) Wait(
	ctx context.Context, client JointTrajectoryClient, target []float64, duration time.Duration,
) error {
	if len(c.AllowableErrors) != len(target) {
		panic(fmt.Sprintf("jointctl: %d allowable errors for %d target joints", len(c.AllowableErrors), len(target)))
	}
	var worst float64
	for _, e := range c.AllowableErrors {
		worst = math.Max(worst, e)
	}
	return poll(ctx, client, target, c.Timeout+duration, worst, func(current []float64) (float64, bool, error) {
		if len(current) != len(target) {
			panic(fmt.Sprintf("jointctl: client reports %d joints for %d target joints", len(current), len(target)))
		}
		ok := true
		var maxErr float64
		for i, t := range target {
			diff := math.Abs(t - current[i])
			maxErr = math.Max(maxErr, diff)
			if diff > c.AllowableErrors[i] {
				ok = false
			}
		}
		return maxErr, ok, nil
	})
}

// poll samples client until check succeeds or budget is spent.
func poll(
	ctx context.Context,
	client JointTrajectoryClient,
	target []float64,
	budget time.Duration,
	allowable float64,
	check func(current []float64) (float64, bool, error),
) error {
	if len(target) == 0 {
		return nil
	}
	deadline := time.Now().Add(budget)
	for {
		current, err := client.CurrentJointPositions(ctx)
		if err != nil {
			return err
		}
		measured, ok, err := check(current)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &TimeoutError{Timeout: budget, AllowableError: allowable, Err: measured}
		}
		if !utils.SelectContextOrWait(ctx, checkInterval) {
			return ctx.Err()
		}
	}
}
