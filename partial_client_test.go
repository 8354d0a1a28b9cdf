package jointctl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestPartialJointTrajectoryClientRoundTrip(t *testing.T) {
	backend := newRecordingClient([]string{"j1", "j2", "j3"}, []float64{1, 2, 3})
	partial, err := NewPartialJointTrajectoryClient([]string{"j2", "j1"}, backend)
	require.NoError(t, err)
	assert.Equal(t, []string{"j2", "j1"}, partial.JointNames())

	ctx := context.Background()
	current, err := partial.CurrentJointPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1}, current)

	w, err := partial.SendJointPositions(ctx, []float64{5, 7}, time.Second)
	require.NoError(t, err)
	require.NoError(t, w.Await(ctx))

	full, err := backend.CurrentJointPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 5, 3}, full)
	assert.Equal(t, time.Second, backend.duration)

	current, err = partial.CurrentJointPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 7}, current)
}

func TestPartialJointTrajectoryClientTrajectory(t *testing.T) {
	backend := newRecordingClient([]string{"j1", "j2", "j3"}, []float64{1, 2, 3})
	partial, err := NewPartialJointTrajectoryClient([]string{"j3", "j1"}, backend)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = partial.SendJointTrajectory(ctx, []TrajectoryPoint{
		{Positions: []float64{30, 10}, Velocities: []float64{0.3, 0.1}, TimeFromStart: time.Second},
		NewTrajectoryPoint([]float64{31, 11}, 2*time.Second),
	})
	require.NoError(t, err)
	require.Len(t, backend.trajectory, 2)
	assert.Equal(t, []float64{10, 2, 30}, backend.trajectory[0].Positions)
	assert.Equal(t, []float64{0.1, 0, 0.3}, backend.trajectory[0].Velocities)
	assert.Equal(t, []float64{11, 2, 31}, backend.trajectory[1].Positions)
	assert.Nil(t, backend.trajectory[1].Velocities)
	assert.Equal(t, 2*time.Second, backend.trajectory[1].TimeFromStart)
}

func TestNewPartialJointTrajectoryClientRejects(t *testing.T) {
	backend := newFixedClient([]string{"j1", "j2"}, []float64{0, 0})

	_, err := NewPartialJointTrajectoryClient([]string{"j1", "nope"}, backend)
	var noJoint *NoJointError
	require.ErrorAs(t, err, &noJoint)
	assert.Equal(t, "nope", noJoint.Name)

	_, err = NewPartialJointTrajectoryClient([]string{"j1", "j1"}, backend)
	var dup *DuplicateJointError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "j1", dup.Name)

	partial, err := NewPartialJointTrajectoryClient([]string{"j2"}, backend)
	require.NoError(t, err)
	_, err = partial.SendJointPositions(context.Background(), []float64{1, 2}, 0)
	assert.True(t, IsLengthMismatch(err))
}

func TestPartialShortReadback(t *testing.T) {
	backend := newFixedClient([]string{"j1", "j2"}, []float64{0})
	partial, err := NewPartialJointTrajectoryClient([]string{"j2"}, backend)
	require.NoError(t, err)

	_, err = partial.CurrentJointPositions(context.Background())
	assert.True(t, IsLengthMismatch(err))
}

func TestPartialSharedTargets(t *testing.T) {
	logger := logging.NewTestLogger(t)
	backend := NewDummyJointTrajectoryClient("arm", []string{"a", "b"}, logger)
	targets := NewSharedTargets()
	cond := NewTotalJointDiffCondition(0.02, 200*time.Millisecond)
	left, err := NewPartialJointTrajectoryClient([]string{"a"}, backend, WithSharedTargets(targets), WithPartialCompleteCondition(cond))
	require.NoError(t, err)
	right, err := NewPartialJointTrajectoryClient([]string{"b"}, backend, WithSharedTargets(targets), WithPartialCompleteCondition(cond))
	require.NoError(t, err)

	ctx := context.Background()
	wl, err := left.SendJointPositions(ctx, []float64{1}, 30*time.Millisecond)
	require.NoError(t, err)
	wr, err := right.SendJointPositions(ctx, []float64{2}, 60*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, wl.Await(ctx))
	require.NoError(t, wr.Await(ctx))

	// The later command carries the earlier one's target instead of reverting it.
	final, err := backend.CurrentJointPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, final)
}
