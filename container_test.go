package jointctl

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// stuckClient accepts every command but never moves.
type stuckClient struct {
	*fixedClient
	cond CompleteCondition
}

func (c *stuckClient) SendJointPositions(ctx context.Context, positions []float64, duration time.Duration) (*Wait, error) {
	if err := checkLength(c.names, positions); err != nil {
		return nil, err
	}
	return Go(func() error { return c.cond.Wait(ctx, c, positions, duration) }), nil
}

func drain(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventsFor(events []Event, source string) []Event {
	var out []Event
	for _, e := range events {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

// assertNoOverlap checks that source's events alternate start, end, start, end.
func assertNoOverlap(t *testing.T, events []Event, source string) {
	t.Helper()
	own := eventsFor(events, source)
	require.NotEmpty(t, own, source)
	for i, e := range own {
		want := EventStart
		if i%2 == 1 {
			want = EventEnd
		}
		assert.Equal(t, want, e.Kind, "%s event %d", source, i)
		if i > 0 {
			assert.False(t, e.At.Before(own[i-1].At), "%s event %d out of order", source, i)
		}
	}
}

func newDummyContainer(t *testing.T, events chan<- Event, opts ...ContainerOption) *ClientsContainer {
	t.Helper()
	logger := logging.NewTestLogger(t)
	var named []NamedClient
	for i := 1; i <= 2; i++ {
		name := fmt.Sprintf("c%d", i)
		joints := []string{fmt.Sprintf("j%d", 2*i-1), fmt.Sprintf("j%d", 2*i)}
		named = append(named, NamedClient{Name: name, Client: NewDummyJointTrajectoryClient(name, joints, logger, WithEvents(events))})
	}
	c, err := NewClientsContainer(named, append([]ContainerOption{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestClientsContainerSlicesAndDispatchesConcurrently(t *testing.T) {
	events := make(chan Event, 32)
	container := newDummyContainer(t, events)
	assert.Equal(t, []string{"j1", "j2", "j3", "j4"}, container.JointNames())
	assert.Equal(t, []string{"c1", "c2"}, container.Names())

	ctx := context.Background()
	start := time.Now()
	w, err := container.SendJointPositions(ctx, []float64{1, 2, 3, 4}, 200*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Await(ctx))
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 350*time.Millisecond, "sub-clients must move in parallel")

	got := drain(events)
	c1 := eventsFor(got, "c1")
	c2 := eventsFor(got, "c2")
	require.Len(t, c1, 2)
	require.Len(t, c2, 2)
	assert.Equal(t, []float64{1, 2}, c1[0].Positions)
	assert.Equal(t, []float64{3, 4}, c2[0].Positions)
	assert.Less(t, absDuration(c1[0].At.Sub(c2[0].At)), 100*time.Millisecond)

	current, err := container.CurrentJointPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, current)

	_, err = container.SendJointPositions(ctx, []float64{1, 2, 3}, time.Second)
	assert.True(t, IsLengthMismatch(err))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func TestClientsContainerSerializesPerSubClient(t *testing.T) {
	events := make(chan Event, 32)
	container := newDummyContainer(t, events)
	ctx := context.Background()

	first, err := container.SendJointPositions(ctx, []float64{1, 1, 1, 1}, 100*time.Millisecond)
	require.NoError(t, err)
	second, err := container.SendJointPositions(ctx, []float64{2, 2, 2, 2}, 50*time.Millisecond)
	require.NoError(t, err)
	third, err := container.SendJointPositionsTo(ctx, "c1", []float64{3, 3}, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, first.Await(ctx))
	require.NoError(t, second.Await(ctx))
	require.NoError(t, third.Await(ctx))

	got := drain(events)
	assertNoOverlap(t, got, "c1")
	assertNoOverlap(t, got, "c2")
	c1 := eventsFor(got, "c1")
	require.Len(t, c1, 6)
	assert.Equal(t, []float64{1, 1}, c1[0].Positions)
	assert.Equal(t, []float64{2, 2}, c1[2].Positions)
	assert.Equal(t, []float64{3, 3}, c1[4].Positions)

	_, err = container.SendJointPositionsTo(ctx, "nope", []float64{1, 1}, 0)
	assert.Error(t, err)
	_, err = container.SendJointPositionsTo(ctx, "c2", []float64{1}, 0)
	assert.True(t, IsLengthMismatch(err))
}

func TestClientsContainerCancelledCallerKeepsSlot(t *testing.T) {
	events := make(chan Event, 32)
	container := newDummyContainer(t, events)

	ctx, cancel := context.WithCancel(context.Background())
	first, err := container.SendJointPositionsTo(ctx, "c1", []float64{1, 1}, 300*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, first.Await(ctx), context.Canceled)

	second, err := container.SendJointPositionsTo(context.Background(), "c1", []float64{2, 2}, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, second.Await(context.Background()))
	require.NoError(t, first.Await(context.Background()))

	got := drain(events)
	assertNoOverlap(t, got, "c1")
	c1 := eventsFor(got, "c1")
	require.Len(t, c1, 4)
	assert.Equal(t, []float64{1, 1}, c1[0].Positions)
	assert.Equal(t, []float64{2, 2}, c1[2].Positions)

	positions, err := container.CurrentJointPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 0, 0}, positions)
}

func TestClientsContainerJointNamesIsACopy(t *testing.T) {
	container := newDummyContainer(t, nil)
	names := container.JointNames()
	names[0] = "changed"
	assert.Equal(t, []string{"j1", "j2", "j3", "j4"}, container.JointNames())
}

func TestClientsContainerPartialFailure(t *testing.T) {
	logger := logging.NewTestLogger(t)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	slow := NewDummyJointTrajectoryClient("slow", []string{"a"}, logger)
	stuck := &stuckClient{
		fixedClient: newFixedClient([]string{"b"}, []float64{0}),
		cond:        NewTotalJointDiffCondition(0.02, 20*time.Millisecond),
	}
	container, err := NewClientsContainer([]NamedClient{
		{Name: "slow", Client: slow},
		{Name: "stuck", Client: stuck},
	}, WithLogger(logger), WithMetrics(metrics))
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	w, err := container.SendJointPositions(ctx, []float64{1, 1}, 150*time.Millisecond)
	require.NoError(t, err)
	err = w.Await(ctx)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), `client "stuck"`)

	// The failure is reported only once the healthy sibling finished its motion.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	current, err := slow.CurrentJointPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, current)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatched.WithLabelValues("slow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatched.WithLabelValues("stuck")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.failed.WithLabelValues("slow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failed.WithLabelValues("stuck")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.timeouts.WithLabelValues("stuck")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.inFlight.WithLabelValues("stuck")))
}

func TestClientsContainerTrajectory(t *testing.T) {
	a := newRecordingClient([]string{"j1"}, []float64{0})
	b := newRecordingClient([]string{"j2", "j3"}, []float64{0, 0})
	container, err := NewClientsContainer([]NamedClient{{Name: "a", Client: a}, {Name: "b", Client: b}},
		WithLogger(logging.NewTestLogger(t)))
	require.NoError(t, err)

	ctx := context.Background()
	w, err := container.SendJointTrajectory(ctx, []TrajectoryPoint{
		{Positions: []float64{1, 2, 3}, Velocities: []float64{0.1, 0.2, 0.3}, TimeFromStart: time.Second},
		NewTrajectoryPoint([]float64{4, 5, 6}, 2*time.Second),
	})
	require.NoError(t, err)
	require.NoError(t, w.Await(ctx))

	require.Len(t, a.trajectory, 2)
	require.Len(t, b.trajectory, 2)
	assert.Equal(t, []float64{1}, a.trajectory[0].Positions)
	assert.Equal(t, []float64{0.1}, a.trajectory[0].Velocities)
	assert.Equal(t, []float64{2, 3}, b.trajectory[0].Positions)
	assert.Equal(t, []float64{0.2, 0.3}, b.trajectory[0].Velocities)
	assert.Equal(t, []float64{5, 6}, b.trajectory[1].Positions)
	assert.Nil(t, b.trajectory[1].Velocities)
	assert.Equal(t, 2*time.Second, b.trajectory[1].TimeFromStart)
}

func TestNewClientsContainerRejects(t *testing.T) {
	logger := logging.NewTestLogger(t)
	a := newFixedClient([]string{"j1", "j2"}, []float64{0, 0})
	b := newFixedClient([]string{"j2", "j3"}, []float64{0, 0})

	_, err := NewClientsContainer([]NamedClient{{Name: "a", Client: a}, {Name: "b", Client: b}}, WithLogger(logger))
	var dup *DuplicateJointError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "j2", dup.Name)

	_, err = NewClientsContainer([]NamedClient{{Name: "a", Client: a}, {Name: "a", Client: a}}, WithLogger(logger))
	assert.Error(t, err)

	_, err = NewClientsContainer([]NamedClient{{Name: "a"}}, WithLogger(logger))
	assert.Error(t, err)
}

// Four sub-clients and a speaker, each sub-client commanded twice in a row.
// Completion events must follow elapsed time, and a sub-client's second
// command never starts before its first one ended.
func TestClientsContainerFourClientScenario(t *testing.T) {
	logger := logging.NewTestLogger(t)
	events := make(chan Event, 64)
	var named []NamedClient
	for i := 1; i <= 4; i++ {
		name := fmt.Sprintf("c%d", i)
		joints := []string{fmt.Sprintf("j%d", 2*i-1), fmt.Sprintf("j%d", 2*i)}
		named = append(named, NamedClient{Name: name, Client: NewDummyJointTrajectoryClient(name, joints, logger, WithEvents(events))})
	}
	container, err := NewClientsContainer(named, WithLogger(logger))
	require.NoError(t, err)
	speaker := NewDummySpeaker("s1", 90*time.Millisecond, WithEvents(events))

	type step struct {
		positions []float64
		duration  time.Duration
	}
	plan := map[string][2]step{
		"c1": {{[]float64{1, -10}, 100 * time.Millisecond}, {[]float64{3, -10}, 300 * time.Millisecond}},
		"c2": {{[]float64{2, -10}, 200 * time.Millisecond}, {[]float64{4, -10}, 400 * time.Millisecond}},
		"c3": {{[]float64{2, -10}, 150 * time.Millisecond}, {[]float64{4, -10}, 300 * time.Millisecond}},
		"c4": {{[]float64{2, -10}, 300 * time.Millisecond}, {[]float64{4, -10}, 200 * time.Millisecond}},
	}

	ctx := context.Background()
	start := time.Now()
	var waits []*Wait
	for name, steps := range plan {
		for _, s := range steps {
			w, err := container.SendJointPositionsTo(ctx, name, s.positions, s.duration)
			require.NoError(t, err)
			waits = append(waits, w)
		}
	}
	spoken := Go(func() error {
		speaker.Speak("msg")
		return nil
	})
	for _, w := range waits {
		require.NoError(t, w.Await(ctx))
	}
	require.NoError(t, spoken.Await(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond)
	assert.Equal(t, "msg", speaker.Message())

	got := drain(events)
	require.Len(t, got, 18)
	for _, e := range got[:5] {
		assert.Equal(t, EventStart, e.Kind, "no order is guaranteed between the first starts")
	}

	type mark struct {
		source string
		kind   EventKind
	}
	expected := []mark{
		{"c1", EventEnd}, {"c1", EventStart},
		{"c3", EventEnd}, {"c3", EventStart},
		{"c2", EventEnd}, {"c2", EventStart},
		{"s1", EventEnd},
		{"c4", EventEnd}, {"c4", EventStart},
		{"c1", EventEnd},
		{"c3", EventEnd},
		{"c4", EventEnd},
		{"c2", EventEnd},
	}
	rest := got[5:]
	require.Len(t, rest, len(expected))
	for i, want := range expected {
		assert.Equal(t, want, mark{rest[i].Source, rest[i].Kind}, "event %d", i+5)
	}
	for _, name := range []string{"c1", "c2", "c3", "c4"} {
		assertNoOverlap(t, got, name)
		own := eventsFor(got, name)
		assert.Equal(t, plan[name][1].positions, own[2].Positions)
		assert.Equal(t, plan[name][1].duration, own[2].Duration)
	}
}
