package jointctl

import (
	"context"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
)

// EventKind distinguishes the two ends of a recorded operation.
type EventKind int

const (
	EventStart EventKind = iota
	EventEnd
)

func (k EventKind) String() string {
	if k == EventStart {
		return "start"
	}
	return "end"
}

// Event is pushed by dummy backends when a motion or utterance begins and ends.
type Event struct {
	Source    string
	Kind      EventKind
	Positions []float64
	Duration  time.Duration
	Message   string
	At        time.Time
}

// DummyOption configures dummy backends.
type DummyOption func(*dummyOptions)

type dummyOptions struct {
	events chan<- Event
	cond   CompleteCondition
}

// WithEvents makes the backend push start/end events to ch. Sends block, so ch
// must be buffered or drained.
func WithEvents(ch chan<- Event) DummyOption {
	return func(o *dummyOptions) { o.events = ch }
}

// WithCompleteCondition replaces the default completion condition.
func WithCompleteCondition(cond CompleteCondition) DummyOption {
	return func(o *dummyOptions) { o.cond = cond }
}

// DummyJointTrajectoryClient is an in-memory backend. A command moves it by
// sleeping for the commanded duration and then jumping to the target.
//
// Each joint follows the newest command that changed its goal. A joint whose
// goal a newer command leaves unchanged keeps moving under the older command,
// so a superseded target is never applied.
type DummyJointTrajectoryClient struct {
	name       string
	jointNames []string
	logger     logging.Logger
	events     chan<- Event

	mu        sync.RWMutex
	positions [][]float64
	cond      CompleteCondition
	goals     []float64
	owners    []uint64
	commands  uint64
}

var (
	_ JointTrajectoryClient   = (*DummyJointTrajectoryClient)(nil)
	_ CompleteConditionSetter = (*DummyJointTrajectoryClient)(nil)
)

// NewDummyJointTrajectoryClient creates a backend whose joints all start at zero.
func NewDummyJointTrajectoryClient(name string, jointNames []string, logger logging.Logger, opts ...DummyOption) *DummyJointTrajectoryClient {
	o := dummyOptions{cond: DefaultTotalJointDiffCondition()}
	for _, opt := range opts {
		opt(&o)
	}
	return &DummyJointTrajectoryClient{
		name:       name,
		jointNames: append([]string(nil), jointNames...),
		logger:     logger,
		events:     o.events,
		positions:  [][]float64{make([]float64, len(jointNames))},
		cond:       o.cond,
		goals:      make([]float64, len(jointNames)),
		owners:     make([]uint64, len(jointNames)),
	}
}

// Name returns the backend name used in events.
func (d *DummyJointTrajectoryClient) Name() string {
	return d.name
}

func (d *DummyJointTrajectoryClient) JointNames() []string {
	return append([]string(nil), d.jointNames...)
}

func (d *DummyJointTrajectoryClient) CurrentJointPositions(ctx context.Context) ([]float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]float64(nil), d.positions[len(d.positions)-1]...), nil
}

// History returns every position the backend has reached, oldest first.
func (d *DummyJointTrajectoryClient) History() [][]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([][]float64, len(d.positions))
	for i, p := range d.positions {
		out[i] = append([]float64(nil), p...)
	}
	return out
}

func (d *DummyJointTrajectoryClient) SetCompleteCondition(cond CompleteCondition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cond = cond
}

func (d *DummyJointTrajectoryClient) condition() CompleteCondition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cond
}

func (d *DummyJointTrajectoryClient) SendJointPositions(ctx context.Context, positions []float64, duration time.Duration) (*Wait, error) {
	if err := checkLength(d.jointNames, positions); err != nil {
		return nil, err
	}
	target := append([]float64(nil), positions...)
	d.logger.Debugf("%s: moving to %v over %v", d.name, target, duration)

	id := d.claim(target)
	go func() {
		d.emit(Event{Source: d.name, Kind: EventStart, Positions: target, Duration: duration})
		time.Sleep(duration)
		d.emit(Event{Source: d.name, Kind: EventEnd})
		d.apply(id, target)
	}()

	cond := d.condition()
	return Go(func() error {
		return cond.Wait(ctx, d, target, duration)
	}), nil
}

func (d *DummyJointTrajectoryClient) SendJointTrajectory(ctx context.Context, trajectory []TrajectoryPoint) (*Wait, error) {
	if err := checkTrajectory(d.jointNames, trajectory); err != nil {
		return nil, err
	}
	if len(trajectory) == 0 {
		return Resolved(nil), nil
	}
	points := make([]TrajectoryPoint, len(trajectory))
	for i, p := range trajectory {
		points[i] = TrajectoryPoint{Positions: append([]float64(nil), p.Positions...), TimeFromStart: p.TimeFromStart}
	}
	last := points[len(points)-1]

	waypoints := make([][]float64, len(points))
	for i, p := range points {
		waypoints[i] = p.Positions
	}
	id := d.claim(waypoints...)
	go func() {
		start := time.Now()
		d.emit(Event{Source: d.name, Kind: EventStart, Positions: last.Positions, Duration: last.TimeFromStart})
		for _, p := range points {
			time.Sleep(time.Until(start.Add(p.TimeFromStart)))
			d.apply(id, p.Positions)
		}
		d.emit(Event{Source: d.name, Kind: EventEnd})
	}()

	cond := d.condition()
	return Go(func() error {
		return cond.Wait(ctx, d, last.Positions, last.TimeFromStart)
	}), nil
}

// claim registers a new command and hands it every joint that one of its
// waypoints moves away from the current goal. The last waypoint becomes the goal.
func (d *DummyJointTrajectoryClient) claim(waypoints ...[]float64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands++
	last := waypoints[len(waypoints)-1]
	for i := range d.goals {
		for _, w := range waypoints {
			if w[i] != d.goals[i] {
				d.owners[i] = d.commands
				break
			}
		}
		d.goals[i] = last[i]
	}
	return d.commands
}

// apply moves the joints command id still owns to positions.
func (d *DummyJointTrajectoryClient) apply(id uint64, positions []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.positions[len(d.positions)-1]
	next := append([]float64(nil), current...)
	changed := false
	for i, p := range positions {
		if d.owners[i] == id && next[i] != p {
			next[i] = p
			changed = true
		}
	}
	if changed {
		d.positions = append(d.positions, next)
	}
}

func (d *DummyJointTrajectoryClient) emit(e Event) {
	if d.events == nil {
		return
	}
	e.At = time.Now()
	d.events <- e
}

// DummySpeaker remembers what it was asked to say. With a per-character delay it
// blocks like a real synthesizer would.
type DummySpeaker struct {
	name    string
	perChar time.Duration
	events  chan<- Event

	mu      sync.Mutex
	message string
}

var _ Speaker = (*DummySpeaker)(nil)

// NewDummySpeaker creates a speaker. perChar may be zero.
func NewDummySpeaker(name string, perChar time.Duration, opts ...DummyOption) *DummySpeaker {
	var o dummyOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &DummySpeaker{name: name, perChar: perChar, events: o.events}
}

func (s *DummySpeaker) Speak(message string) {
	s.emit(Event{Source: s.name, Kind: EventStart, Message: message})
	time.Sleep(time.Duration(len(message)) * s.perChar)
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
	s.emit(Event{Source: s.name, Kind: EventEnd})
}

// Message returns the last spoken message.
func (s *DummySpeaker) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

func (s *DummySpeaker) emit(e Event) {
	if s.events == nil {
		return
	}
	e.At = time.Now()
	s.events <- e
}
