package jointctl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"golang.org/x/sync/errgroup"
)

// NamedClient is one sub-client of a ClientsContainer.
type NamedClient struct {
	Name   string
	Client JointTrajectoryClient
}

// ContainerOption configures a ClientsContainer.
type ContainerOption func(*ClientsContainer)

// WithMetrics records per-sub-client command metrics.
func WithMetrics(m *Metrics) ContainerOption {
	return func(c *ClientsContainer) { c.metrics = m }
}

// WithLogger sets the container logger.
func WithLogger(logger logging.Logger) ContainerOption {
	return func(c *ClientsContainer) { c.logger = logger }
}

// ClientsContainer presents several sub-clients as one client whose joints are
// the concatenation of theirs, in entry order.
//
// Commands are split per sub-client and dispatched concurrently. Every
// sub-client has a single command slot: a command to a sub-client starts only
// after the previous command to that same sub-client resolved. A failing
// sub-client does not stop its siblings; the container reports the failure
// once every sub-client has resolved.
//
// The set of entries and the joint ordering never change after construction.
type ClientsContainer struct {
	entries    []*containerEntry
	byName     map[string]*containerEntry
	jointNames []string
	logger     logging.Logger
	metrics    *Metrics
}

type containerEntry struct {
	name   string
	client JointTrajectoryClient
	offset int
	dof    int
	slot   commandSlot
}

// commandSlot serializes commands to one sub-client in submission order.
type commandSlot struct {
	mu   sync.Mutex
	tail *Wait
}

// enqueue makes next the newest command and returns the one it must wait for.
func (s *commandSlot) enqueue(next *Wait) *Wait {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.tail
	s.tail = next
	return prev
}

var _ JointTrajectoryClient = (*ClientsContainer)(nil)

// NewClientsContainer fails on duplicate entry names or on a joint name that
// appears in more than one entry.
func NewClientsContainer(clients []NamedClient, opts ...ContainerOption) (*ClientsContainer, error) {
	c := &ClientsContainer{
		byName: make(map[string]*containerEntry, len(clients)),
		logger: logging.NewLogger("jointctl.container"),
	}
	for _, opt := range opts {
		opt(c)
	}

	seen := map[string]string{}
	for _, nc := range clients {
		if nc.Client == nil {
			return nil, errors.Errorf("client %q is nil", nc.Name)
		}
		if _, dup := c.byName[nc.Name]; dup {
			return nil, errors.Errorf("duplicate client name %q", nc.Name)
		}
		names := nc.Client.JointNames()
		for _, j := range names {
			if owner, dup := seen[j]; dup {
				return nil, errors.Wrapf(&DuplicateJointError{Name: j}, "clients %q and %q", owner, nc.Name)
			}
			seen[j] = nc.Name
		}
		e := &containerEntry{
			name:   nc.Name,
			client: nc.Client,
			offset: len(c.jointNames),
			dof:    len(names),
		}
		c.entries = append(c.entries, e)
		c.byName[nc.Name] = e
		c.jointNames = append(c.jointNames, names...)
	}
	c.logger.Infof("container with %d clients and %d joints", len(c.entries), len(c.jointNames))
	return c, nil
}

// Names returns the sub-client names in container order.
func (c *ClientsContainer) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Client returns the sub-client registered under name.
func (c *ClientsContainer) Client(name string) (JointTrajectoryClient, bool) {
	e, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Entries returns the sub-clients in container order.
func (c *ClientsContainer) Entries() []NamedClient {
	out := make([]NamedClient, len(c.entries))
	for i, e := range c.entries {
		out[i] = NamedClient{Name: e.name, Client: e.client}
	}
	return out
}

func (c *ClientsContainer) JointNames() []string {
	return append([]string(nil), c.jointNames...)
}

// CurrentJointPositions concatenates every sub-client's readback. The values are
// sampled one sub-client after another, not as one atomic snapshot.
func (c *ClientsContainer) CurrentJointPositions(ctx context.Context) ([]float64, error) {
	out := make([]float64, 0, len(c.jointNames))
	for _, e := range c.entries {
		p, err := e.client.CurrentJointPositions(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "client %q", e.name)
		}
		if len(p) != e.dof {
			return nil, errors.Wrapf(lengthMismatch(e.dof, len(p)), "client %q", e.name)
		}
		out = append(out, p...)
	}
	return out, nil
}

func (c *ClientsContainer) SendJointPositions(ctx context.Context, positions []float64, duration time.Duration) (*Wait, error) {
	if err := checkLength(c.jointNames, positions); err != nil {
		return nil, err
	}
	mctx := motionContext(ctx)
	id := uuid.New()
	return c.dispatch(mctx, id, func(e *containerEntry) (*Wait, error) {
		part := append([]float64(nil), positions[e.offset:e.offset+e.dof]...)
		return e.client.SendJointPositions(mctx, part, duration)
	}), nil
}

func (c *ClientsContainer) SendJointTrajectory(ctx context.Context, trajectory []TrajectoryPoint) (*Wait, error) {
	if err := checkTrajectory(c.jointNames, trajectory); err != nil {
		return nil, err
	}
	mctx := motionContext(ctx)
	id := uuid.New()
	return c.dispatch(mctx, id, func(e *containerEntry) (*Wait, error) {
		points := make([]TrajectoryPoint, len(trajectory))
		for i, p := range trajectory {
			points[i] = TrajectoryPoint{
				Positions:     append([]float64(nil), p.Positions[e.offset:e.offset+e.dof]...),
				TimeFromStart: p.TimeFromStart,
			}
			if len(p.Velocities) != 0 {
				points[i].Velocities = append([]float64(nil), p.Velocities[e.offset:e.offset+e.dof]...)
			}
		}
		return e.client.SendJointTrajectory(mctx, points)
	}), nil
}

// SendJointPositionsTo commands a single sub-client through its command slot, so
// it queues behind container-wide commands to that sub-client and vice versa.
func (c *ClientsContainer) SendJointPositionsTo(ctx context.Context, name string, positions []float64, duration time.Duration) (*Wait, error) {
	e, ok := c.byName[name]
	if !ok {
		return nil, errors.Errorf("no client named %q", name)
	}
	if len(positions) != e.dof {
		return nil, errors.Wrapf(lengthMismatch(e.dof, len(positions)), "client %q", name)
	}
	positions = append([]float64(nil), positions...)
	mctx := motionContext(ctx)
	return c.enqueue(mctx, uuid.New(), e, func(e *containerEntry) (*Wait, error) {
		return e.client.SendJointPositions(mctx, positions, duration)
	}), nil
}

// SendJointTrajectoryTo is SendJointPositionsTo for trajectories.
func (c *ClientsContainer) SendJointTrajectoryTo(ctx context.Context, name string, trajectory []TrajectoryPoint) (*Wait, error) {
	e, ok := c.byName[name]
	if !ok {
		return nil, errors.Errorf("no client named %q", name)
	}
	if err := checkTrajectory(e.client.JointNames(), trajectory); err != nil {
		return nil, errors.Wrapf(err, "client %q", name)
	}
	mctx := motionContext(ctx)
	return c.enqueue(mctx, uuid.New(), e, func(e *containerEntry) (*Wait, error) {
		return e.client.SendJointTrajectory(mctx, trajectory)
	}), nil
}

// motionContext keeps ctx's values but not its cancellation. A started command
// runs until its backend converges or times out; callers stop waiting with
// Wait.Await instead.
func motionContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// dispatch hands one command per entry to that entry's slot and joins them.
func (c *ClientsContainer) dispatch(ctx context.Context, id uuid.UUID, send func(*containerEntry) (*Wait, error)) *Wait {
	var g errgroup.Group
	for _, e := range c.entries {
		w := c.enqueue(ctx, id, e, send)
		g.Go(func() error {
			<-w.Done()
			return w.Err()
		})
	}
	return Go(g.Wait)
}

func (c *ClientsContainer) enqueue(ctx context.Context, id uuid.UUID, e *containerEntry, send func(*containerEntry) (*Wait, error)) *Wait {
	done := newWait()
	prev := e.slot.enqueue(done)
	go func() {
		if prev != nil {
			<-prev.Done()
		}
		done.resolve(c.run(ctx, id, e, send))
	}()
	return done
}

// run executes one command on one entry and holds the slot until the backend
// resolves it. ctx carries no cancellation, see motionContext.
func (c *ClientsContainer) run(ctx context.Context, id uuid.UUID, e *containerEntry, send func(*containerEntry) (*Wait, error)) error {
	start := time.Now()
	c.metrics.commandStarted(e.name)
	c.logger.Debugw("dispatch", "command", id.String(), "client", e.name)

	w, err := send(e)
	if err == nil {
		<-w.Done()
		err = w.Err()
	}

	c.metrics.commandFinished(e.name, time.Since(start), err)
	if err != nil {
		c.logger.Warnf("command %s on client %q failed: %v", id, e.name, err)
		return errors.Wrapf(err, "client %q", e.name)
	}
	c.logger.Debugw("resolved", "command", id.String(), "client", e.name, "elapsed", time.Since(start))
	return nil
}
