package jointctl

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// Interpolation step of the urdf-viz sender loop.
const urdfVizSendInterval = 10 * time.Millisecond

// JointState is the urdf-viz wire representation of joint positions.
type JointState struct {
	Names     []string  `json:"names"`
	Positions []float64 `json:"positions"`
}

// BasePose is the urdf-viz wire representation of the robot origin.
// Quaternion is ordered w, x, y, z.
type BasePose struct {
	Position   [3]float64 `json:"position"`
	Quaternion [4]float64 `json:"quaternion"`
}

type rpcResult struct {
	IsOk   bool   `json:"is_ok"`
	Reason string `json:"reason"`
}

// RobotOrigin is a planar robot base pose.
type RobotOrigin struct {
	Position r3.Vector
	Yaw      float64
}

func (o RobotOrigin) toBasePose() BasePose {
	return BasePose{
		Position:   [3]float64{o.Position.X, o.Position.Y, o.Position.Z},
		Quaternion: [4]float64{math.Cos(o.Yaw / 2), 0, 0, math.Sin(o.Yaw / 2)},
	}
}

func (p BasePose) toRobotOrigin() RobotOrigin {
	w, x, y, z := p.Quaternion[0], p.Quaternion[1], p.Quaternion[2], p.Quaternion[3]
	return RobotOrigin{
		Position: r3.Vector{X: p.Position[0], Y: p.Position[1], Z: p.Position[2]},
		Yaw:      math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)),
	}
}

// UrdfVizWebClient drives a urdf-viz compatible simulator over its HTTP API.
//
// Sends only record the latest target; a single sender loop started with Start
// interpolates towards it and pushes intermediate positions, so a newer command
// replaces an older one instead of interleaving with it.
type UrdfVizWebClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     logging.Logger
	jointNames []string

	mu      sync.Mutex
	cond    CompleteCondition
	pending []TrajectoryPoint
	notify  chan struct{}
	cancel  context.CancelFunc
}

var (
	_ JointTrajectoryClient   = (*UrdfVizWebClient)(nil)
	_ CompleteConditionSetter = (*UrdfVizWebClient)(nil)
)

func newSimulatorHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// NewUrdfVizWebClient connects to the simulator at baseURL and learns its joint names.
func NewUrdfVizWebClient(ctx context.Context, baseURL string, logger logging.Logger) (*UrdfVizWebClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid simulator url %q", baseURL)
	}
	c := &UrdfVizWebClient{
		baseURL:    u,
		httpClient: newSimulatorHTTPClient(5 * time.Second),
		logger:     logger,
		cond:       DefaultTotalJointDiffCondition(),
		notify:     make(chan struct{}, 1),
	}
	state, err := c.jointState(ctx)
	if err != nil {
		return nil, err
	}
	c.jointNames = state.Names
	logger.Infof("connected to simulator at %s with joints %v", u, c.jointNames)
	return c, nil
}

// Start runs the sender loop until ctx ends or Close is called.
func (c *UrdfVizWebClient) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	utils.PanicCapturingGo(func() {
		c.run(ctx)
	})
}

// Close stops the sender loop.
func (c *UrdfVizWebClient) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *UrdfVizWebClient) JointNames() []string {
	return append([]string(nil), c.jointNames...)
}

func (c *UrdfVizWebClient) SetCompleteCondition(cond CompleteCondition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cond = cond
}

func (c *UrdfVizWebClient) CurrentJointPositions(ctx context.Context) ([]float64, error) {
	state, err := c.jointState(ctx)
	if err != nil {
		return nil, err
	}
	return state.Positions, nil
}

func (c *UrdfVizWebClient) SendJointPositions(ctx context.Context, positions []float64, duration time.Duration) (*Wait, error) {
	return c.SendJointTrajectory(ctx, []TrajectoryPoint{NewTrajectoryPoint(positions, duration)})
}

func (c *UrdfVizWebClient) SendJointTrajectory(ctx context.Context, trajectory []TrajectoryPoint) (*Wait, error) {
	if err := checkTrajectory(c.jointNames, trajectory); err != nil {
		return nil, err
	}
	if len(trajectory) == 0 {
		return Resolved(nil), nil
	}
	last := trajectory[len(trajectory)-1]

	c.mu.Lock()
	c.pending = append([]TrajectoryPoint(nil), trajectory...)
	cond := c.cond
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}

	return Go(func() error {
		return cond.Wait(ctx, c, last.Positions, last.TimeFromStart)
	}), nil
}

// RobotOrigin reads the simulated base pose.
func (c *UrdfVizWebClient) RobotOrigin(ctx context.Context) (RobotOrigin, error) {
	var pose BasePose
	if err := c.get(ctx, "get_robot_origin", &pose); err != nil {
		return RobotOrigin{}, err
	}
	return pose.toRobotOrigin(), nil
}

// SetRobotOrigin moves the simulated base.
func (c *UrdfVizWebClient) SetRobotOrigin(ctx context.Context, origin RobotOrigin) error {
	return c.post(ctx, "set_robot_origin", origin.toBasePose())
}

func (c *UrdfVizWebClient) takePending() []TrajectoryPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

func (c *UrdfVizWebClient) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		}
		for trajectory := c.takePending(); trajectory != nil; trajectory = c.takePending() {
			if err := c.follow(ctx, trajectory); err != nil {
				c.logger.Warnf("simulator trajectory aborted: %v", err)
			}
		}
	}
}

// follow interpolates linearly through trajectory. It returns early when a newer
// target arrives; the caller then picks that one up.
func (c *UrdfVizWebClient) follow(ctx context.Context, trajectory []TrajectoryPoint) error {
	start, err := c.CurrentJointPositions(ctx)
	if err != nil {
		return err
	}
	var elapsed time.Duration
	for _, point := range trajectory {
		segment := point.TimeFromStart - elapsed
		steps := int(segment / urdfVizSendInterval)
		if steps < 1 {
			steps = 1
		}
		for i := 1; i <= steps; i++ {
			ratio := float64(i) / float64(steps)
			next := make([]float64, len(start))
			for j := range next {
				next[j] = start[j] + (point.Positions[j]-start[j])*ratio
			}
			if err := c.post(ctx, "set_joint_positions", JointState{Names: c.jointNames, Positions: next}); err != nil {
				return err
			}
			if !utils.SelectContextOrWait(ctx, urdfVizSendInterval) {
				return ctx.Err()
			}
			if c.hasPending() {
				return nil
			}
		}
		start = point.Positions
		elapsed = point.TimeFromStart
	}
	return nil
}

func (c *UrdfVizWebClient) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func (c *UrdfVizWebClient) jointState(ctx context.Context) (JointState, error) {
	var state JointState
	if err := c.get(ctx, "get_joint_positions", &state); err != nil {
		return JointState{}, err
	}
	if len(state.Names) != len(state.Positions) {
		return JointState{}, lengthMismatch(len(state.Names), len(state.Positions))
	}
	return state, nil
}

func (c *UrdfVizWebClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath(path).String(), nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return c.do(req, out)
}

func (c *UrdfVizWebClient) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.WithStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath(path).String(), bytes.NewReader(data))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	var result rpcResult
	if err := c.do(req, &result); err != nil {
		return err
	}
	if !result.IsOk {
		return connectionFailed(c.baseURL.String(), errors.Errorf("%s rejected: %s", path, result.Reason))
	}
	return nil
}

func (c *UrdfVizWebClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return connectionFailed(c.baseURL.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return connectionFailed(c.baseURL.String(), errors.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode %s", req.URL.Path)
	}
	return nil
}
