package jointctl

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.viam.com/rdk/logging"
)

// Backend types accepted in BackendConfig.Type.
const (
	BackendDummy   = "dummy"
	BackendUrdfViz = "urdf_viz"
	BackendFeetech = "feetech"
	BackendFakeArm = "fake_arm"
)

const (
	configEnvPrefix               = "JOINTCTL"
	defaultCompleteAllowableError = 0.02
	defaultCompleteTimeout        = 100 * time.Millisecond
)

// BackendConfig describes one full-robot backend.
type BackendConfig struct {
	Name            string   `mapstructure:"name" yaml:"name"`
	Type            string   `mapstructure:"type" yaml:"type"`
	Address         string   `mapstructure:"address" yaml:"address,omitempty"`
	Baudrate        int      `mapstructure:"baudrate" yaml:"baudrate,omitempty"`
	JointNames      []string `mapstructure:"joint_names" yaml:"joint_names,omitempty"`
	ServoIDs        []int    `mapstructure:"servo_ids" yaml:"servo_ids,omitempty"`
	CalibrationFile string   `mapstructure:"calibration_file" yaml:"calibration_file,omitempty"`
	ArmModel        string   `mapstructure:"arm_model" yaml:"arm_model,omitempty"`
}

// ClientConfig describes one logical joint group over a backend.
type ClientConfig struct {
	Name                         string    `mapstructure:"name"`
	Backend                      string    `mapstructure:"backend"`
	JointNames                   []string  `mapstructure:"joint_names"`
	WrapWithJointVelocityLimiter bool      `mapstructure:"wrap_with_joint_velocity_limiter"`
	JointVelocityLimits          []float64 `mapstructure:"joint_velocity_limits"`
}

// RobotConfig is read once at startup.
type RobotConfig struct {
	SpeakCommand           bool            `mapstructure:"speak_command"`
	CompleteAllowableError float64         `mapstructure:"complete_allowable_error"`
	CompleteTimeout        time.Duration   `mapstructure:"complete_timeout"`
	MetricsAddr            string          `mapstructure:"metrics_addr"`
	Backends               []BackendConfig `mapstructure:"backends"`
	Clients                []ClientConfig  `mapstructure:"clients"`
}

// LoadRobotConfig reads path (format chosen by extension) and applies
// JOINTCTL_* environment overrides to scalar keys.
func LoadRobotConfig(path string) (*RobotConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(configEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("speak_command", false)
	v.SetDefault("complete_allowable_error", defaultCompleteAllowableError)
	v.SetDefault("complete_timeout", defaultCompleteTimeout)
	v.SetDefault("metrics_addr", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	var cfg RobotConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and rejects configs that cannot be built.
func (cfg *RobotConfig) Validate() error {
	if cfg.CompleteAllowableError == 0 {
		cfg.CompleteAllowableError = defaultCompleteAllowableError
	}
	if cfg.CompleteTimeout == 0 {
		cfg.CompleteTimeout = defaultCompleteTimeout
	}
	if cfg.CompleteAllowableError < 0 || cfg.CompleteTimeout < 0 {
		return errors.New("complete_allowable_error and complete_timeout must not be negative")
	}
	if len(cfg.Backends) == 0 {
		return errors.New("at least one backend must be configured")
	}

	backends := map[string]bool{}
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.Name == "" {
			return errors.Errorf("backend %d has no name", i)
		}
		if backends[b.Name] {
			return errors.Errorf("duplicate backend name %q", b.Name)
		}
		backends[b.Name] = true

		switch b.Type {
		case BackendDummy:
			if len(b.JointNames) == 0 {
				return errors.Errorf("backend %q: dummy backend needs joint_names", b.Name)
			}
		case BackendUrdfViz:
			if b.Address == "" {
				b.Address = "http://127.0.0.1:7777"
			}
		case BackendFeetech:
			if b.Address == "" {
				return errors.Errorf("backend %q: serial port must be specified in address", b.Name)
			}
			if b.Baudrate == 0 {
				b.Baudrate = defaultBaudrate
			}
			if len(b.JointNames) == 0 {
				return errors.Errorf("backend %q: feetech backend needs joint_names", b.Name)
			}
			if len(b.ServoIDs) == 0 {
				for id := 1; id <= len(b.JointNames); id++ {
					b.ServoIDs = append(b.ServoIDs, id)
				}
			}
			if len(b.ServoIDs) != len(b.JointNames) {
				return errors.Errorf("backend %q: %d servo_ids for %d joints", b.Name, len(b.ServoIDs), len(b.JointNames))
			}
		case BackendFakeArm:
			if b.ArmModel == "" {
				b.ArmModel = "ur5e"
			}
			if len(b.JointNames) == 0 {
				return errors.Errorf("backend %q: fake_arm backend needs joint_names", b.Name)
			}
		default:
			return errors.Errorf("backend %q: unknown type %q", b.Name, b.Type)
		}
	}

	if len(cfg.Clients) == 0 {
		return errors.New("at least one client must be configured")
	}
	clients := map[string]bool{}
	for i, c := range cfg.Clients {
		if c.Name == "" {
			return errors.Errorf("client %d has no name", i)
		}
		if clients[c.Name] {
			return errors.Errorf("duplicate client name %q", c.Name)
		}
		clients[c.Name] = true
		if !backends[c.Backend] {
			return errors.Errorf("client %q: unknown backend %q", c.Name, c.Backend)
		}
		if len(c.JointNames) == 0 {
			return errors.Errorf("client %q: joint_names must not be empty", c.Name)
		}
		if c.WrapWithJointVelocityLimiter && len(c.JointVelocityLimits) != len(c.JointNames) {
			return errors.Errorf("client %q: %d joint_velocity_limits for %d joints",
				c.Name, len(c.JointVelocityLimits), len(c.JointNames))
		}
	}
	return nil
}

func (cfg *RobotConfig) completeCondition() CompleteCondition {
	return NewTotalJointDiffCondition(cfg.CompleteAllowableError, cfg.CompleteTimeout)
}

// CreateJointTrajectoryClients builds one partial client per config over full,
// optionally wrapped by a velocity limiter. When several configs share full,
// the views share their commanded targets and, if cond is not nil, judge
// completion on their own joints with cond.
func CreateJointTrajectoryClients(
	configs []ClientConfig,
	full JointTrajectoryClient,
	cond CompleteCondition,
	metrics *Metrics,
	logger logging.Logger,
) ([]NamedClient, error) {
	var opts []PartialOption
	if len(configs) > 1 {
		opts = append(opts, WithSharedTargets(NewSharedTargets()))
		if cond != nil {
			opts = append(opts, WithPartialCompleteCondition(cond))
		}
	}
	named := make([]NamedClient, 0, len(configs))
	for _, c := range configs {
		partial, err := NewPartialJointTrajectoryClient(c.JointNames, full, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "client %q", c.Name)
		}
		var client JointTrajectoryClient = partial
		if c.WrapWithJointVelocityLimiter {
			limiter, err := NewJointVelocityLimiter(partial, c.JointVelocityLimits, logger.Sublogger(c.Name))
			if err != nil {
				return nil, errors.Wrapf(err, "client %q", c.Name)
			}
			limiter.SetMetrics(metrics)
			client = limiter
		}
		named = append(named, NamedClient{Name: c.Name, Client: client})
	}
	return named, nil
}

// Robot is everything BuildRobot assembled.
type Robot struct {
	Container *ClientsContainer
	Speaker   Speaker
	Metrics   *Metrics

	registry    *BackendRegistry
	ownRegistry bool
	shared      []string
	arms        []*ArmJointClient
}

// Close releases every shared backend. A robot from BuildRobot is the only
// holder of its registry, so a backend still open after the releases has a
// leaked reference and is force-closed.
func (r *Robot) Close() {
	for _, key := range r.shared {
		r.registry.Release(key)
	}
	if r.ownRegistry {
		for _, key := range r.shared {
			refs, open := r.registry.Status(key)
			if !open {
				continue
			}
			r.registry.logger.Warnf("backend %s still has %d references after release, forcing close", key, refs)
			if err := r.registry.ForceClose(key); err != nil {
				r.registry.logger.Warnf("error force closing backend %s: %v", key, err)
			}
		}
	}
	r.shared = nil
	for _, a := range r.arms {
		if err := a.Close(context.Background()); err != nil {
			r.registry.logger.Warnf("error closing arm: %v", err)
		}
	}
	r.arms = nil
}

// BuildRobot constructs the backends, the per-group clients and the container.
// Metrics are registered on reg when it is not nil.
func BuildRobot(ctx context.Context, cfg *RobotConfig, reg prometheus.Registerer, logger logging.Logger) (*Robot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	robot, err := buildRobot(ctx, cfg, reg, NewBackendRegistry(logger), logger)
	if err != nil {
		return nil, err
	}
	robot.ownRegistry = true
	return robot, nil
}

func buildRobot(ctx context.Context, cfg *RobotConfig, reg prometheus.Registerer, registry *BackendRegistry, logger logging.Logger) (_ *Robot, err error) {
	robot := &Robot{registry: registry}
	defer func() {
		if err != nil {
			robot.Close()
		}
	}()

	if reg != nil {
		if robot.Metrics, err = NewMetrics(reg); err != nil {
			return nil, err
		}
	}

	backends := make(map[string]JointTrajectoryClient, len(cfg.Backends))
	for _, b := range cfg.Backends {
		full, err := robot.openBackend(ctx, cfg, b, logger.Sublogger(b.Name))
		if err != nil {
			return nil, errors.Wrapf(err, "backend %q", b.Name)
		}
		if setter, ok := full.(CompleteConditionSetter); ok {
			setter.SetCompleteCondition(cfg.completeCondition())
		}
		backends[b.Name] = full
	}

	byBackend := map[string][]ClientConfig{}
	for _, c := range cfg.Clients {
		byBackend[c.Backend] = append(byBackend[c.Backend], c)
	}
	built := map[string]JointTrajectoryClient{}
	for _, b := range cfg.Backends {
		clients, err := CreateJointTrajectoryClients(byBackend[b.Name], backends[b.Name], cfg.completeCondition(), robot.Metrics, logger)
		if err != nil {
			return nil, err
		}
		for _, nc := range clients {
			built[nc.Name] = nc.Client
		}
	}
	named := make([]NamedClient, len(cfg.Clients))
	for i, c := range cfg.Clients {
		named[i] = NamedClient{Name: c.Name, Client: built[c.Name]}
	}

	robot.Container, err = NewClientsContainer(named,
		WithMetrics(robot.Metrics),
		WithLogger(logger.Sublogger("container")))
	if err != nil {
		return nil, err
	}

	if cfg.SpeakCommand {
		robot.Speaker = NewLocalCommandSpeaker(logger.Sublogger("speaker"))
	} else {
		robot.Speaker = NewPrintSpeaker(logger.Sublogger("speaker"))
	}
	return robot, nil
}

func (r *Robot) openBackend(ctx context.Context, cfg *RobotConfig, b BackendConfig, logger logging.Logger) (JointTrajectoryClient, error) {
	switch b.Type {
	case BackendUrdfViz:
		sim, err := r.registry.UrdfViz(ctx, b.Address)
		if err != nil {
			return nil, err
		}
		r.shared = append(r.shared, b.Address)
		return sim, nil
	case BackendFeetech:
		bus, err := r.registry.FeetechBus(b.Address, b.Baudrate)
		if err != nil {
			return nil, err
		}
		r.shared = append(r.shared, b.Address)
		cals, err := servoCalibrations(b, logger)
		if err != nil {
			return nil, err
		}
		return NewFeetechBusClient(bus, b.JointNames, cals, logger)
	case BackendFakeArm:
		a, err := NewFakeArmClient(ctx, b.Name, b.ArmModel, b.JointNames, logger)
		if err != nil {
			return nil, err
		}
		r.arms = append(r.arms, a)
		return a, nil
	default:
		return NewDummyJointTrajectoryClient(b.Name, b.JointNames, logger), nil
	}
}

// servoCalibrations uses the calibration file when given, otherwise full range
// per servo. Joints missing from the file also get the full range.
func servoCalibrations(b BackendConfig, logger logging.Logger) ([]ServoCalibration, error) {
	var fromFile map[string]ServoCalibration
	if b.CalibrationFile != "" {
		var err error
		if fromFile, err = LoadCalibrationFile(b.CalibrationFile, logger); err != nil {
			return nil, err
		}
	}
	cals := make([]ServoCalibration, len(b.JointNames))
	for i, name := range b.JointNames {
		cal, ok := fromFile[name]
		if !ok {
			cal = DefaultServoCalibration(b.ServoIDs[i])
		}
		cal.ID = b.ServoIDs[i]
		cals[i] = cal
	}
	return cals, nil
}
