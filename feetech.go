package jointctl

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// Feetech SCS/STS protocol.
const (
	instPing      = 0x01
	instRead      = 0x02
	instWrite     = 0x03
	instSyncWrite = 0x83

	addrTorqueEnable    = 40
	addrGoalPosition    = 42
	addrPresentPosition = 56

	pktHeader   = 0xFF
	broadcastID = 0xFE

	defaultBaudrate    = 1000000
	defaultReadTimeout = 100 * time.Millisecond
	maxServoSpeed      = 4094
)

// busPort is the part of serial.Port the bus needs.
type busPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

var _ busPort = serial.Port(nil)

// FeetechBus is one half-duplex serial bus. Transactions are serialized, so
// several FeetechBusClients may share a bus.
type FeetechBus struct {
	name   string
	port   busPort
	logger logging.Logger
	mu     sync.Mutex
}

// OpenFeetechBus opens portName at baudrate (1 Mbaud when zero).
func OpenFeetechBus(portName string, baudrate int, logger logging.Logger) (*FeetechBus, error) {
	if baudrate == 0 {
		baudrate = defaultBaudrate
	}
	mode := &serial.Mode{
		BaudRate: baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, connectionFailed(portName, errors.Wrap(err, "failed to open serial port"))
	}
	bus, err := newFeetechBus(portName, port, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	logger.Infof("opened feetech bus on %s at %d baud", portName, baudrate)
	return bus, nil
}

func newFeetechBus(name string, port busPort, logger logging.Logger) (*FeetechBus, error) {
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		return nil, connectionFailed(name, err)
	}
	return &FeetechBus{name: name, port: port, logger: logger}, nil
}

func (b *FeetechBus) Close() error {
	return b.port.Close()
}

func checksum(body []byte) byte {
	var sum byte
	for _, v := range body {
		sum += v
	}
	return ^sum
}

func encodePacket(id, instruction byte, params []byte) []byte {
	packet := []byte{pktHeader, pktHeader, id, byte(len(params) + 2), instruction}
	packet = append(packet, params...)
	return append(packet, checksum(packet[2:]))
}

// transact writes one instruction and, unless broadcast, reads the status reply.
func (b *FeetechBus) transact(id, instruction byte, params []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.port.Write(encodePacket(id, instruction, params)); err != nil {
		return nil, connectionFailed(b.name, errors.Wrap(err, "failed to write packet"))
	}
	if id == broadcastID {
		return nil, nil
	}
	return b.readStatus(id)
}

func (b *FeetechBus) readFull(buf []byte) error {
	for read := 0; read < len(buf); {
		n, err := b.port.Read(buf[read:])
		if err != nil {
			return connectionFailed(b.name, errors.Wrap(err, "failed to read response"))
		}
		if n == 0 {
			return connectionFailed(b.name, errors.New("read timed out"))
		}
		read += n
	}
	return nil
}

func (b *FeetechBus) readStatus(id byte) ([]byte, error) {
	head := make([]byte, 4)
	if err := b.readFull(head); err != nil {
		return nil, err
	}
	if head[0] != pktHeader || head[1] != pktHeader {
		return nil, connectionFailed(b.name, errors.Errorf("bad packet header % x", head[:2]))
	}
	if head[2] != id {
		return nil, connectionFailed(b.name, errors.Errorf("reply from servo %d, expected %d", head[2], id))
	}
	if head[3] < 2 {
		return nil, connectionFailed(b.name, errors.Errorf("servo %d: short packet length %d", id, head[3]))
	}
	body := make([]byte, head[3])
	if err := b.readFull(body); err != nil {
		return nil, err
	}
	sum := checksum(append(head[2:4:4], body[:len(body)-1]...))
	if sum != body[len(body)-1] {
		return nil, connectionFailed(b.name, errors.Errorf("servo %d: checksum mismatch", id))
	}
	if body[0] != 0 {
		return nil, errors.Errorf("servo %d reported error 0x%02x", id, body[0])
	}
	return body[1 : len(body)-1], nil
}

// Ping checks that servo id answers.
func (b *FeetechBus) Ping(id int) error {
	_, err := b.transact(byte(id), instPing, nil)
	return errors.Wrapf(err, "servo %d ping failed", id)
}

// SetTorque enables or disables holding torque on servo id.
func (b *FeetechBus) SetTorque(id int, enable bool) error {
	value := byte(0)
	if enable {
		value = 1
	}
	return b.WriteRegister(id, addrTorqueEnable, value)
}

// ReadPosition returns the raw present position of servo id.
func (b *FeetechBus) ReadPosition(id int) (int, error) {
	data, err := b.transact(byte(id), instRead, []byte{addrPresentPosition, 2})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read position from servo %d", id)
	}
	if len(data) < 2 {
		return 0, errors.Errorf("servo %d: expected 2 position bytes, got %d", id, len(data))
	}
	return int(binary.LittleEndian.Uint16(data)), nil
}

type servoGoal struct {
	id       int
	position int
	speed    int
}

// SyncWriteGoals writes goal position, goal time and goal speed for several
// servos in one broadcast packet.
func (b *FeetechBus) SyncWriteGoals(goals []servoGoal) error {
	params := []byte{addrGoalPosition, 6}
	for _, g := range goals {
		params = append(params, byte(g.id))
		params = binary.LittleEndian.AppendUint16(params, uint16(g.position))
		params = binary.LittleEndian.AppendUint16(params, 0)
		params = binary.LittleEndian.AppendUint16(params, uint16(g.speed))
	}
	_, err := b.transact(broadcastID, instSyncWrite, params)
	return err
}

// FeetechBusClient drives a group of servos on a FeetechBus as joints in radians.
type FeetechBusClient struct {
	bus          *FeetechBus
	jointNames   []string
	calibrations []ServoCalibration
	logger       logging.Logger

	mu   sync.Mutex
	cond CompleteCondition
}

var (
	_ JointTrajectoryClient   = (*FeetechBusClient)(nil)
	_ CompleteConditionSetter = (*FeetechBusClient)(nil)
)

// NewFeetechBusClient pings and tunes every servo and enables torque. calibrations are
// index-aligned to jointNames.
func NewFeetechBusClient(bus *FeetechBus, jointNames []string, calibrations []ServoCalibration, logger logging.Logger) (*FeetechBusClient, error) {
	if len(calibrations) != len(jointNames) {
		return nil, errors.Wrap(lengthMismatch(len(jointNames), len(calibrations)), "servo calibrations")
	}
	for i, cal := range calibrations {
		if err := cal.Validate(); err != nil {
			return nil, errors.Wrapf(err, "joint %q", jointNames[i])
		}
		if err := bus.Ping(cal.ID); err != nil {
			return nil, err
		}
		configureServo(bus, cal.ID, logger)
		if err := bus.SetTorque(cal.ID, true); err != nil {
			logger.Warnf("joint %q: %v", jointNames[i], err)
		}
	}
	return &FeetechBusClient{
		bus:          bus,
		jointNames:   append([]string(nil), jointNames...),
		calibrations: append([]ServoCalibration(nil), calibrations...),
		logger:       logger,
		cond:         DefaultTotalJointDiffCondition(),
	}, nil
}

func (c *FeetechBusClient) JointNames() []string {
	return append([]string(nil), c.jointNames...)
}

func (c *FeetechBusClient) SetCompleteCondition(cond CompleteCondition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cond = cond
}

func (c *FeetechBusClient) CurrentJointPositions(ctx context.Context) ([]float64, error) {
	positions := make([]float64, len(c.calibrations))
	for i, cal := range c.calibrations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := c.bus.ReadPosition(cal.ID)
		if err != nil {
			return nil, err
		}
		positions[i] = cal.ToRadians(raw)
	}
	return positions, nil
}

// SendJointPositions picks per-servo speeds so that every joint arrives after
// roughly duration. A zero duration moves at full speed.
func (c *FeetechBusClient) SendJointPositions(ctx context.Context, positions []float64, duration time.Duration) (*Wait, error) {
	if err := checkLength(c.jointNames, positions); err != nil {
		return nil, err
	}
	if err := c.writeGoals(positions, duration); err != nil {
		return nil, err
	}
	cond := c.completeCondition()
	return Go(func() error {
		return cond.Wait(ctx, c, positions, duration)
	}), nil
}

// SendJointTrajectory writes each point when its time comes and resolves once
// the last point is reached.
func (c *FeetechBusClient) SendJointTrajectory(ctx context.Context, trajectory []TrajectoryPoint) (*Wait, error) {
	if err := checkTrajectory(c.jointNames, trajectory); err != nil {
		return nil, err
	}
	if len(trajectory) == 0 {
		return Resolved(nil), nil
	}
	cond := c.completeCondition()
	return Go(func() error {
		start := time.Now()
		var previous time.Duration
		for _, p := range trajectory {
			if err := c.writeGoals(p.Positions, p.TimeFromStart-previous); err != nil {
				return err
			}
			previous = p.TimeFromStart
			if wait := time.Until(start.Add(p.TimeFromStart)); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		last := trajectory[len(trajectory)-1]
		return cond.Wait(ctx, c, last.Positions, 0)
	}), nil
}

func (c *FeetechBusClient) completeCondition() CompleteCondition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cond
}

func (c *FeetechBusClient) writeGoals(positions []float64, duration time.Duration) error {
	goals := make([]servoGoal, len(positions))
	var current []int
	if duration > 0 {
		current = make([]int, len(c.calibrations))
		for i, cal := range c.calibrations {
			raw, err := c.bus.ReadPosition(cal.ID)
			if err != nil {
				return err
			}
			current[i] = raw
		}
	}
	for i, cal := range c.calibrations {
		goal := cal.FromRadians(positions[i])
		goals[i] = servoGoal{id: cal.ID, position: goal}
		if current != nil {
			goals[i].speed = servoSpeed(current[i], goal, duration)
		}
	}
	c.logger.Debugf("feetech goals %v over %v", goals, duration)
	return c.bus.SyncWriteGoals(goals)
}

// servoSpeed is the tick rate that covers from -> to in duration, within [1, maxServoSpeed].
func servoSpeed(from, to int, duration time.Duration) int {
	ticks := math.Abs(float64(to - from))
	speed := int(math.Ceil(ticks / duration.Seconds()))
	if speed < 1 {
		return 1
	}
	if speed > maxServoSpeed {
		return maxServoSpeed
	}
	return speed
}
