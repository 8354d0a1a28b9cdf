package jointctl

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// SimulatorState is an in-memory robot exposing the urdf-viz HTTP API. Posted
// joint positions are applied instantly.
type SimulatorState struct {
	mu        sync.Mutex
	names     []string
	positions []float64
	origin    BasePose
	posts     int
}

// NewSimulatorState starts every joint at zero with an identity origin.
func NewSimulatorState(jointNames []string) *SimulatorState {
	return &SimulatorState{
		names:     append([]string(nil), jointNames...),
		positions: make([]float64, len(jointNames)),
		origin:    BasePose{Quaternion: [4]float64{1, 0, 0, 0}},
	}
}

// Positions returns a copy of the current joint positions.
func (s *SimulatorState) Positions() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.positions...)
}

// Posts counts accepted set_joint_positions requests.
func (s *SimulatorState) Posts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts
}

// NewSimulatorApp serves state on the urdf-viz routes. middleware runs before
// every route.
func NewSimulatorApp(state *SimulatorState, middleware ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "jointctl-simserver",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	for _, m := range middleware {
		app.Use(m)
	}

	app.Get("/get_joint_positions", func(c *fiber.Ctx) error {
		state.mu.Lock()
		defer state.mu.Unlock()
		return c.JSON(JointState{Names: state.names, Positions: state.positions})
	})

	app.Post("/set_joint_positions", func(c *fiber.Ctx) error {
		var req JointState
		if err := c.BodyParser(&req); err != nil {
			return c.JSON(rpcResult{Reason: err.Error()})
		}
		state.mu.Lock()
		defer state.mu.Unlock()
		if len(req.Names) != len(req.Positions) {
			return c.JSON(rpcResult{Reason: "names and positions differ in length"})
		}
		index := make(map[string]int, len(state.names))
		for i, n := range state.names {
			index[n] = i
		}
		for i, n := range req.Names {
			j, ok := index[n]
			if !ok {
				return c.JSON(rpcResult{Reason: "unknown joint " + n})
			}
			state.positions[j] = req.Positions[i]
		}
		state.posts++
		return c.JSON(rpcResult{IsOk: true})
	})

	app.Get("/get_robot_origin", func(c *fiber.Ctx) error {
		state.mu.Lock()
		defer state.mu.Unlock()
		return c.JSON(state.origin)
	})

	app.Post("/set_robot_origin", func(c *fiber.Ctx) error {
		var req BasePose
		if err := c.BodyParser(&req); err != nil {
			return c.JSON(rpcResult{Reason: err.Error()})
		}
		state.mu.Lock()
		state.origin = req
		state.mu.Unlock()
		return c.JSON(rpcResult{IsOk: true})
	})

	return app
}
