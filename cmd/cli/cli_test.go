package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dummyRobot = `
backends:
  - {name: arm, type: dummy, joint_names: [a, b, c]}
clients:
  - {name: left, backend: arm, joint_names: [a]}
  - {name: right, backend: arm, joint_names: [b, c]}
`

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestPositions(t *testing.T) {
	config := writeFile(t, "robot.yaml", dummyRobot)
	stdout, _, err := executeCLI(t, "--config", config, "positions")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "a "))
	assert.Contains(t, lines[2], "0.0000")
}

func TestMove(t *testing.T) {
	config := writeFile(t, "robot.yaml", dummyRobot)
	stdout, _, err := executeCLI(t, "-c", config, "move", "--positions=1,-2,3", "--duration", "20ms")
	require.NoError(t, err)
	assert.Equal(t, "done\n", stdout)

	stdout, _, err = executeCLI(t, "-c", config, "move", "--client", "right", "--positions=1,2", "--duration", "20ms")
	require.NoError(t, err)
	assert.Equal(t, "done\n", stdout)

	_, _, err = executeCLI(t, "-c", config, "move", "--positions=1,2", "--duration", "20ms")
	assert.Error(t, err)

	_, _, err = executeCLI(t, "-c", config, "move")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "positions" not set`)
}

func TestTrajectory(t *testing.T) {
	config := writeFile(t, "robot.yaml", dummyRobot)
	trajectory := writeFile(t, "wave.yaml", `
points:
  - {positions: [0.1, 0.2, 0.3], time_from_start: 20ms}
  - {positions: [0.2, 0.4, 0.6], velocities: [0, 0, 0], time_from_start: 40ms}
`)
	stdout, _, err := executeCLI(t, "-c", config, "trajectory", "-f", trajectory)
	require.NoError(t, err)
	assert.Equal(t, "done (2 points)\n", stdout)

	empty := writeFile(t, "empty.yaml", "points: []\n")
	_, _, err = executeCLI(t, "-c", config, "trajectory", "-f", empty)
	assert.Error(t, err)
}

func TestSpeakPrintsThroughLogger(t *testing.T) {
	config := writeFile(t, "robot.yaml", dummyRobot)
	_, _, err := executeCLI(t, "-c", config, "speak", "hello", "there")
	assert.NoError(t, err)
}

func TestMissingConfig(t *testing.T) {
	_, _, err := executeCLI(t, "-c", filepath.Join(t.TempDir(), "nope.yaml"), "positions")
	assert.Error(t, err)
}

func TestBadLogLevel(t *testing.T) {
	_, _, err := executeCLI(t, "--log-level", "loud", "demo")
	assert.Error(t, err)
}

func TestDemo(t *testing.T) {
	stdout, _, err := executeCLI(t, "--log-level", "warn", "demo")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 18)
	assert.Contains(t, stdout, `s1 start "msg"`)
	assert.True(t, strings.HasSuffix(lines[len(lines)-1], "c2 end"))
}
