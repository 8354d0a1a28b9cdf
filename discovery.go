package jointctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
)

// DiscoveredPort is a candidate serial port and the servos that answered on it.
type DiscoveredPort struct {
	Port     string
	Product  string
	ServoIDs []int
}

// Backend returns a feetech backend entry for the port. Joints are named after
// their servo ids.
func (d DiscoveredPort) Backend(calibrationDir string, logger logging.Logger) BackendConfig {
	suffix := extractPortSuffix(d.Port)
	names := make([]string, len(d.ServoIDs))
	for i, id := range d.ServoIDs {
		names[i] = fmt.Sprintf("servo%d", id)
	}
	b := BackendConfig{
		Name:       "feetech-" + suffix,
		Type:       BackendFeetech,
		Address:    d.Port,
		Baudrate:   defaultBaudrate,
		JointNames: names,
		ServoIDs:   append([]int(nil), d.ServoIDs...),
	}
	if calibrationDir != "" {
		b.CalibrationFile = findCalibrationFile(calibrationDir, suffix, logger)
	}
	return b
}

type portLister func() ([]*enumerator.PortDetails, error)

// DiscoverFeetechPorts pings ids on every USB serial port. Ports where nothing
// answers are left out.
func DiscoverFeetechPorts(ctx context.Context, ids []int, logger logging.Logger) ([]DiscoveredPort, error) {
	return discoverFeetechPorts(ctx, ids, enumerator.GetDetailedPortsList, OpenFeetechBus, logger)
}

func discoverFeetechPorts(
	ctx context.Context,
	ids []int,
	list portLister,
	open func(port string, baudrate int, logger logging.Logger) (*FeetechBus, error),
	logger logging.Logger,
) ([]DiscoveredPort, error) {
	details, err := list()
	if err != nil {
		return nil, err
	}
	products := map[string]string{}
	var all []string
	for _, p := range details {
		all = append(all, p.Name)
		products[p.Name] = p.Product
	}
	candidates := filterCandidatePorts(all)
	logger.Debugf("found %d serial ports, %d candidates", len(all), len(candidates))

	var found []DiscoveredPort
	for _, port := range candidates {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		bus, err := open(port, defaultBaudrate, logger)
		if err != nil {
			logger.Debugf("failed to open port %s: %v", port, err)
			continue
		}
		var answered []int
		for _, id := range ids {
			if err := bus.Ping(id); err == nil {
				answered = append(answered, id)
			}
		}
		if err := bus.Close(); err != nil {
			logger.Debugf("closing %s: %v", port, err)
		}
		if len(answered) == 0 {
			logger.Debugf("no servos detected on %s", port)
			continue
		}
		logger.Infof("discovered servos %v on %s", answered, port)
		found = append(found, DiscoveredPort{Port: port, Product: products[port], ServoIDs: answered})
	}
	return found, nil
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

func isCandidatePort(port string) bool {
	for _, prefix := range []string{
		"/dev/ttyUSB", "/dev/ttyACM",
		"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial",
		"COM",
	} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// findCalibrationFile prefers <suffix>_calibration.json over calibration.json in dir.
// It returns the full path or "".
func findCalibrationFile(dir, portSuffix string, logger logging.Logger) string {
	for _, name := range []string{portSuffix + "_calibration.json", "calibration.json"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			logger.Debugf("found calibration file %s", path)
			return path
		}
	}
	return ""
}
