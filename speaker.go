package jointctl

import (
	"os/exec"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// LocalCommandSpeaker speaks through a local text-to-speech command:
// `say` on macOS, PowerShell SAPI on Windows, `espeak` elsewhere.
type LocalCommandSpeaker struct {
	logger logging.Logger
}

var _ Speaker = (*LocalCommandSpeaker)(nil)

// NewLocalCommandSpeaker returns a speaker that logs failures to logger.
func NewLocalCommandSpeaker(logger logging.Logger) *LocalCommandSpeaker {
	return &LocalCommandSpeaker{logger: logger}
}

// Speak blocks until the command exits. Errors are logged only.
func (s *LocalCommandSpeaker) Speak(message string) {
	if err := s.TrySpeak(message); err != nil {
		s.logger.Errorf("speak: %v", err)
	}
}

// TrySpeak is Speak with the error returned.
func (s *LocalCommandSpeaker) TrySpeak(message string) error {
	name, args := speakCommand(runtime.GOOS, message)
	if err := exec.Command(name, args...).Run(); err != nil {
		return errors.Wrapf(err, "failed to run %s with message %q", name, message)
	}
	return nil
}

func speakCommand(goos, message string) (string, []string) {
	switch goos {
	case "darwin":
		return "say", []string{message}
	case "windows":
		script := "Add-Type -AssemblyName System.Speech; " +
			"(New-Object System.Speech.Synthesis.SpeechSynthesizer).Speak('" +
			strings.ReplaceAll(message, "'", "''") + "');"
		return "powershell", []string{"-Command", script}
	default:
		return "espeak", []string{message}
	}
}

// PrintSpeaker writes messages to a logger instead of a sound device.
type PrintSpeaker struct {
	logger logging.Logger
}

var _ Speaker = (*PrintSpeaker)(nil)

// NewPrintSpeaker returns a speaker that logs at info level.
func NewPrintSpeaker(logger logging.Logger) *PrintSpeaker {
	return &PrintSpeaker{logger: logger}
}

func (s *PrintSpeaker) Speak(message string) {
	s.logger.Infof("speak: %s", message)
}
