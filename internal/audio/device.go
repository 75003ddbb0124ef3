package audio

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-listen/internal/config"
)

// BytesPerSample is the width of one 16-bit signed PCM sample.
const BytesPerSample = 2

// Status carries device warnings delivered alongside a block.
type Status uint8

const (
	StatusInputOverflow Status = 1 << iota
	StatusInputUnderflow
	StatusDeviceWarning
)

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var parts []string
	if s&StatusInputOverflow != 0 {
		parts = append(parts, "input overflow")
	}
	if s&StatusInputUnderflow != 0 {
		parts = append(parts, "input underflow")
	}
	if s&StatusDeviceWarning != 0 {
		parts = append(parts, "device warning")
	}
	return strings.Join(parts, "|")
}

// BlockHandler receives each captured block on the device's own goroutine.
// The slice is only valid for the duration of the call.
type BlockHandler func(block []byte, status Status)

// Device is a callback-driven capture source producing mono 16-bit PCM.
type Device interface {
	Open(sampleRate, blockFrames, channels int) error
	Start(handler BlockHandler) error
	Stop() error
	Close() error
	// Done is closed once the device will deliver no further blocks,
	// whether it was stopped or its source ended.
	Done() <-chan struct{}
}

// New builds the capture device selected by cfg.Mode.
func New(cfg config.CaptureConfig, log *slog.Logger) (Device, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecDevice(cfg.Command, log)
	case "wav":
		return NewWAVDevice(cfg.File, cfg.Realtime, log), nil
	case "stdin":
		return NewReaderDevice(os.Stdin, log), nil
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

func checkFormat(sampleRate, blockFrames, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if blockFrames <= 0 {
		return fmt.Errorf("invalid block size %d", blockFrames)
	}
	if channels != 1 {
		return fmt.Errorf("only mono capture is supported, got %d channels", channels)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
