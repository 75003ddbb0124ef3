package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/config"
)

// ErrModelLoad marks a recognizer model that could not be initialized.
var ErrModelLoad = errors.New("stt: model load failed")

// Result captures a finalized utterance.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Engine loads recognizer models.
type Engine interface {
	Load(modelPath string) (Model, error)
}

// Model is a loaded acoustic/language model shared by recognizers.
type Model interface {
	NewRecognizer(sampleRate int) (Recognizer, error)
	Close() error
}

// Recognizer is a stateful streaming decoder. It is not safe for concurrent
// use; a single goroutine owns it.
type Recognizer interface {
	// AcceptWaveform feeds 16-bit mono PCM and reports whether an utterance
	// boundary was reached.
	AcceptWaveform(pcm []byte) (bool, error)
	// Result returns the utterance finalized by the last boundary.
	Result() Result
}

// Transcriber converts a complete utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (Result, error)
}

// NewEngine builds the engine selected by cfg.Mode.
func NewEngine(cfg config.STTConfig, log *slog.Logger) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockEngine(cfg.MockBlocks), nil
	case "exec":
		return NewExecEngine(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func checkAligned(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm block of %d bytes is not 16-bit aligned", len(pcm))
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
