package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// tone returns n samples of constant amplitude PCM.
func tone(n int, amplitude int16) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(amplitude))
	}
	return pcm
}

func TestMockRecognizerBoundaries(t *testing.T) {
	model, err := NewMockEngine(2).Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, err := model.NewRecognizer(16000)
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}

	boundary, err := rec.AcceptWaveform(tone(4, 1000))
	if err != nil || boundary {
		t.Fatalf("expected no boundary after first block, got %v %v", boundary, err)
	}
	boundary, err = rec.AcceptWaveform(tone(4, 1000))
	if err != nil || !boundary {
		t.Fatalf("expected boundary after second block, got %v %v", boundary, err)
	}
	if got := rec.Result().Text; got != "[utterance 1 bytes=16]" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestMockRecognizerSilenceYieldsEmptyText(t *testing.T) {
	model, _ := NewMockEngine(1).Load("")
	rec, _ := model.NewRecognizer(16000)
	boundary, err := rec.AcceptWaveform(make([]byte, 8))
	if err != nil || !boundary {
		t.Fatalf("expected boundary, got %v %v", boundary, err)
	}
	if rec.Result().Text != "" {
		t.Fatalf("expected empty text for silence, got %q", rec.Result().Text)
	}
}

func TestMockRecognizerRejectsMalformedBlock(t *testing.T) {
	model, _ := NewMockEngine(1).Load("")
	rec, _ := model.NewRecognizer(16000)
	if _, err := rec.AcceptWaveform([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for odd-length block")
	}
}

func TestVADEvents(t *testing.T) {
	vad := NewVAD(VADConfig{EnergyThreshold: 500, SpeechMinMS: 100, SilenceMinMS: 200, SampleRate: 1000})
	loud := tone(100, 2000) // 100ms
	quiet := tone(100, 10)

	if ev := vad.Process(quiet); ev != VADNone {
		t.Fatalf("expected none for silence, got %v", ev)
	}
	if ev := vad.Process(loud); ev != VADSpeechStart {
		t.Fatalf("expected speech start, got %v", ev)
	}
	if !vad.Speaking() {
		t.Fatal("expected speaking after start")
	}
	if ev := vad.Process(quiet); ev != VADNone {
		t.Fatalf("expected none after 100ms silence, got %v", ev)
	}
	if ev := vad.Process(quiet); ev != VADSpeechEnd {
		t.Fatalf("expected speech end after 200ms silence, got %v", ev)
	}
	if vad.Speaking() {
		t.Fatal("expected not speaking after end")
	}
}

type fakeTranscriber struct {
	calls [][]byte
	text  string
	err   error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, pcm []byte, _ int, _ int) (Result, error) {
	f.calls = append(f.calls, pcm)
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Text: f.text, Confidence: 0.9}, nil
}

func newSegmenter(tr Transcriber, maxBytes int) *SegmentingRecognizer {
	vad := NewVAD(VADConfig{EnergyThreshold: 500, SpeechMinMS: 100, SilenceMinMS: 100, SampleRate: 1000})
	return NewSegmentingRecognizer(vad, tr, 1000, maxBytes, time.Second)
}

func TestSegmentingRecognizerUtterance(t *testing.T) {
	tr := &fakeTranscriber{text: "hello world"}
	rec := newSegmenter(tr, 0)

	blocks := [][]byte{tone(100, 0), tone(100, 3000), tone(100, 3000), tone(100, 0)}
	var boundaries int
	for i, b := range blocks {
		boundary, err := rec.AcceptWaveform(b)
		if err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
		if boundary {
			boundaries++
			if i != 3 {
				t.Fatalf("unexpected boundary at block %d", i)
			}
		}
	}
	if boundaries != 1 {
		t.Fatalf("expected 1 boundary, got %d", boundaries)
	}
	if rec.Result().Text != "hello world" {
		t.Fatalf("unexpected result %q", rec.Result().Text)
	}
	if len(tr.calls) != 1 {
		t.Fatalf("expected 1 transcription, got %d", len(tr.calls))
	}
	if got := len(tr.calls[0]); got != 600 {
		t.Fatalf("expected voiced audio plus trailing silence (600 bytes), got %d", got)
	}
}

func TestSegmentingRecognizerMaxUtterance(t *testing.T) {
	tr := &fakeTranscriber{text: "long"}
	rec := newSegmenter(tr, 400)

	if boundary, _ := rec.AcceptWaveform(tone(100, 3000)); boundary {
		t.Fatal("unexpected early boundary")
	}
	boundary, err := rec.AcceptWaveform(tone(100, 3000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !boundary {
		t.Fatal("expected forced boundary at max utterance length")
	}
}

func TestSegmentingRecognizerTranscriberError(t *testing.T) {
	tr := &fakeTranscriber{err: errors.New("decoder crashed")}
	rec := newSegmenter(tr, 0)
	_, _ = rec.AcceptWaveform(tone(100, 3000))
	if _, err := rec.AcceptWaveform(tone(100, 0)); err == nil {
		t.Fatal("expected transcriber error to surface")
	}
	if rec.Result().Text != "" {
		t.Fatal("expected empty result after failure")
	}
}

func TestExecEngineMissingModel(t *testing.T) {
	engine := NewExecEngine(config.STTConfig{Command: "vosk-transcribe"}, newLogger())
	_, err := engine.Load(filepath.Join(t.TempDir(), "no-such-model"))
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
	if _, err := engine.Load(""); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad for empty path, got %v", err)
	}
}

func TestExecTranscriberRunsCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "transcribe.sh")
	body := "#!/bin/sh\necho '{\"text\": \"turn on the lights\", \"confidence\": 0.75}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	engine := NewExecEngine(config.STTConfig{
		Command:            "sh " + script,
		VADEnergyThreshold: 500,
		VADSpeechMinMS:     100,
		VADSilenceMinMS:    100,
		TimeoutMS:          5000,
	}, newLogger())
	model, err := engine.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, err := model.NewRecognizer(1000)
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	_, _ = rec.AcceptWaveform(tone(100, 3000))
	boundary, err := rec.AcceptWaveform(tone(100, 0))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !boundary {
		t.Fatal("expected boundary")
	}
	got := rec.Result()
	if got.Text != "turn on the lights" || got.Confidence != 0.75 {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestNewEngineUnknownMode(t *testing.T) {
	if _, err := NewEngine(config.STTConfig{Mode: "vosk"}, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
