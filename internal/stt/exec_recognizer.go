package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cfg config.STTConfig
	log *slog.Logger
}

// NewExecEngine returns an engine that segments audio with an energy VAD
// and transcribes each utterance by running cfg.Command on a WAV file.
func NewExecEngine(cfg config.STTConfig, log *slog.Logger) Engine {
	return &execEngine{cfg: cfg, log: log.With(slog.String("component", "stt-exec"))}
}

func (e *execEngine) Load(modelPath string) (Model, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, fmt.Errorf("%w: model path is empty", ErrModelLoad)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	transcriber, err := NewExecTranscriber(e.cfg.Command, modelPath, e.cfg.Language)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	e.log.Info("stt model loaded", slog.String("model_path", modelPath))
	return &execModel{cfg: e.cfg, transcriber: transcriber}, nil
}

type execModel struct {
	cfg         config.STTConfig
	transcriber Transcriber
}

func (m *execModel) NewRecognizer(sampleRate int) (Recognizer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	vad := NewVAD(VADConfig{
		EnergyThreshold: m.cfg.VADEnergyThreshold,
		SpeechMinMS:     m.cfg.VADSpeechMinMS,
		SilenceMinMS:    m.cfg.VADSilenceMinMS,
		SampleRate:      sampleRate,
	})
	maxBytes := 0
	if m.cfg.MaxUtteranceMS > 0 {
		maxBytes = sampleRate * 2 * m.cfg.MaxUtteranceMS / 1000
	}
	return NewSegmentingRecognizer(vad, m.transcriber, sampleRate, maxBytes, time.Duration(m.cfg.TimeoutMS)*time.Millisecond), nil
}

func (m *execModel) Close() error { return nil }

// SegmentingRecognizer buffers voiced audio between VAD boundaries and
// hands each completed utterance to a Transcriber.
type SegmentingRecognizer struct {
	vad         *VAD
	transcriber Transcriber
	sampleRate  int
	maxBytes    int
	timeout     time.Duration
	utterance   []byte
	result      Result
}

func NewSegmentingRecognizer(vad *VAD, transcriber Transcriber, sampleRate, maxBytes int, timeout time.Duration) *SegmentingRecognizer {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &SegmentingRecognizer{
		vad:         vad,
		transcriber: transcriber,
		sampleRate:  sampleRate,
		maxBytes:    maxBytes,
		timeout:     timeout,
	}
}

func (r *SegmentingRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	if err := checkAligned(pcm); err != nil {
		return false, err
	}
	event := r.vad.Process(pcm)
	switch {
	case event == VADSpeechEnd:
		r.utterance = append(r.utterance, pcm...)
		return r.finalize()
	case r.vad.Speaking() || r.vad.Onset():
		r.utterance = append(r.utterance, pcm...)
		if r.maxBytes > 0 && r.vad.Speaking() && len(r.utterance) >= r.maxBytes {
			return r.finalize()
		}
		return false, nil
	default:
		r.utterance = r.utterance[:0]
		return false, nil
	}
}

func (r *SegmentingRecognizer) finalize() (bool, error) {
	pcm := append([]byte(nil), r.utterance...)
	r.utterance = r.utterance[:0]
	r.result = Result{}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	result, err := r.transcriber.Transcribe(ctx, pcm, r.sampleRate, 1)
	if err != nil {
		return false, err
	}
	r.result = result
	return true, nil
}

func (r *SegmentingRecognizer) Result() Result {
	return r.result
}

type execTranscriber struct {
	cmd       []string
	modelPath string
	language  string
}

// NewExecTranscriber runs command once per utterance with
// --audio <wav> --model <path> [--language <lang>] and expects a JSON
// object with text and confidence on stdout.
func NewExecTranscriber(command, modelPath, language string) (Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execTranscriber{cmd: args, modelPath: modelPath, language: language}, nil
}

func (t *execTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (Result, error) {
	file, err := os.CreateTemp("", "loqa_utterance_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return Result{}, err
	}

	cmdArgs := append([]string{}, t.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if t.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", t.modelPath)
	}
	if t.language != "" {
		cmdArgs = append(cmdArgs, "--language", t.language)
	}

	command := exec.CommandContext(ctx, t.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp Result
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if err := checkAligned(pcm); err != nil {
		return err
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
