package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/queue"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-listen/pipeline")

// captureStage bridges device deliveries into the audio queue.
type captureStage struct {
	running  *atomic.Bool
	inflight *atomic.Int64
	queue    *queue.Queue[[]byte]
	metrics  *metrics
	log      *slog.Logger
}

func (s *captureStage) handle(block []byte, status audio.Status) {
	if status != 0 {
		s.log.Warn("audio stream status", slog.String("status", status.String()))
	}
	if !s.running.Load() {
		return
	}
	owned := append([]byte(nil), block...)
	ctx := context.Background()
	s.metrics.blocksCaptured.Add(ctx, 1)
	// An overflowing push replaces or rejects one block, so only a clean
	// push adds to the in-flight count.
	if s.queue.Push(owned) {
		s.inflight.Add(1)
	} else {
		s.metrics.blocksDropped.Add(ctx, 1)
		s.log.Warn("audio queue full, block dropped",
			slog.Int("capacity", s.queue.Cap()),
			slog.Uint64("dropped_total", s.queue.Dropped()))
	}
}

// recognitionStage is the sole owner of the recognizer.
type recognitionStage struct {
	running     *atomic.Bool
	audio       *queue.Queue[[]byte]
	results     *queue.Queue[string]
	recognizer  stt.Recognizer
	inflight    *atomic.Int64
	pollTimeout time.Duration
	metrics     *metrics
	log         *slog.Logger
}

func (s *recognitionStage) run(ctx context.Context) error {
	for s.running.Load() {
		block, ok := s.audio.Poll(ctx, s.pollTimeout)
		if !ok {
			s.metrics.idle(ctx, "recognition")
			s.log.Debug("audio queue idle")
			continue
		}
		if !s.process(ctx, block) {
			s.inflight.Add(-1)
		}
	}
	s.log.Debug("recognition stage exiting")
	return nil
}

// process feeds one block and reports whether it was handed on as a
// transcript without displacing another.
func (s *recognitionStage) process(ctx context.Context, block []byte) bool {
	boundary, result, err := s.accept(block)
	if err != nil {
		s.metrics.recognitionErrors.Add(ctx, 1)
		s.log.Warn("error processing audio", slogError(err), slog.Int("bytes", len(block)))
		return false
	}
	if !boundary {
		return false
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		s.metrics.discarded.Add(ctx, 1)
		s.log.Debug("discarding empty utterance")
		return false
	}
	s.metrics.utterances.Add(ctx, 1)
	if !s.results.Push(text) {
		s.metrics.resultsDropped.Add(ctx, 1)
		s.log.Warn("result queue full, transcript dropped", slog.Int("capacity", s.results.Cap()))
		return false
	}
	return true
}

// accept feeds one block, converting a recognizer panic into an error so a
// single bad block cannot end the stage.
func (s *recognitionStage) accept(block []byte) (boundary bool, result stt.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			boundary, result, err = false, stt.Result{}, fmt.Errorf("recognizer panic: %v", r)
		}
	}()
	boundary, err = s.recognizer.AcceptWaveform(block)
	if err != nil || !boundary {
		return false, stt.Result{}, err
	}
	return true, s.recognizer.Result(), nil
}

// dispatchStage delivers transcripts to the consumer, isolating its failures.
type dispatchStage struct {
	running     *atomic.Bool
	results     *queue.Queue[string]
	consumer    Consumer
	inflight    *atomic.Int64
	pollTimeout time.Duration
	metrics     *metrics
	log         *slog.Logger
}

func (s *dispatchStage) run(ctx context.Context) error {
	for s.running.Load() {
		text, ok := s.results.Poll(ctx, s.pollTimeout)
		if !ok {
			s.metrics.idle(ctx, "dispatch")
			s.log.Debug("result queue idle")
			continue
		}
		err := s.deliver(ctx, text)
		s.inflight.Add(-1)
		if err != nil {
			s.metrics.dispatchErrors.Add(ctx, 1)
			s.log.Error("error in output processor", slogError(err))
			continue
		}
		s.metrics.dispatched.Add(ctx, 1)
	}
	s.log.Debug("dispatch stage exiting")
	return nil
}

func (s *dispatchStage) deliver(ctx context.Context, text string) (err error) {
	ctx, span := tracer.Start(ctx, "pipeline.dispatch",
		trace.WithAttributes(attribute.Int("transcript.length", len(text))))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return s.consumer(ctx, text)
}
