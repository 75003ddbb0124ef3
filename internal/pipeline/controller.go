// Package pipeline runs the capture, recognition and dispatch stages that
// turn live audio into finalized transcripts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/queue"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("pipeline already started")
	ErrNotStarted     = errors.New("pipeline not started")
	ErrCaptureEnded   = errors.New("capture device stopped delivering audio")
)

// Consumer receives each finalized utterance, in order.
type Consumer func(ctx context.Context, text string) error

// Stats is a point-in-time view of the hand-off queues.
type Stats struct {
	AudioQueued   int
	AudioDropped  uint64
	ResultQueued  int
	ResultDropped uint64
}

// Controller owns the pipeline lifecycle: it is the only component that
// opens the capture device and starts or stops the stage workers.
type Controller struct {
	cfg       config.PipelineConfig
	modelPath string
	engine    stt.Engine
	device    audio.Device
	consumer  Consumer
	log       *slog.Logger
	meter     metric.Meter

	running      atomic.Bool
	captureEnded atomic.Bool
	// inflight counts blocks and transcripts accepted but not yet finished.
	inflight atomic.Int64

	mu           sync.Mutex
	started      bool
	stopped      bool
	model        stt.Model
	audioQueue   *queue.Queue[[]byte]
	resultQueue  *queue.Queue[string]
	group        *errgroup.Group
	metrics      *metrics
	registration metric.Registration
	closeOnce    sync.Once
	stopCh       chan struct{}
	captureDone  chan struct{}
	workersDone  chan struct{}
	workersErr   error
}

func New(cfg config.PipelineConfig, modelPath string, engine stt.Engine, device audio.Device, consumer Consumer, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:         cfg,
		modelPath:   modelPath,
		engine:      engine,
		device:      device,
		consumer:    consumer,
		log:         logger.With(slog.String("component", "pipeline")),
		meter:       otel.Meter("github.com/loqalabs/loqa-listen/pipeline"),
		stopCh:      make(chan struct{}),
		captureDone: make(chan struct{}),
		workersDone: make(chan struct{}),
	}
}

// Start loads the recognizer model, opens the capture device and launches
// the recognition and dispatch workers. It returns without waiting for
// them. A model that fails to load aborts Start before the device is opened.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	policy, err := queue.ParsePolicy(c.cfg.OverflowPolicy)
	if err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	model, err := c.engine.Load(c.modelPath)
	if err != nil {
		return fmt.Errorf("load recognizer model: %w", err)
	}
	recognizer, err := model.NewRecognizer(c.cfg.SampleRate)
	if err != nil {
		_ = model.Close()
		return fmt.Errorf("%w: create recognizer: %w", stt.ErrModelLoad, err)
	}
	c.model = model

	c.audioQueue = queue.New[[]byte](c.cfg.AudioQueueSize, policy)
	c.resultQueue = queue.New[string](c.cfg.ResultQueueSize, policy)

	c.metrics = newMetrics(c.meter, c.log)
	if reg, err := observeQueues(c.meter, c.audioQueue, c.resultQueue); err != nil {
		c.log.Warn("failed to register queue gauges", slogError(err))
	} else {
		c.registration = reg
	}

	if err := c.device.Open(c.cfg.SampleRate, c.cfg.BlockFrames, 1); err != nil {
		c.closeModel()
		return fmt.Errorf("open capture device: %w", err)
	}

	capture := &captureStage{
		running:  &c.running,
		inflight: &c.inflight,
		queue:    c.audioQueue,
		metrics:  c.metrics,
		log:      c.log.With(slog.String("stage", "capture")),
	}
	c.running.Store(true)
	if err := c.device.Start(capture.handle); err != nil {
		c.running.Store(false)
		_ = c.device.Close()
		c.closeModel()
		return fmt.Errorf("start capture device: %w", err)
	}

	pollTimeout := time.Duration(c.cfg.PollTimeoutMS) * time.Millisecond
	recognition := &recognitionStage{
		running:     &c.running,
		audio:       c.audioQueue,
		results:     c.resultQueue,
		recognizer:  recognizer,
		inflight:    &c.inflight,
		pollTimeout: pollTimeout,
		metrics:     c.metrics,
		log:         c.log.With(slog.String("stage", "recognition")),
	}
	dispatch := &dispatchStage{
		running:     &c.running,
		results:     c.resultQueue,
		consumer:    c.consumer,
		inflight:    &c.inflight,
		pollTimeout: pollTimeout,
		metrics:     c.metrics,
		log:         c.log.With(slog.String("stage", "dispatch")),
	}

	// Workers stop on the running flag only, never on the caller's context.
	workerCtx := context.WithoutCancel(ctx)
	c.group = &errgroup.Group{}
	c.group.Go(func() error { return recognition.run(workerCtx) })
	c.group.Go(func() error { return dispatch.run(workerCtx) })
	go c.reap(c.group)
	go c.watchDevice(c.device.Done())

	c.log.Info("pipeline started",
		slog.Int("sample_rate", c.cfg.SampleRate),
		slog.Int("block_frames", c.cfg.BlockFrames),
		slog.Duration("poll_timeout", pollTimeout))
	return nil
}

// Stop clears the running flag and releases the capture device. Workers
// notice the flag at their next poll, so they exit within one poll timeout,
// and the model is released once both have exited whether or not Wait is
// called. Calling Stop more than once, or before Start, is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped || c.group == nil {
		return nil
	}
	c.stopped = true
	c.running.Store(false)
	close(c.stopCh)

	var errs []error
	if err := c.device.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture device: %w", err))
	}
	if err := c.device.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close capture device: %w", err))
	}
	c.log.Info("pipeline stopping")
	return errors.Join(errs...)
}

// Wait blocks until both workers have exited and the model is released.
func (c *Controller) Wait() error {
	c.mu.Lock()
	group := c.group
	c.mu.Unlock()
	if group == nil {
		return ErrNotStarted
	}
	<-c.workersDone
	return c.workersErr
}

func (c *Controller) reap(group *errgroup.Group) {
	c.workersErr = group.Wait()
	c.closeModel()
	c.log.Info("pipeline stopped")
	close(c.workersDone)
}

// watchDevice reports a capture device that ends on its own while the
// pipeline is still running.
func (c *Controller) watchDevice(done <-chan struct{}) {
	select {
	case <-done:
	case <-c.stopCh:
		return
	}
	if !c.running.Load() {
		return
	}
	c.captureEnded.Store(true)
	c.log.Error("capture device stopped delivering audio")
	close(c.captureDone)
}

// Running reports the shared running flag.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// CaptureDone is closed when the capture device ends before Stop.
func (c *Controller) CaptureDone() <-chan struct{} {
	return c.captureDone
}

// CaptureEnded reports whether the capture device ended before Stop.
func (c *Controller) CaptureEnded() bool {
	return c.captureEnded.Load()
}

// Drained reports that every accepted block and transcript has been fully
// handled. Only meaningful once capture has ended.
func (c *Controller) Drained() bool {
	return c.inflight.Load() <= 0
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioQueue == nil {
		return Stats{}
	}
	return Stats{
		AudioQueued:   c.audioQueue.Len(),
		AudioDropped:  c.audioQueue.Dropped(),
		ResultQueued:  c.resultQueue.Len(),
		ResultDropped: c.resultQueue.Dropped(),
	}
}

func (c *Controller) closeModel() {
	c.closeOnce.Do(func() {
		if c.registration != nil {
			_ = c.registration.Unregister()
		}
		if c.model != nil {
			if err := c.model.Close(); err != nil {
				c.log.Warn("failed to close recognizer model", slogError(err))
			}
		}
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
