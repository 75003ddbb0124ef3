package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/pipeline"
	"github.com/loqalabs/loqa-listen/internal/sink"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

const (
	shutdownTimeout = 10 * time.Second
	drainInterval   = 20 * time.Millisecond
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	out        io.Writer
	sessionID  string
	httpServer *http.Server
	pipeline   *pipeline.Controller
	bus        *bus.Client
	cleanups   []func(context.Context)
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		out:       os.Stdout,
		sessionID: uuid.NewString(),
	}
}

// Start brings up telemetry, the optional bus and event store, the pipeline
// and the HTTP endpoints, then blocks until ctx is cancelled or the capture
// source ends, and tears everything down in reverse order. A finite source
// (wav, stdin) ending is a clean exit once queued audio is transcribed; a
// capture command that exits is an error wrapping pipeline.ErrCaptureEnded.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onShutdown(func(ctx context.Context) {
		if err := shutdownTelemetry(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	})

	if err := r.startPipeline(ctx); err != nil {
		r.shutdown()
		return err
	}

	if r.cfg.HTTP.Enabled {
		r.startHTTP(metricsHandler)
	}

	r.logger.Info("runtime started", slog.String("session_id", r.sessionID))

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("runtime stopping")
	case <-r.pipeline.CaptureDone():
		r.logger.Warn("capture ended, draining pipeline", slog.String("capture_mode", r.cfg.Capture.Mode))
		r.drain(ctx)
		if r.cfg.Capture.Mode == "exec" {
			runErr = fmt.Errorf("capture command exited: %w", pipeline.ErrCaptureEnded)
		}
	}

	if err := r.pipeline.Stop(); err != nil {
		r.logger.Error("pipeline stop error", slogError(err))
	}
	if err := r.pipeline.Wait(); err != nil {
		r.logger.Error("pipeline wait error", slogError(err))
	}
	r.shutdown()
	return runErr
}

// drain waits until the pipeline has handled everything already captured.
func (r *Runtime) drain(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for !r.pipeline.Drained() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runtime) startPipeline(ctx context.Context) error {
	engine, err := stt.NewEngine(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("create recognizer engine: %w", err)
	}
	device, err := audio.New(r.cfg.Capture, r.logger)
	if err != nil {
		return fmt.Errorf("create capture device: %w", err)
	}
	consumer, err := r.buildConsumer(ctx)
	if err != nil {
		return err
	}

	r.pipeline = pipeline.New(r.cfg.Pipeline, r.cfg.STT.ModelPath, engine, device, pipeline.Consumer(consumer), r.logger)
	if err := r.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	return nil
}

func (r *Runtime) buildConsumer(ctx context.Context) (sink.Func, error) {
	var consumers []sink.Func
	if r.cfg.Sink.Console {
		consumers = append(consumers, sink.NewConsole(r.out).Consume)
	}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		if srv != nil {
			r.onShutdown(func(context.Context) { srv.Shutdown() })
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.bus = client
		r.onShutdown(func(context.Context) { client.Close() })
		if r.cfg.Sink.Publish {
			consumers = append(consumers, sink.NewPublisher(client, r.sessionID).Consume)
		}
	}

	if r.cfg.EventStore.Enabled {
		store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
		if err != nil {
			return nil, fmt.Errorf("open event store: %w", err)
		}
		r.onShutdown(func(context.Context) {
			if err := store.Close(); err != nil {
				r.logger.Error("event store close error", slogError(err))
			}
		})
		if r.cfg.Sink.Record {
			rec, err := sink.NewRecorder(ctx, store, eventstore.Session{
				ID:         r.sessionID,
				Source:     r.cfg.Capture.Mode,
				SampleRate: r.cfg.Pipeline.SampleRate,
			})
			if err != nil {
				return nil, err
			}
			consumers = append(consumers, rec.Consume)
		}
	}

	if len(consumers) == 0 {
		r.logger.Warn("no sinks enabled, transcripts will be discarded")
	}
	return sink.FanOut(consumers...), nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.onShutdown(func(ctx context.Context) {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
		r.wg.Wait()
	})
	r.logger.Info("http server listening", slog.String("addr", addr))
}

// onShutdown registers a teardown step; steps run in reverse registration order.
func (r *Runtime) onShutdown(fn func(context.Context)) {
	r.cleanups = append(r.cleanups, fn)
}

func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i](ctx)
	}
	r.cleanups = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busOK := !r.cfg.Bus.Enabled || r.bus.Healthy()
	if r.pipeline != nil && r.pipeline.Running() && !r.pipeline.CaptureEnded() && busOK {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
