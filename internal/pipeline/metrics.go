package pipeline

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	blocksCaptured    metric.Int64Counter
	blocksDropped     metric.Int64Counter
	recognitionErrors metric.Int64Counter
	utterances        metric.Int64Counter
	discarded         metric.Int64Counter
	resultsDropped    metric.Int64Counter
	dispatched        metric.Int64Counter
	dispatchErrors    metric.Int64Counter
	idlePolls         metric.Int64Counter
}

// newMetrics creates the pipeline instruments, falling back to no-op
// instruments when the meter rejects one.
func newMetrics(meter metric.Meter, log *slog.Logger) *metrics {
	m, err := buildMetrics(meter)
	if err != nil {
		log.Warn("failed to initialize pipeline metrics", slogError(err))
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(""))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var m metrics
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.blocksCaptured, "loqa.pipeline.blocks.captured", "Audio blocks accepted from the capture device"},
		{&m.blocksDropped, "loqa.pipeline.blocks.dropped", "Audio blocks discarded by queue overflow"},
		{&m.recognitionErrors, "loqa.pipeline.recognition.errors", "Audio blocks the recognizer failed on"},
		{&m.utterances, "loqa.pipeline.utterances", "Non-empty utterances recognized"},
		{&m.discarded, "loqa.pipeline.utterances.discarded", "Empty utterances discarded"},
		{&m.resultsDropped, "loqa.pipeline.results.dropped", "Transcripts discarded by queue overflow"},
		{&m.dispatched, "loqa.pipeline.dispatch.delivered", "Transcripts delivered to the consumer"},
		{&m.dispatchErrors, "loqa.pipeline.dispatch.errors", "Consumer invocations that failed"},
		{&m.idlePolls, "loqa.pipeline.idle_polls", "Queue polls that timed out with nothing to do"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}
	return &m, nil
}

func (m *metrics) idle(ctx context.Context, stage string) {
	m.idlePolls.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func observeQueues(meter metric.Meter, audioQueue *queue.Queue[[]byte], resultQueue *queue.Queue[string]) (metric.Registration, error) {
	depth, err := meter.Int64ObservableGauge("loqa.pipeline.queue.depth", metric.WithDescription("Items waiting in a pipeline queue"))
	if err != nil {
		return nil, err
	}
	audioAttrs := metric.WithAttributes(attribute.String("queue", "audio"))
	resultAttrs := metric.WithAttributes(attribute.String("queue", "result"))
	return meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, int64(audioQueue.Len()), audioAttrs)
		obs.ObserveInt64(depth, int64(resultQueue.Len()), resultAttrs)
		return nil
	}, depth)
}
