package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/pkg/pipeline"
)

// Observer turns pipeline events into metrics and structured logs.
// It implements pipeline.EventSink and is safe for concurrent use.
type Observer struct {
	metrics *Metrics
	logger  zerolog.Logger

	mu         sync.Mutex
	runStarts  map[string]time.Time
	stepStarts map[string]time.Time
}

// NewObserver creates an observer feeding the given metrics collector.
func NewObserver(metrics *Metrics, logger zerolog.Logger) *Observer {
	return &Observer{
		metrics:    metrics,
		logger:     logger.With().Str("component", "observer").Logger(),
		runStarts:  make(map[string]time.Time),
		stepStarts: make(map[string]time.Time),
	}
}

// Publish consumes one pipeline event.
func (o *Observer) Publish(_ context.Context, event pipeline.Event) {
	switch event.Type {
	case pipeline.EventRunStarted:
		o.markStart(o.runStarts, event.RunID, event.Timestamp)
		o.metrics.RunStarted()
	case pipeline.EventRunCompleted:
		o.metrics.RunCompleted("succeeded", o.elapsed(o.runStarts, event.RunID, event.Timestamp))
	case pipeline.EventRunFailed:
		o.metrics.RunCompleted("failed", o.elapsed(o.runStarts, event.RunID, event.Timestamp))
	case pipeline.EventRunCancelled:
		o.metrics.RunCompleted("cancelled", o.elapsed(o.runStarts, event.RunID, event.Timestamp))
	case pipeline.EventStepStarted:
		o.markStart(o.stepStarts, event.RunID+"/"+event.StepID, event.Timestamp)
		o.metrics.StepStarted()
	case pipeline.EventStepCompleted:
		o.metrics.StepCompleted("succeeded", o.elapsed(o.stepStarts, event.RunID+"/"+event.StepID, event.Timestamp))
	case pipeline.EventStepFailed:
		o.metrics.StepCompleted("failed", o.elapsed(o.stepStarts, event.RunID+"/"+event.StepID, event.Timestamp))
	case pipeline.EventStepSkipped:
		o.metrics.StepSkipped()
	case pipeline.EventStepRetried:
		o.metrics.StepRetried()
	}

	o.log(event)
}

func (o *Observer) markStart(starts map[string]time.Time, key string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	starts[key] = at
}

// elapsed returns the seconds since the recorded start and forgets the key.
// An unseen key yields zero rather than a bogus duration.
func (o *Observer) elapsed(starts map[string]time.Time, key string, end time.Time) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	start, ok := starts[key]
	if !ok {
		return 0
	}
	delete(starts, key)
	return end.Sub(start).Seconds()
}

func (o *Observer) log(event pipeline.Event) {
	var entry *zerolog.Event
	switch event.Level {
	case "error":
		entry = o.logger.Error()
	case "warning":
		entry = o.logger.Warn()
	default:
		entry = o.logger.Info()
	}
	entry = entry.
		Str("event", string(event.Type)).
		Str("run_id", event.RunID)
	if event.StepID != "" {
		entry = entry.Str("step_id", event.StepID)
	}
	entry.Msg(event.Message)
}
