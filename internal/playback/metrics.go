package playback

import (
	"context"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

type metrics struct {
	runs       metric.Int64Counter
	runsEnded  metric.Int64Counter
	segments   metric.Int64Counter
	windows    metric.Int64Counter
	unresolved metric.Int64Counter
	stale      metric.Int64Counter
}

// newMetrics registers the playback instruments. Instruments that fail to
// register are left nil and silently skipped.
func newMetrics(meter metric.Meter) *metrics {
	m := &metrics{}
	if meter == nil {
		return m
	}
	m.runs, _ = meter.Int64Counter("loqa.captions.runs", metric.WithDescription("Caption runs started"))
	m.runsEnded, _ = meter.Int64Counter("loqa.captions.runs.ended", metric.WithDescription("Caption runs ended, by outcome"))
	m.segments, _ = meter.Int64Counter("loqa.captions.segments", metric.WithDescription("Segments processed, by outcome"))
	m.windows, _ = meter.Int64Counter("loqa.captions.windows", metric.WithDescription("Caption windows shown"))
	m.unresolved, _ = meter.Int64Counter("loqa.captions.offsets.unresolved", metric.WithDescription("Boundary offsets that matched no word"))
	m.stale, _ = meter.Int64Counter("loqa.captions.events.stale", metric.WithDescription("Engine events dropped as stale"))
	return m
}

func (m *metrics) runStarted() {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.Add(context.Background(), 1)
}

func (m *metrics) runEnded(cancelled bool) {
	if m == nil || m.runsEnded == nil {
		return
	}
	outcome := outcomeCompleted
	if cancelled {
		outcome = "cancelled"
	}
	m.runsEnded.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) segmentDone(outcome string) {
	if m == nil || m.segments == nil {
		return
	}
	m.segments.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) windowShown() {
	if m == nil || m.windows == nil {
		return
	}
	m.windows.Add(context.Background(), 1)
}

func (m *metrics) offsetUnresolved() {
	if m == nil || m.unresolved == nil {
		return
	}
	m.unresolved.Add(context.Background(), 1)
}

func (m *metrics) eventDropped(kind caption.EventKind) {
	if m == nil || m.stale == nil {
		return
	}
	m.stale.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}
