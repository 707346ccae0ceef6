package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// observer receives sequencer lifecycle callbacks on the loop goroutine.
type observer struct{ p *Player }

func (o observer) RunStarted(run uint64, segments int) {
	p := o.p
	active := p.pending
	p.pending = nil
	if active == nil {
		active = &Run{done: make(chan struct{})}
	}
	active.ID = run
	p.active = active

	_, active.span = p.tracer.Start(p.ctx, "captions.run", trace.WithAttributes(
		attribute.String("session_id", active.SessionID),
		attribute.Int64("run", int64(run)),
		attribute.Int("segments", segments),
		attribute.String("voice", active.Voice.String()),
	))
	if p.binder != nil {
		p.binder.Bind(active.SessionID, run)
	}
	p.metrics.runStarted()
	p.audit.run(eventstore.Run{
		RunID:     active.AuditID,
		SessionID: active.SessionID,
		Voice:     active.Voice.Name,
		Segments:  segments,
	})
	p.audit.event(eventstore.Event{RunID: active.AuditID, Segment: -1, Type: eventstore.TypeRunStarted})
	p.log.Info("caption run started",
		slog.String("session_id", active.SessionID),
		slog.Uint64("run", run),
		slog.Int("segments", segments),
		slog.String("voice", active.Voice.String()))
}

func (o observer) RunFinished(run uint64) {
	o.p.finish(run, false)
}

func (o observer) RunCancelled(run uint64) {
	o.p.finish(run, true)
}

func (o observer) SegmentStarted(run uint64, segment, words int) {
	p := o.p
	p.endSegmentSpan(nil)
	parent := p.ctx
	if p.active != nil && p.active.span != nil {
		parent = trace.ContextWithSpan(p.ctx, p.active.span)
	}
	_, p.segSpan = p.tracer.Start(parent, "captions.segment", trace.WithAttributes(
		attribute.Int("segment", segment),
		attribute.Int("words", words),
	))
	p.audit.event(eventstore.Event{RunID: p.auditID(), Segment: segment, Type: eventstore.TypeSegmentStarted, Words: words})
}

func (o observer) SegmentSkipped(run uint64, segment int) {
	p := o.p
	p.metrics.segmentDone(outcomeSkipped)
	p.audit.event(eventstore.Event{RunID: p.auditID(), Segment: segment, Type: eventstore.TypeSegmentSkipped})
}

func (o observer) SegmentCompleted(run uint64, segment int, err error) {
	p := o.p
	p.endSegmentSpan(err)
	evt := eventstore.Event{RunID: p.auditID(), Segment: segment, Type: eventstore.TypeSegmentCompleted}
	if err != nil {
		p.metrics.segmentDone(outcomeFailed)
		evt.Type = eventstore.TypeSegmentFailed
		evt.Detail = err.Error()
		p.log.Warn("segment ended with engine failure", slog.Uint64("run", run), slog.Int("segment", segment), slogError(err))
	} else {
		p.metrics.segmentDone(outcomeCompleted)
	}
	p.audit.event(evt)
}

func (o observer) OffsetUnresolved(run uint64, segment, offset int) {
	o.p.metrics.offsetUnresolved()
}

func (o observer) EventDropped(ev caption.Event) {
	o.p.metrics.eventDropped(ev.Kind)
}

func (p *Player) auditID() string {
	if p.active == nil {
		return ""
	}
	return p.active.AuditID
}

func (p *Player) endSegmentSpan(err error) {
	if p.segSpan == nil {
		return
	}
	if err != nil {
		p.segSpan.RecordError(err)
		p.segSpan.SetStatus(codes.Error, err.Error())
	}
	p.segSpan.End()
	p.segSpan = nil
}

func (p *Player) finish(run uint64, cancelled bool) {
	p.endSegmentSpan(nil)
	active := p.active
	if active == nil || active.ID != run {
		return
	}
	p.active = nil
	active.cancelled = cancelled

	typ := eventstore.TypeRunFinished
	if cancelled {
		typ = eventstore.TypeRunCancelled
	}
	p.audit.event(eventstore.Event{RunID: active.AuditID, Segment: -1, Type: typ})
	p.metrics.runEnded(cancelled)
	if active.span != nil {
		active.span.SetAttributes(attribute.Bool("cancelled", cancelled))
		active.span.End()
	}
	p.log.Info("caption run ended",
		slog.String("session_id", active.SessionID),
		slog.Uint64("run", run),
		slog.Bool("cancelled", cancelled))

	close(active.done)
	if p.onRunEnd != nil {
		p.onRunEnd(active)
	}
}

// auditLog writes the playback timeline off the loop goroutine so a slow
// disk never delays caption updates. Records are dropped when it falls
// behind.
type auditLog struct {
	rec     Recorder
	log     *slog.Logger
	records chan auditRecord
	wg      sync.WaitGroup
}

type auditRecord struct {
	run   *eventstore.Run
	event *eventstore.Event
}

func newAuditLog(rec Recorder, log *slog.Logger) *auditLog {
	return &auditLog{rec: rec, log: log, records: make(chan auditRecord, 256)}
}

func (a *auditLog) start() {
	if a.rec == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for r := range a.records {
			a.write(r)
		}
	}()
}

func (a *auditLog) write(r auditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if r.run != nil {
		err = a.rec.AppendRun(ctx, *r.run)
	} else if r.event != nil {
		err = a.rec.AppendEvent(ctx, *r.event)
	}
	if err != nil {
		a.log.Warn("failed to record playback event", slogError(err))
	}
}

func (a *auditLog) run(run eventstore.Run) {
	a.push(auditRecord{run: &run})
}

func (a *auditLog) event(evt eventstore.Event) {
	if evt.RunID == "" {
		return
	}
	evt.CreatedAt = time.Now().UTC()
	a.push(auditRecord{event: &evt})
}

func (a *auditLog) push(r auditRecord) {
	if a.rec == nil {
		return
	}
	select {
	case a.records <- r:
	default:
		a.log.Warn("playback audit backlog full, dropping record")
	}
}

func (a *auditLog) close() {
	if a.rec == nil {
		return
	}
	close(a.records)
	a.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
