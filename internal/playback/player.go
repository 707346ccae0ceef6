// Package playback connects the caption sequencer to a speech engine.
//
// A Player owns one event loop goroutine. Speak requests, cancellations and
// engine notifications are all funnelled into that loop, so the sequencer and
// the visible caption only ever change on a single goroutine. Every engine
// call is tagged with the sequencer's generation; notifications from a call
// that has since been superseded are dropped by the sequencer.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/tts"
	"github.com/loqalabs/loqa-captions/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrStopped is returned once the player's loop has exited.
var ErrStopped = errors.New("player stopped")

// VoiceSource resolves a voice index to a voice.
type VoiceSource interface {
	Select(index int) (voice.Voice, bool)
}

// Recorder persists the playback timeline.
type Recorder interface {
	AppendRun(ctx context.Context, run eventstore.Run) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Binder is told which run the following windows belong to.
type Binder interface {
	Bind(sessionID string, run uint64)
}

type Options struct {
	Voices       VoiceSource
	Recorder     Recorder
	Binder       Binder
	OnRunEnd     func(*Run)
	InboxSize    int
	SpeakTimeout time.Duration
	Logger       *slog.Logger
}

// Run is the handle returned for a speak-all request.
type Run struct {
	ID        uint64
	SessionID string
	AuditID   string
	Voice     voice.Voice
	Segments  int

	done      chan struct{}
	cancelled bool
	span      trace.Span
}

// Done is closed when the run finishes or is superseded.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancelled reports whether the run was superseded or stopped. Only valid
// after Done is closed.
func (r *Run) Cancelled() bool { return r.cancelled }

type msgKind int

const (
	msgSpeakAll msgKind = iota
	msgStop
	msgEvent
)

type speakAll struct {
	sessionID  string
	segments   []string
	voiceIndex int
	reply      chan speakReply
}

type speakReply struct {
	run *Run
	err error
}

type message struct {
	kind  msgKind
	speak speakAll
	event caption.Event
}

// Player drives a caption.Sequencer from engine notifications.
type Player struct {
	engine   tts.Engine
	voices   VoiceSource
	binder   Binder
	onRunEnd func(*Run)
	timeout  time.Duration
	log      *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer
	audit    *auditLog

	seq     *caption.Sequencer
	inbox   chan message
	started chan struct{}
	stopped chan struct{}
	ctx     context.Context
	wg      sync.WaitGroup

	// loop-owned
	cancelSpeak context.CancelFunc
	pending     *Run
	active      *Run
	segSpan     trace.Span
}

func New(engine tts.Engine, display caption.Display, opts Options) *Player {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.SpeakTimeout <= 0 {
		opts.SpeakTimeout = 2 * time.Minute
	}
	p := &Player{
		engine:   engine,
		voices:   opts.Voices,
		binder:   opts.Binder,
		onRunEnd: opts.OnRunEnd,
		timeout:  opts.SpeakTimeout,
		log:      log.With(slog.String("component", "playback")),
		metrics:  newMetrics(otel.Meter("github.com/loqalabs/loqa-captions/playback")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-captions/playback"),
		inbox:    make(chan message, opts.InboxSize),
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	p.audit = newAuditLog(opts.Recorder, p.log)
	p.seq = caption.NewSequencer(utterer{p}, countingDisplay{inner: display, metrics: p.metrics}, observer{p}, log)
	return p
}

// Run processes requests and engine notifications until ctx is cancelled.
// It must be called once.
func (p *Player) Run(ctx context.Context) error {
	select {
	case <-p.started:
		return errors.New("player already running")
	default:
	}
	p.ctx = ctx
	close(p.started)
	p.audit.start()
	defer func() {
		p.seq.Stop()
		p.wg.Wait()
		p.audit.close()
		close(p.stopped)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-p.inbox:
			p.dispatch(msg)
		}
	}
}

// SpeakAll cancels whatever is being spoken and starts speaking segments in
// order with the voice at voiceIndex. An out-of-range index uses the engine
// default voice.
func (p *Player) SpeakAll(ctx context.Context, sessionID string, segments []string, voiceIndex int) (*Run, error) {
	if !caption.HasSpeech(segments) {
		return nil, caption.ErrNothingToSpeak
	}
	reply := make(chan speakReply, 1)
	msg := message{kind: msgSpeakAll, speak: speakAll{
		sessionID:  sessionID,
		segments:   append([]string(nil), segments...),
		voiceIndex: voiceIndex,
		reply:      reply,
	}}
	if err := p.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.run, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopped:
		return nil, ErrStopped
	}
}

// Speak plays one segment.
func (p *Player) Speak(ctx context.Context, sessionID, text string, voiceIndex int) (*Run, error) {
	return p.SpeakAll(ctx, sessionID, []string{text}, voiceIndex)
}

// Stop cancels the run in flight, if any.
func (p *Player) Stop(ctx context.Context) error {
	return p.send(ctx, message{kind: msgStop})
}

func (p *Player) send(ctx context.Context, msg message) error {
	select {
	case p.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrStopped
	}
}

func (p *Player) dispatch(msg message) {
	switch msg.kind {
	case msgSpeakAll:
		req := msg.speak
		v := voice.Voice{}
		if p.voices != nil {
			v, _ = p.voices.Select(req.voiceIndex)
		}
		sessionID := req.sessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		p.pending = &Run{
			SessionID: sessionID,
			AuditID:   uuid.NewString(),
			Voice:     v,
			Segments:  len(req.segments),
			done:      make(chan struct{}),
		}
		run := p.pending
		if _, err := p.seq.SpeakAll(req.segments, v); err != nil {
			p.pending = nil
			req.reply <- speakReply{err: err}
			return
		}
		req.reply <- speakReply{run: run}
	case msgStop:
		p.seq.Stop()
	case msgEvent:
		p.seq.Handle(msg.event)
	}
}

// speak starts one engine call. It is only called from the loop.
func (p *Player) speak(gen uint64, text string, v voice.Voice) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if p.engine == nil {
		return errors.New("no speech engine configured")
	}
	p.cancel()

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	p.cancelSpeak = cancel

	utteranceID := fmt.Sprintf("%d", gen)
	if p.active != nil {
		utteranceID = fmt.Sprintf("%s/%d", p.active.AuditID, gen)
	}
	events, errs := p.engine.Speak(ctx, tts.SpeakRequest{
		UtteranceID: utteranceID,
		Text:        text,
		Voice:       v.Name,
		Lang:        v.Lang,
	})

	p.wg.Add(1)
	go p.forward(ctx, cancel, gen, events, errs)
	return nil
}

func (p *Player) cancel() {
	if p.cancelSpeak != nil {
		p.cancelSpeak()
		p.cancelSpeak = nil
	}
}

// forward relays one speak call's notifications into the loop. A call that
// fails or closes without an end event is reported as a failure so the
// sequence can move on; a cancelled call reports nothing.
func (p *Player) forward(ctx context.Context, cancel context.CancelFunc, gen uint64, events <-chan tts.Event, errs <-chan error) {
	defer p.wg.Done()
	defer cancel()

	var failure error
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case tts.EventBoundary:
				p.post(ctx.Done(), caption.Event{Gen: gen, Kind: caption.EventBoundary, CharIndex: ev.CharIndex})
			case tts.EventEnd:
				p.post(ctx.Done(), caption.Event{Gen: gen, Kind: caption.EventEnd})
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && failure == nil {
				failure = err
			}
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	if failure == nil || tts.IsCancelled(failure) {
		failure = tts.ErrEngineClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		failure = fmt.Errorf("speak timed out: %w", ctxErr)
	}
	p.post(p.ctx.Done(), caption.Event{Gen: gen, Kind: caption.EventFailure, Err: failure})
}

func (p *Player) post(stop <-chan struct{}, ev caption.Event) {
	select {
	case p.inbox <- message{kind: msgEvent, event: ev}:
	case <-stop:
	case <-p.ctx.Done():
	}
}

// utterer adapts the player to caption.Utterer without exporting the
// loop-only methods.
type utterer struct{ p *Player }

func (u utterer) Speak(gen uint64, text string, v voice.Voice) error { return u.p.speak(gen, text, v) }
func (u utterer) Cancel()                                            { u.p.cancel() }

type countingDisplay struct {
	inner   caption.Display
	metrics *metrics
}

func (d countingDisplay) Show(w caption.Window) {
	d.metrics.windowShown()
	if d.inner != nil {
		d.inner.Show(w)
	}
}
