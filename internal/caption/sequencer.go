package caption

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-captions/internal/voice"
)

// ErrNothingToSpeak is returned when every segment of a request is blank.
var ErrNothingToSpeak = errors.New("no speakable segments")

// RunState tracks a whole speak-all pass.
type RunState int

const (
	RunIdle RunState = iota
	RunRunning
	RunFinished
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunRunning:
		return "running"
	case RunFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// SegmentState tracks one segment within a run.
type SegmentState int

const (
	SegmentPending SegmentState = iota
	SegmentSpeaking
	SegmentCompleted
)

func (s SegmentState) String() string {
	switch s {
	case SegmentPending:
		return "pending"
	case SegmentSpeaking:
		return "speaking"
	case SegmentCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// EventKind distinguishes the notifications a speak call produces.
type EventKind int

const (
	EventBoundary EventKind = iota + 1
	EventEnd
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventBoundary:
		return "boundary"
	case EventEnd:
		return "end"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is one engine notification tagged with the generation of the speak
// call that produced it.
type Event struct {
	Gen       uint64
	Kind      EventKind
	CharIndex int
	Err       error
}

// Utterer issues speak calls on behalf of the sequencer. Speak must return
// immediately; the outcome arrives later as Events carrying gen.
type Utterer interface {
	Speak(gen uint64, text string, v voice.Voice) error
	Cancel()
}

// Display receives every window the sequencer puts on screen.
type Display interface {
	Show(w Window)
}

// Observer is notified of run and segment lifecycle changes.
type Observer interface {
	RunStarted(run uint64, segments int)
	RunFinished(run uint64)
	RunCancelled(run uint64)
	SegmentStarted(run uint64, segment, words int)
	SegmentSkipped(run uint64, segment int)
	SegmentCompleted(run uint64, segment int, err error)
	OffsetUnresolved(run uint64, segment, offset int)
	EventDropped(ev Event)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) RunStarted(uint64, int)              {}
func (NopObserver) RunFinished(uint64)                  {}
func (NopObserver) RunCancelled(uint64)                 {}
func (NopObserver) SegmentStarted(uint64, int, int)     {}
func (NopObserver) SegmentSkipped(uint64, int)          {}
func (NopObserver) SegmentCompleted(uint64, int, error) {}
func (NopObserver) OffsetUnresolved(uint64, int, int)   {}
func (NopObserver) EventDropped(Event)                  {}

// Sequencer plays an ordered list of segments one at a time and keeps the
// caption display in step with the engine's boundary notifications.
//
// A Sequencer is not safe for concurrent use: SpeakAll, Speak, Stop and Handle
// must all be called from the same goroutine.
type Sequencer struct {
	utterer  Utterer
	display  Display
	observer Observer
	log      *slog.Logger

	state    RunState
	run      uint64
	gen      uint64
	voice    voice.Voice
	segments []string
	states   []SegmentState
	index    int
	table    WordTable
	visible  Window
}

func NewSequencer(utterer Utterer, display Display, observer Observer, log *slog.Logger) *Sequencer {
	if observer == nil {
		observer = NopObserver{}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sequencer{
		utterer:  utterer,
		display:  display,
		observer: observer,
		log:      log.With(slog.String("component", "caption-sequencer")),
	}
}

// HasSpeech reports whether at least one segment contains a word.
func HasSpeech(segments []string) bool {
	for _, seg := range segments {
		if strings.TrimSpace(seg) != "" {
			return true
		}
	}
	return false
}

// SpeakAll cancels whatever is in flight and starts speaking segments from
// the first one. It returns the id of the new run.
func (s *Sequencer) SpeakAll(segments []string, v voice.Voice) (uint64, error) {
	if !HasSpeech(segments) {
		return 0, ErrNothingToSpeak
	}
	s.stopInFlight()

	s.run++
	s.segments = append([]string(nil), segments...)
	s.states = make([]SegmentState, len(segments))
	s.voice = v
	s.state = RunRunning
	s.table = WordTable{}
	s.observer.RunStarted(s.run, len(segments))
	s.log.Debug("run started", slog.Uint64("run", s.run), slog.Int("segments", len(segments)))

	s.startFrom(0)
	return s.run, nil
}

// Speak plays a single segment.
func (s *Sequencer) Speak(text string, v voice.Voice) (uint64, error) {
	return s.SpeakAll([]string{text}, v)
}

// Stop cancels the current run. The visible window is left as is.
func (s *Sequencer) Stop() {
	s.stopInFlight()
}

func (s *Sequencer) stopInFlight() {
	if s.state != RunRunning {
		return
	}
	s.utterer.Cancel()
	// anything still queued for the old call is now stale
	s.gen++
	s.state = RunFinished
	s.observer.RunCancelled(s.run)
	s.log.Debug("run cancelled", slog.Uint64("run", s.run))
}

// Handle applies one engine event. Events from any speak call other than the
// current one are dropped.
func (s *Sequencer) Handle(ev Event) {
	if s.state != RunRunning || ev.Gen != s.gen || s.states[s.index] != SegmentSpeaking {
		s.observer.EventDropped(ev)
		return
	}
	switch ev.Kind {
	case EventBoundary:
		idx, ok := s.table.Resolve(ev.CharIndex)
		if !ok {
			s.observer.OffsetUnresolved(s.run, s.index, ev.CharIndex)
			s.log.Debug("unresolved boundary offset", slog.Int("segment", s.index), slog.Int("offset", ev.CharIndex))
			return
		}
		if w, ok := WindowAt(idx, s.table); ok {
			s.show(w)
		}
	case EventEnd, EventFailure:
		s.complete(ev.Err)
		s.startFrom(s.index + 1)
	default:
		s.observer.EventDropped(ev)
	}
}

// startFrom speaks the first non-blank segment at or after i, or finishes
// the run when none is left.
func (s *Sequencer) startFrom(i int) {
	for ; i < len(s.segments); i++ {
		s.index = i
		table := Tokenize(s.segments[i])
		if table.Empty() {
			s.states[i] = SegmentCompleted
			s.observer.SegmentSkipped(s.run, i)
			continue
		}

		s.table = table
		s.gen++
		s.states[i] = SegmentSpeaking
		s.show(LeadingWindow(table))
		s.observer.SegmentStarted(s.run, i, table.Len())

		if err := s.utterer.Speak(s.gen, table.Text(), s.voice); err != nil {
			s.log.Warn("speak failed", slog.Int("segment", i), slogError(err))
			s.complete(err)
			continue
		}
		return
	}
	s.state = RunFinished
	s.observer.RunFinished(s.run)
	s.log.Debug("run finished", slog.Uint64("run", s.run))
}

func (s *Sequencer) complete(err error) {
	s.show(TrailingWindow(s.table))
	s.states[s.index] = SegmentCompleted
	s.observer.SegmentCompleted(s.run, s.index, err)
}

func (s *Sequencer) show(w Window) {
	w.Segment = s.index
	s.visible = w
	s.display.Show(w)
}

// State reports the current run state.
func (s *Sequencer) State() RunState { return s.state }

// Run is the id of the current or most recent run; zero before the first.
func (s *Sequencer) Run() uint64 { return s.run }

// Generation is the tag carried by events of the current speak call.
func (s *Sequencer) Generation() uint64 { return s.gen }

// Visible is the window last sent to the display.
func (s *Sequencer) Visible() Window { return s.visible }

// Cursor returns the segment being spoken and its word table. ok is false
// when nothing is speaking.
func (s *Sequencer) Cursor() (segment int, table WordTable, ok bool) {
	if s.state != RunRunning {
		return 0, WordTable{}, false
	}
	return s.index, s.table, true
}

// SegmentStates returns a copy of the per-segment states of the current run.
func (s *Sequencer) SegmentStates() []SegmentState {
	return append([]SegmentState(nil), s.states...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
