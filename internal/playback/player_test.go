package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/display"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/tts"
	"github.com/loqalabs/loqa-captions/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPlayer runs p until the test ends and waits for the loop to exit.
func startPlayer(t *testing.T, p *Player) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitRun(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run %d did not finish", run.ID)
	}
}

// scriptedEngine fails any utterance listed in fail and otherwise behaves
// like the mock engine. It records every request.
type scriptedEngine struct {
	inner tts.Engine
	fail  map[string]error

	mu       sync.Mutex
	requests []tts.SpeakRequest
}

func (e *scriptedEngine) Speak(ctx context.Context, req tts.SpeakRequest) (<-chan tts.Event, <-chan error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	if err, ok := e.fail[req.Text]; ok {
		events := make(chan tts.Event)
		errs := make(chan error, 1)
		errs <- err
		close(errs)
		close(events)
		return events, errs
	}
	return e.inner.Speak(ctx, req)
}

func (e *scriptedEngine) texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, r := range e.requests {
		out = append(out, r.Text)
	}
	return out
}

// stallingEngine hangs on texts in hang until the call context ends and
// closes without an end event on texts in silent. Anything else goes to inner.
type stallingEngine struct {
	inner  tts.Engine
	hang   map[string]bool
	silent map[string]bool
}

func (e *stallingEngine) Speak(ctx context.Context, req tts.SpeakRequest) (<-chan tts.Event, <-chan error) {
	switch {
	case e.hang[req.Text]:
		events := make(chan tts.Event, 1)
		errs := make(chan error)
		events <- tts.Event{Kind: tts.EventBoundary, CharIndex: 0}
		go func() {
			<-ctx.Done()
			close(events)
			close(errs)
		}()
		return events, errs
	case e.silent[req.Text]:
		events := make(chan tts.Event)
		errs := make(chan error)
		close(events)
		close(errs)
		return events, errs
	}
	return e.inner.Speak(ctx, req)
}

type fixedVoices []voice.Voice

func (f fixedVoices) Select(index int) (voice.Voice, bool) { return voice.Select(f, index) }

type memoryRecorder struct {
	mu     sync.Mutex
	runs   []eventstore.Run
	events []eventstore.Event
}

func (m *memoryRecorder) AppendRun(_ context.Context, run eventstore.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memoryRecorder) AppendEvent(_ context.Context, evt eventstore.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memoryRecorder) details(typ string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.Type == typ {
			out = append(out, e.Detail)
		}
	}
	return out
}

func (m *memoryRecorder) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func TestPlayerSpeaksAllSegments(t *testing.T) {
	region := display.NewRegion("main")
	engine := &scriptedEngine{inner: tts.NewMockEngine(0)}
	p := New(engine, region, Options{Logger: newLogger()})
	startPlayer(t, p)

	run, err := p.SpeakAll(context.Background(), "session-1", []string{"", "one two three four", "five"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "session-1", run.SessionID)
	assert.Equal(t, 3, run.Segments)
	waitRun(t, run)

	assert.False(t, run.Cancelled())
	assert.Equal(t, []string{"one two three four", "five"}, engine.texts())
	assert.Equal(t, caption.Window{Segment: 2, Start: 0, Words: []string{"five"}}, region.Current())
}

func TestPlayerRejectsBlankRequest(t *testing.T) {
	p := New(tts.NewMockEngine(0), display.NewRegion("main"), Options{Logger: newLogger()})
	startPlayer(t, p)

	_, err := p.SpeakAll(context.Background(), "", []string{" ", ""}, 0)
	assert.ErrorIs(t, err, caption.ErrNothingToSpeak)
}

func TestPlayerAdvancesPastEngineFailure(t *testing.T) {
	region := display.NewRegion("main")
	engine := &scriptedEngine{
		inner: tts.NewMockEngine(0),
		fail:  map[string]error{"broken words": errors.New("device busy")},
	}
	p := New(engine, region, Options{Logger: newLogger()})
	startPlayer(t, p)

	run, err := p.SpeakAll(context.Background(), "", []string{"broken words", "fine"}, 0)
	require.NoError(t, err)
	waitRun(t, run)

	assert.False(t, run.Cancelled())
	assert.Equal(t, []string{"broken words", "fine"}, engine.texts())
	assert.Equal(t, "fine", region.Current().String())
	assert.NotEmpty(t, run.SessionID)
}

func TestPlayerAdvancesPastTimeoutAndSilentClose(t *testing.T) {
	region := display.NewRegion("main")
	rec := &memoryRecorder{}
	engine := &stallingEngine{
		inner:  tts.NewMockEngine(0),
		hang:   map[string]bool{"one two three four": true},
		silent: map[string]bool{"silent close": true},
	}
	var ended []*Run
	endedCh := make(chan struct{})
	p := New(engine, region, Options{
		Recorder:     rec,
		SpeakTimeout: 50 * time.Millisecond,
		Logger:       newLogger(),
		OnRunEnd: func(r *Run) {
			ended = append(ended, r)
			close(endedCh)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	run, err := p.SpeakAll(context.Background(), "", []string{"one two three four", "silent close", "last"}, 0)
	require.NoError(t, err)
	waitRun(t, run)
	<-endedCh

	// the loop exit flushes the audit writer
	cancel()
	<-done

	assert.False(t, run.Cancelled())
	require.Len(t, ended, 1)
	assert.Same(t, run, ended[0])
	assert.Equal(t, caption.Window{Segment: 2, Start: 0, Words: []string{"last"}}, region.Current())

	assert.Equal(t, []string{
		eventstore.TypeRunStarted,
		eventstore.TypeSegmentStarted,
		eventstore.TypeSegmentFailed,
		eventstore.TypeSegmentStarted,
		eventstore.TypeSegmentFailed,
		eventstore.TypeSegmentStarted,
		eventstore.TypeSegmentCompleted,
		eventstore.TypeRunFinished,
	}, rec.types())

	failures := rec.details(eventstore.TypeSegmentFailed)
	require.Len(t, failures, 2)
	assert.Contains(t, failures[0], "speak timed out")
	assert.Contains(t, failures[0], context.DeadlineExceeded.Error())
	assert.Equal(t, tts.ErrEngineClosed.Error(), failures[1])
}

func TestPlayerSupersedesRun(t *testing.T) {
	region := display.NewRegion("main")
	var (
		mu    sync.Mutex
		ended []*Run
	)
	p := New(tts.NewMockEngine(time.Hour), region, Options{
		Logger: newLogger(),
		OnRunEnd: func(r *Run) {
			mu.Lock()
			ended = append(ended, r)
			mu.Unlock()
		},
	})
	startPlayer(t, p)

	first, err := p.Speak(context.Background(), "s", "alpha beta gamma delta", 0)
	require.NoError(t, err)
	second, err := p.Speak(context.Background(), "s", "epsilon zeta", 0)
	require.NoError(t, err)

	waitRun(t, first)
	assert.True(t, first.Cancelled())
	assert.Greater(t, second.ID, first.ID)

	// the first call's events can never reach the screen again
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "epsilon zeta", region.Current().String())

	require.NoError(t, p.Stop(context.Background()))
	waitRun(t, second)
	assert.True(t, second.Cancelled())
	assert.Equal(t, "epsilon zeta", region.Current().String())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ended, 2)
	assert.Same(t, first, ended[0])
	assert.Same(t, second, ended[1])
}

func TestPlayerSelectsVoice(t *testing.T) {
	engine := &scriptedEngine{inner: tts.NewMockEngine(0)}
	voices := fixedVoices{{Name: "Alice", Lang: "en-US"}, {Name: "Bruno", Lang: "pt-BR"}}
	p := New(engine, display.NewRegion("main"), Options{Voices: voices, Logger: newLogger()})
	startPlayer(t, p)

	run, err := p.Speak(context.Background(), "", "olá", 1)
	require.NoError(t, err)
	waitRun(t, run)
	assert.Equal(t, voice.Voice{Name: "Bruno", Lang: "pt-BR"}, run.Voice)

	run, err = p.Speak(context.Background(), "", "hello", 7)
	require.NoError(t, err)
	waitRun(t, run)
	assert.True(t, run.Voice.IsDefault())

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.requests, 2)
	assert.Equal(t, "Bruno", engine.requests[0].Voice)
	assert.Equal(t, "pt-BR", engine.requests[0].Lang)
	assert.Equal(t, "", engine.requests[1].Voice)
}

func TestPlayerRecordsTimeline(t *testing.T) {
	rec := &memoryRecorder{}
	engine := &scriptedEngine{
		inner: tts.NewMockEngine(0),
		fail:  map[string]error{"bad": errors.New("boom")},
	}
	p := New(engine, display.NewRegion("main"), Options{Recorder: rec, Logger: newLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	run, err := p.SpeakAll(context.Background(), "session-2", []string{"", "bad", "good words"}, 0)
	require.NoError(t, err)
	waitRun(t, run)

	cancel()
	<-done

	rec.mu.Lock()
	require.Len(t, rec.runs, 1)
	assert.Equal(t, run.AuditID, rec.runs[0].RunID)
	assert.Equal(t, "session-2", rec.runs[0].SessionID)
	assert.Equal(t, 3, rec.runs[0].Segments)
	for _, e := range rec.events {
		assert.Equal(t, run.AuditID, e.RunID)
	}
	rec.mu.Unlock()

	assert.Equal(t, []string{
		eventstore.TypeRunStarted,
		eventstore.TypeSegmentSkipped,
		eventstore.TypeSegmentStarted,
		eventstore.TypeSegmentFailed,
		eventstore.TypeSegmentStarted,
		eventstore.TypeSegmentCompleted,
		eventstore.TypeRunFinished,
	}, rec.types())
}

func TestPlayerStoppedLoop(t *testing.T) {
	p := New(tts.NewMockEngine(0), display.NewRegion("main"), Options{Logger: newLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	cancel()
	<-done

	_, err := p.Speak(context.Background(), "", "too late", 0)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Error(t, p.Run(context.Background()))
}
