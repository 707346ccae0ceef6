package tts

import (
	"context"
	"time"
)

type mockEngine struct {
	wordInterval time.Duration
}

// NewMockEngine returns an engine that "speaks" one word per interval,
// emitting a boundary event at the start of every word.
func NewMockEngine(wordInterval time.Duration) Engine {
	return &mockEngine{wordInterval: wordInterval}
}

func (m *mockEngine) Speak(ctx context.Context, req SpeakRequest) (<-chan Event, <-chan error) {
	starts := wordStarts(req.Text)
	events := make(chan Event, len(starts)+1)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		for i, start := range starts {
			if i > 0 && !m.wait(ctx) {
				errs <- ctx.Err()
				return
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case events <- Event{Kind: EventBoundary, CharIndex: start}:
			}
		}
		if !m.wait(ctx) {
			errs <- ctx.Err()
			return
		}
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
		case events <- Event{Kind: EventEnd}:
		}
	}()
	return events, errs
}

func (m *mockEngine) wait(ctx context.Context) bool {
	if m.wordInterval <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(m.wordInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
