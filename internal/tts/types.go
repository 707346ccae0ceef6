package tts

import (
	"context"
	"errors"
	"unicode"
)

// ErrEngineClosed is reported when an engine stops producing events without
// ever signalling the end of the utterance.
var ErrEngineClosed = errors.New("speech engine closed without end event")

// SpeakRequest contains the utterance to speak.
type SpeakRequest struct {
	UtteranceID string
	Text        string
	Voice       string
	Lang        string
}

// EventKind identifies an engine notification.
type EventKind string

const (
	EventBoundary EventKind = "boundary"
	EventEnd      EventKind = "end"
)

// Event is a notification produced while an utterance is spoken.
// CharIndex is the rune offset into SpeakRequest.Text of the word being
// spoken and is only meaningful for boundary events.
type Event struct {
	Kind      EventKind
	CharIndex int
}

// Engine is the contract for speaking text. Boundary events arrive in
// non-decreasing CharIndex order followed by exactly one end event.
// A failure is reported on the error channel instead. Cancelling ctx stops
// all further events.
type Engine interface {
	Speak(ctx context.Context, req SpeakRequest) (<-chan Event, <-chan error)
}

// IsCancelled reports whether err only reflects a cancelled speak call.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// wordStarts returns the rune offset of every word in text.
func wordStarts(text string) []int {
	var starts []int
	inWord := false
	i := 0
	for _, r := range text {
		space := unicode.IsSpace(r)
		if !space && !inWord {
			starts = append(starts, i)
		}
		inWord = !space
		i++
	}
	return starts
}
