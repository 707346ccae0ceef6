package protocol

import "time"

// SpeakRequest asks the caption runtime to speak segments in order. Without
// a voice index the runtime's configured default voice is used.
type SpeakRequest struct {
	SessionID  string    `json:"session_id"`
	Segments   []string  `json:"segments"`
	VoiceIndex *int      `json:"voice_index,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CancelRequest stops whatever run is in flight.
type CancelRequest struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptionWindow is broadcast every time the visible caption changes.
type CaptionWindow struct {
	SessionID string    `json:"session_id"`
	Run       uint64    `json:"run"`
	Segment   int       `json:"segment"`
	Start     int       `json:"start"`
	Words     []string  `json:"words"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// RunStatus reports the end of a run, either finished or superseded.
type RunStatus struct {
	SessionID string    `json:"session_id"`
	Run       uint64    `json:"run"`
	Completed bool      `json:"completed"`
	Cancelled bool      `json:"cancelled"`
	Timestamp time.Time `json:"timestamp"`
}

// VoiceInfo describes one voice offered by a speech engine.
type VoiceInfo struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

// VoiceList is announced by engines whenever their voice list changes. Each
// announcement replaces the previous list from the same source.
type VoiceList struct {
	Source    string      `json:"source"`
	Voices    []VoiceInfo `json:"voices"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	SubjectSpeak        = "captions.speak"
	SubjectCancel       = "captions.cancel"
	SubjectWindow       = "captions.window"
	SubjectRunStatus    = "captions.run.status"
	SubjectVoicesPrefix = "tts.voices"
)
