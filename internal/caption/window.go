package caption

import "strings"

// WindowSize is the number of words shown in one caption window.
const WindowSize = 3

// Window is the caption currently on screen: a contiguous run of words from
// a single segment.
type Window struct {
	Segment int      `json:"segment"`
	Start   int      `json:"start"`
	Words   []string `json:"words"`
}

func (w Window) String() string {
	return strings.Join(w.Words, " ")
}

func (w Window) Empty() bool { return len(w.Words) == 0 }

// WindowAt returns the window that begins at index. Only indices on a window
// boundary (multiples of WindowSize) produce a window.
func WindowAt(index int, t WordTable) (Window, bool) {
	if index < 0 || index >= t.Len() || index%WindowSize != 0 {
		return Window{}, false
	}
	end := min(index+WindowSize, t.Len())
	return Window{Start: index, Words: t.slice(index, end)}, true
}

// LeadingWindow is shown as soon as a segment starts speaking.
func LeadingWindow(t WordTable) Window {
	return Window{Start: 0, Words: t.slice(0, min(WindowSize, t.Len()))}
}

// TrailingWindow holds the last words of a segment and is shown once when
// the segment finishes, whatever window was visible before.
func TrailingWindow(t WordTable) Window {
	start := max(0, t.Len()-WindowSize)
	return Window{Start: start, Words: t.slice(start, t.Len())}
}
