// Package display renders caption windows. A Region keeps the window that is
// currently on screen; Multi fans one window out to several surfaces, such as
// the main caption box and the overlay drawn on top of a video.
package display

import (
	"fmt"
	"io"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/caption"
)

// Region is a single caption area. It is written from the playback loop and
// may be read from any goroutine.
type Region struct {
	name    string
	mu      sync.RWMutex
	current caption.Window
	updates int
}

func NewRegion(name string) *Region {
	return &Region{name: name}
}

func (r *Region) Name() string { return r.name }

func (r *Region) Show(w caption.Window) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.Words = append([]string(nil), w.Words...)
	r.current = w
	r.updates++
}

// Current returns the window on screen.
func (r *Region) Current() caption.Window {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w := r.current
	w.Words = append([]string(nil), w.Words...)
	return w
}

// Updates counts how many times the region was redrawn.
func (r *Region) Updates() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updates
}

// Multi shows every window on all of its displays, in order.
type Multi []caption.Display

func (m Multi) Show(w caption.Window) {
	for _, d := range m {
		d.Show(w)
	}
}

// Writer prints one line per window, the way a terminal caption would look.
type Writer struct {
	mu     sync.Mutex
	out    io.Writer
	prefix bool
}

// NewWriter returns a Writer. With prefix set each line starts with the
// segment number.
func NewWriter(out io.Writer, prefix bool) *Writer {
	return &Writer{out: out, prefix: prefix}
}

func (w *Writer) Show(win caption.Window) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.prefix {
		fmt.Fprintf(w.out, "[%d] %s\n", win.Segment+1, win.String())
		return
	}
	fmt.Fprintln(w.out, win.String())
}
