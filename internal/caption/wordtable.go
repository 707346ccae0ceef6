package caption

import (
	"strings"
	"unicode/utf8"
)

// WordTable holds the words of one segment and the rune offset at which each
// word starts in the single-space-joined reconstruction of the segment.
// A WordTable is never mutated after Tokenize returns it.
type WordTable struct {
	words   []string
	offsets []int
}

// Tokenize splits text on runs of whitespace and computes word start offsets.
func Tokenize(text string) WordTable {
	words := strings.Fields(text)
	if len(words) == 0 {
		return WordTable{}
	}
	offsets := make([]int, len(words))
	next := 0
	for i, w := range words {
		offsets[i] = next
		next += utf8.RuneCountInString(w) + 1
	}
	return WordTable{words: words, offsets: offsets}
}

func (t WordTable) Len() int { return len(t.words) }

func (t WordTable) Empty() bool { return len(t.words) == 0 }

func (t WordTable) Word(i int) string { return t.words[i] }

// Words returns a copy of the word list.
func (t WordTable) Words() []string {
	return append([]string(nil), t.words...)
}

// Offsets returns a copy of the offset table.
func (t WordTable) Offsets() []int {
	return append([]int(nil), t.offsets...)
}

// Text is the exact string the offsets index into. It is what gets handed to
// the speech engine.
func (t WordTable) Text() string {
	return strings.Join(t.words, " ")
}

// Resolve maps a character offset reported by the engine to a word index.
func (t WordTable) Resolve(offset int) (int, bool) {
	return Resolve(offset, t.offsets)
}

func (t WordTable) slice(start, end int) []string {
	return append([]string(nil), t.words[start:end]...)
}
