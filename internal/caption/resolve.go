package caption

import "sort"

// Resolve returns the index i such that offsets[i] <= offset < offsets[i+1],
// treating the last word's upper bound as unbounded. offsets must be
// non-decreasing. It reports false when the table is empty or the offset
// falls before the first word; callers treat that as "no update".
func Resolve(offset int, offsets []int) (int, bool) {
	if len(offsets) == 0 || offset < offsets[0] {
		return 0, false
	}
	// first entry strictly greater than offset; the word before it contains offset
	next := sort.Search(len(offsets), func(i int) bool { return offsets[i] > offset })
	return next - 1, true
}
