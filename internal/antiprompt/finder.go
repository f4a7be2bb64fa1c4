// Package antiprompt implements streaming stop-sequence detection: given a
// fixed needle, it watches a stream of text chunks and reports when the
// needle has just completed, without needing the whole generated text
// buffered at once.
package antiprompt

// Finder incrementally matches a single needle against a stream of text
// chunks. It is not a KMP matcher: on a mismatch the cursor resets to 0 and
// retries the same byte against position 0, matching the simple
// single-candidate scan a hand-rolled incremental matcher would use.
type Finder struct {
	needle string
	pos    int
}

// New creates a Finder for needle. An empty needle never matches.
func New(needle string) *Finder {
	return &Finder{needle: needle}
}

// Feed consumes chunk and reports where in it the needle just completed.
// It returns -1 if the needle did not complete during this chunk, or
// k >= 0 if it completed at byte offset k of chunk (so chunk[k:] is the
// post-match tail). The cursor persists across calls and resets to 0
// automatically on completion.
func (f *Finder) Feed(chunk string) int {
	if len(f.needle) == 0 {
		return -1
	}

	i := 0
	for i < len(chunk) && f.pos < len(f.needle) {
		if f.needle[f.pos] != chunk[i] {
			f.pos = 0
		}
		if f.needle[f.pos] == chunk[i] {
			f.pos++
		}
		i++
	}

	if f.pos == len(f.needle) {
		f.pos = 0
		return i
	}
	return -1
}

// Reset clears the cursor without forgetting the needle.
func (f *Finder) Reset() { f.pos = 0 }

// CurrentPos reports how many needle bytes have matched so far; a nonzero
// value means a match is in progress.
func (f *Finder) CurrentPos() int { return f.pos }

// Needle returns the string this Finder was constructed with.
func (f *Finder) Needle() string { return f.needle }
