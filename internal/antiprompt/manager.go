package antiprompt

// Manager composes multiple Finders, one per registered antiprompt.
type Manager struct {
	finders []*Finder
}

// Add registers a new antiprompt needle.
func (m *Manager) Add(needle string) {
	m.finders = append(m.finders, New(needle))
}

// Clear removes all registered antiprompts.
func (m *Manager) Clear() {
	m.finders = nil
}

// Reset rewinds every Finder's cursor without forgetting the needles.
func (m *Manager) Reset() {
	for _, f := range m.finders {
		f.Reset()
	}
}

// HasRunning reports whether any Finder has a partial match in progress.
func (m *Manager) HasRunning() bool {
	for _, f := range m.finders {
		if f.CurrentPos() > 0 {
			return true
		}
	}
	return false
}

// FeedGeneratedText tries each Finder in registration order against text.
// On the first completion it resets every Finder and returns the matched
// needle concatenated with whatever of text followed the match point in
// this same chunk. If nothing completed, it returns "".
func (m *Manager) FeedGeneratedText(text string) string {
	for _, f := range m.finders {
		found := f.Feed(text)
		if found < 0 {
			continue
		}
		m.Reset()
		if found == 0 {
			return f.Needle()
		}
		return f.Needle() + text[found:]
	}
	return ""
}
