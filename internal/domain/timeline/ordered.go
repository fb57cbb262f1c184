package timeline

import "time"

// AtOrderedList keeps entries sorted by At. Entries sharing an instant stay
// in insertion order, so the most recently added one sorts last among ties.
type AtOrderedList struct {
	entries []Entry
}

// Insert places e after the last entry at or before e.At.
func (l *AtOrderedList) Insert(e Entry) {
	i := len(l.entries)
	for i > 0 && l.entries[i-1].At.After(e.At) {
		i--
	}
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
}

func (l *AtOrderedList) Len() int { return len(l.entries) }

// Pop removes and returns the last entry.
func (l *AtOrderedList) Pop() (Entry, bool) {
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	last := l.entries[len(l.entries)-1]
	l.entries = l.entries[:len(l.entries)-1]
	return last, true
}

// Entries returns the ordered entries.
func (l *AtOrderedList) Entries() []Entry {
	return l.entries
}

// TruncateAfter drops every entry later than t.
func (l *AtOrderedList) TruncateAfter(t time.Time) {
	for len(l.entries) > 0 && l.entries[len(l.entries)-1].At.After(t) {
		l.entries = l.entries[:len(l.entries)-1]
	}
}
