package github

import (
	"sync"
	"time"
)

// cursorTracker keeps the newest cursor value seen per repository or
// organization while a stream is read concurrently.
type cursorTracker struct {
	mu     sync.Mutex
	values map[string]time.Time
}

func newCursorTracker(previous map[string]time.Time) *cursorTracker {
	values := make(map[string]time.Time, len(previous))
	for k, v := range previous {
		values[k] = v
	}
	return &cursorTracker{values: values}
}

func (t *cursorTracker) observe(target string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at.After(t.values[target]) {
		t.values[target] = at
	}
}

// state renders the cursors as stream state: target -> RFC3339 string.
func (t *cursorTracker) state() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]interface{}, len(t.values))
	for k, v := range t.values {
		out[k] = v.UTC().Format(time.RFC3339)
	}
	return out
}

// parseStreamState reads the cursors of one stream. Unparseable entries are
// dropped so a damaged state degrades to a full read of that target.
func parseStreamState(v interface{}) map[string]time.Time {
	out := make(map[string]time.Time)
	switch m := v.(type) {
	case map[string]interface{}:
		for k, raw := range m {
			if s, ok := raw.(string); ok {
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					out[k] = t
				}
			}
		}
	case map[string]string:
		for k, s := range m {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				out[k] = t
			}
		}
	}
	return out
}

// cursorValue extracts the cursor field of a record as a time.
func cursorValue(data map[string]interface{}, field string) (time.Time, bool) {
	s, ok := data[field].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// laterOf returns the later of a and b.
func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
