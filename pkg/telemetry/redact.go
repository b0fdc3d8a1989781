package telemetry

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"sync"
)

// RedactedPlaceholder replaces every tracked secret in log output.
const RedactedPlaceholder = "[REDACTED]"

// Redactor is an io.Writer that scrubs tracked secret values from everything
// written through it. Secret outputs are tracked as they resolve, so a value
// is only scrubbed from lines written after it became known.
type Redactor struct {
	out io.Writer

	mu      sync.RWMutex
	values  map[string]struct{}
	ordered [][]byte
}

// NewRedactor wraps out.
func NewRedactor(out io.Writer) *Redactor {
	return &Redactor{
		out:    out,
		values: make(map[string]struct{}),
	}
}

// Track registers a secret value. Values shorter than four bytes are
// ignored; scrubbing them would mangle ordinary log text.
func (r *Redactor) Track(value string) {
	if len(value) < 4 {
		return
	}

	variants := []string{value}
	// zerolog JSON-escapes field values, so the escaped form must match too.
	if escaped, err := json.Marshal(value); err == nil {
		if e := string(escaped[1 : len(escaped)-1]); e != value {
			variants = append(variants, e)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, v := range variants {
		if _, ok := r.values[v]; ok {
			continue
		}
		r.values[v] = struct{}{}
		changed = true
	}
	if !changed {
		return
	}

	r.ordered = r.ordered[:0]
	for v := range r.values {
		r.ordered = append(r.ordered, []byte(v))
	}
	// Longest first, so a secret containing another is replaced whole.
	sort.Slice(r.ordered, func(i, j int) bool {
		return len(r.ordered[i]) > len(r.ordered[j])
	})
}

// Count returns the number of tracked values.
func (r *Redactor) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.values)
}

// Redact returns s with every tracked value replaced.
func (r *Redactor) Redact(s string) string {
	return string(r.redact([]byte(s)))
}

func (r *Redactor) redact(p []byte) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.ordered {
		if bytes.Contains(p, v) {
			p = bytes.ReplaceAll(p, v, []byte(RedactedPlaceholder))
		}
	}
	return p
}

// Write implements io.Writer. It reports len(p) on success even though the
// scrubbed line written downstream may differ in length.
func (r *Redactor) Write(p []byte) (int, error) {
	if _, err := r.out.Write(r.redact(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
