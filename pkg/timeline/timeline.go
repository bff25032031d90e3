// Package timeline records the ordered diagnostic log attached to one request
// execution: proxy decisions, DNS and TCP setup, TLS details, the request
// line, headers and the response status.
package timeline

import (
	"fmt"
	"sync"
	"time"
)

// Kind classifies a timeline entry.
type Kind string

const (
	KindInfo           Kind = "info"
	KindTLS            Kind = "tls"
	KindRequest        Kind = "request"
	KindRequestHeader  Kind = "requestHeader"
	KindRequestData    Kind = "requestData"
	KindResponse       Kind = "response"
	KindResponseHeader Kind = "responseHeader"
	KindError          Kind = "error"
	KindSeparator      Kind = "separator"
)

// Entry is a single timeline item.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"type"`
	Message   string    `json:"message"`
}

// Timeline is append-only. Transport callbacks run on their own goroutines,
// so appends are serialized.
type Timeline struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// New creates an empty timeline.
func New() *Timeline {
	return &Timeline{now: time.Now}
}

// Add appends an entry. A nil timeline drops it.
func (t *Timeline) Add(kind Kind, message string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.entries = append(t.entries, Entry{Timestamp: t.now(), Kind: kind, Message: message})
	t.mu.Unlock()
}

// Addf appends a formatted entry.
func (t *Timeline) Addf(kind Kind, format string, args ...any) {
	if t == nil {
		return
	}
	t.Add(kind, fmt.Sprintf(format, args...))
}

func (t *Timeline) Info(format string, args ...any)  { t.Addf(KindInfo, format, args...) }
func (t *Timeline) TLS(format string, args ...any)   { t.Addf(KindTLS, format, args...) }
func (t *Timeline) Error(format string, args ...any) { t.Addf(KindError, format, args...) }

// Separator marks the boundary between two hops of a redirect chain.
func (t *Timeline) Separator() { t.Add(KindSeparator, "") }

// Entries returns a copy of the entries recorded so far.
func (t *Timeline) Entries() []Entry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Messages returns the messages of entries of the given kind, in order.
func (t *Timeline) Messages(kind Kind) []string {
	var out []string
	for _, e := range t.Entries() {
		if e.Kind == kind {
			out = append(out, e.Message)
		}
	}
	return out
}
