package cycle

import (
	"log"
	"sync"
	"time"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

// Activity kinds.
const (
	KindSent   = "sent"
	KindStatus = "status"
)

// Reporter receives operator-facing progress lines.
type Reporter interface {
	Sent(msg string)
	Status(msg string)
}

// LogReporter writes progress lines to the standard logger.
type LogReporter struct{}

func (LogReporter) Sent(msg string)   { log.Printf("cycle: sent: %s", msg) }
func (LogReporter) Status(msg string) { log.Printf("cycle: %s", msg) }

// ActivityLog keeps the most recent progress lines in a bounded ring.
type ActivityLog struct {
	mu      sync.Mutex
	entries []model.ActivityEntry
	next    int
	full    bool
	now     func() time.Time
}

// NewActivityLog creates a ring holding up to capacity entries.
func NewActivityLog(capacity int) *ActivityLog {
	if capacity <= 0 {
		capacity = model.DefaultActivityBuffer
	}
	return &ActivityLog{entries: make([]model.ActivityEntry, capacity), now: time.Now}
}

func (a *ActivityLog) Sent(msg string)   { a.append(KindSent, msg) }
func (a *ActivityLog) Status(msg string) { a.append(KindStatus, msg) }

func (a *ActivityLog) append(kind, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.next] = model.ActivityEntry{At: a.now(), Kind: kind, Message: msg}
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (a *ActivityLog) Recent(limit int) []model.ActivityEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.next
	if a.full {
		n = len(a.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.ActivityEntry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (a.next - 1 - i + len(a.entries)) % len(a.entries)
		out = append(out, a.entries[idx])
	}
	return out
}

type multiReporter []Reporter

func (m multiReporter) Sent(msg string) {
	for _, r := range m {
		r.Sent(msg)
	}
}

func (m multiReporter) Status(msg string) {
	for _, r := range m {
		r.Status(msg)
	}
}
