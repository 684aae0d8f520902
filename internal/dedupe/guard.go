package dedupe

import (
	"log/slog"
	"sync"
	"time"
)

// Guard suppresses repeated identical send attempts within a window.
// The key is (identity, body); the source tag is recorded for diagnostics
// only. State is process-local: a restart clears all entries.
type Guard struct {
	window    time.Duration
	retention time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time

	now func() time.Time
}

func New(window, retention time.Duration) *Guard {
	if retention < window {
		retention = window
	}
	return &Guard{
		window:    window,
		retention: retention,
		lastSeen:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// IsDuplicate reports whether an identical (identity, body) pair was seen
// within the window. A duplicate hit does not refresh the stored timestamp,
// so rapid repeats cannot extend the suppression indefinitely. Safe for
// concurrent use.
func (g *Guard) IsDuplicate(identity, body, sourceTag string) bool {
	key := identity + "\x00" + body
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastSeen[key]; ok && now.Sub(last) < g.window {
		slog.Warn("duplicate message suppressed",
			"to", identity,
			"source", sourceTag,
			"age", now.Sub(last).String(),
		)
		return true
	}

	g.lastSeen[key] = now
	g.evictLocked(now)

	return false
}

// Len returns the number of tracked entries.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lastSeen)
}

func (g *Guard) evictLocked(now time.Time) {
	for key, seen := range g.lastSeen {
		if now.Sub(seen) >= g.retention {
			delete(g.lastSeen, key)
		}
	}
}
