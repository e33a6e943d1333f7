package alert

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// dedupKey identifies repeats: same severity, same owner, same key (or text).
func (a Alert) dedupKey() string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s|", a.Severity, a.Owner)
	if a.Key != "" {
		_, _ = h.Write([]byte(a.Key))
	} else {
		_, _ = h.Write([]byte(a.Text))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

type seenEntry struct {
	key   string
	until time.Time
}

// deduper suppresses a key until its window passes. Entries are kept in
// admission order, which is expiry order while the window is unchanged,
// so pruning only ever looks at the front.
type deduper struct {
	mu    sync.Mutex
	until map[string]time.Time
	order []seenEntry
}

func (d *deduper) admit(key string, now time.Time, window time.Duration, maxEntries int) bool {
	if window <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.until == nil {
		d.until = make(map[string]time.Time)
	}
	if u, ok := d.until[key]; ok && now.Before(u) {
		return false
	}
	u := now.Add(window)
	d.until[key] = u
	d.order = append(d.order, seenEntry{key: key, until: u})

	for len(d.order) > 0 {
		front := d.order[0]
		expired := !now.Before(front.until)
		if !expired && len(d.until) <= maxEntries {
			break
		}
		d.order = d.order[1:]
		// A key admitted again later has a newer entry further back.
		if d.until[front.key].Equal(front.until) {
			delete(d.until, front.key)
		}
	}
	return true
}

func (d *deduper) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.until)
}
