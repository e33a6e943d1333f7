package eventbus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-process signal from the dispatch path to metrics and
// alerting. Publishing never blocks: a subscriber whose buffer is full
// misses the event and the loss is counted.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers every event whose Type starts with one of prefixes.
	// No prefixes means all events.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscriber buffers.
	Dropped() uint64
}

const defaultBuffer = 8

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus { return &fanout{} }

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) matches(typ string) bool {
	return len(s.prefixes) == 0 || slices.ContainsFunc(s.prefixes, func(p string) bool {
		return strings.HasPrefix(typ, p)
	})
}

// fanout sends while holding the read lock; unsubscribe closes a channel
// only under the write lock, so no send can race a close.
type fanout struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.matches(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: slices.Clone(prefixes)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
