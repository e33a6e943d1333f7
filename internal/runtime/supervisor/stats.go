package supervisor

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Stats is a best-effort per-name view for health output.
type Stats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitempty"`
}

type tracker struct {
	mu    sync.Mutex
	names map[string]*Stats
}

func (t *tracker) update(name string, fn func(st *Stats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.names == nil {
		t.names = make(map[string]*Stats)
	}
	st, ok := t.names[name]
	if !ok {
		st = &Stats{Name: name}
		t.names[name] = st
	}
	fn(st)
}

func (t *tracker) list() []Stats {
	t.mu.Lock()
	out := make([]Stats, 0, len(t.names))
	for _, st := range t.names {
		out = append(out, *st)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Stats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
