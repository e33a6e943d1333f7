package storage

import (
	"fmt"
	"slices"
	"strings"

	logx "petfeeder/pkg/logx"
)

type opener func(cfg Config, log logx.Logger) (Store, error)

// drivers maps every accepted driver spelling to its canonical name.
var drivers = map[string]string{
	"":           "sqlite",
	"sqlite":     "sqlite",
	"sqlite3":    "sqlite",
	"postgres":   "postgres",
	"postgresql": "postgres",
	"pg":         "postgres",
	"memory":     "memory",
	"mem":        "memory",
}

var openers = map[string]opener{
	"sqlite":   openSQLite,
	"postgres": openPostgres,
	"memory":   func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
}

// CanonicalDriver normalizes a configured driver name. ok is false for
// names no store answers to.
func CanonicalDriver(name string) (driver string, ok bool) {
	driver, ok = drivers[strings.ToLower(strings.TrimSpace(name))]
	return driver, ok
}

// Open initializes the configured store. An empty driver selects sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver, ok := CanonicalDriver(cfg.Driver)
	if !ok {
		known := make([]string, 0, len(openers))
		for k := range openers {
			known = append(known, k)
		}
		slices.Sort(known)
		return nil, fmt.Errorf("unknown storage driver %q (want one of %s)", cfg.Driver, strings.Join(known, ", "))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openers[driver](cfg, log.With(logx.Component("storage"), logx.String("driver", driver)))
}
