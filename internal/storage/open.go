package storage

import (
	"fmt"
	"strings"

	logx "github.com/HypeDuke/osint3/pkg/logx"
)

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":       openFile,
	"sqlite":     openSQLite,
	"sqlite3":    openSQLite,
	"postgres":   openPostgres,
	"postgresql": openPostgres,
}

// Open returns the store for cfg.Driver, or (nil, nil) for "" and "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %q", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := open(cfg, log.With(logx.String("driver", name)))
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", name, err)
	}
	return st, nil
}
