package storage

import (
	"context"
	"errors"
	"time"

	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/state"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled and progress lives in
// memory only.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the monitor and the notifier.
//
// SaveState persists a snapshot. The SQL drivers merge it into what is
// stored, so a cursor there never moves backwards even with two writers.
// Forget is the explicit operator path for dropping a channel's progress.
type Store interface {
	state.Backend
	Forget(ctx context.Context, ids ...platform.ChannelID) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
