package state

import (
	"context"
	"sync/atomic"
	"time"

	logx "github.com/HypeDuke/osint3/pkg/logx"
)

// Backend persists a MonitorState. LoadState returns (nil, nil) when nothing
// has been stored yet.
type Backend interface {
	LoadState(ctx context.Context) (*MonitorState, error)
	SaveState(ctx context.Context, st *MonitorState) error
}

// Keeper owns the in-memory state and shields callers from persistence
// failures: loading never fails and saving is best-effort.
type Keeper struct {
	backend Backend
	log     logx.Logger
	timeout time.Duration

	st *MonitorState

	saves     atomic.Uint64
	saveFails atomic.Uint64
	lastSave  atomic.Int64
}

func NewKeeper(backend Backend, log logx.Logger) *Keeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Keeper{backend: backend, log: log, timeout: 5 * time.Second, st: New()}
}

// Load replaces the in-memory state with the persisted one. Missing or
// unreadable state yields a fresh empty state.
func (k *Keeper) Load(ctx context.Context) *MonitorState {
	if k.backend == nil {
		k.st = New()
		return k.st
	}
	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	st, err := k.backend.LoadState(cctx)
	switch {
	case err != nil:
		k.log.Warn("state load failed; starting fresh", logx.Err(err))
		st = New()
	case st == nil:
		k.log.Info("no saved state; starting fresh")
		st = New()
	default:
		st.ensure()
		k.log.Info("state loaded", logx.Int("initialized", len(st.Initialized)), logx.Int("cursors", len(st.Cursors)))
	}
	k.st = st
	return st
}

// State returns the live state.
func (k *Keeper) State() *MonitorState { return k.st }

// Save persists the live state. Failures are logged and swallowed.
func (k *Keeper) Save(ctx context.Context) {
	if k.backend == nil {
		return
	}
	// A shutdown save still has to reach the disk.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.backend.SaveState(cctx, k.st); err != nil {
		k.saveFails.Add(1)
		k.log.Error("state save failed", logx.Err(err))
		return
	}
	k.saves.Add(1)
	k.lastSave.Store(time.Now().UnixNano())
}

// SaveStats reports successful and failed saves and the last success time.
func (k *Keeper) SaveStats() (ok, failed uint64, last time.Time) {
	if ns := k.lastSave.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return k.saves.Load(), k.saveFails.Load(), last
}
