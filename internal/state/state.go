// Package state holds the monitor's resumable progress: which channels have
// been backfilled and the highest message id processed per channel.
//
// A MonitorState has a single writer (the monitor loop) and is not locked.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/HypeDuke/osint3/internal/platform"
)

// CurrentVersion is written with every persisted state.
const CurrentVersion = 1

type MonitorState struct {
	Version     int
	Initialized map[platform.ChannelID]struct{}
	Cursors     map[platform.ChannelID]int64
}

// New returns an empty state.
func New() *MonitorState {
	return &MonitorState{
		Version:     CurrentVersion,
		Initialized: map[platform.ChannelID]struct{}{},
		Cursors:     map[platform.ChannelID]int64{},
	}
}

func (s *MonitorState) ensure() {
	if s.Initialized == nil {
		s.Initialized = map[platform.ChannelID]struct{}{}
	}
	if s.Cursors == nil {
		s.Cursors = map[platform.ChannelID]int64{}
	}
}

func (s *MonitorState) IsInitialized(id platform.ChannelID) bool {
	_, ok := s.Initialized[id]
	return ok
}

func (s *MonitorState) MarkInitialized(id platform.ChannelID) {
	s.ensure()
	s.Initialized[id] = struct{}{}
}

// Cursor returns the highest processed message id for id.
func (s *MonitorState) Cursor(id platform.ChannelID) (int64, bool) {
	c, ok := s.Cursors[id]
	return c, ok
}

// Advance raises the cursor to msgID. It never lowers it and reports
// whether the stored value changed.
func (s *MonitorState) Advance(id platform.ChannelID, msgID int64) bool {
	s.ensure()
	if cur, ok := s.Cursors[id]; ok && cur >= msgID {
		return false
	}
	s.Cursors[id] = msgID
	return true
}

// Forget drops a channel's progress. Only operator tooling calls it.
func (s *MonitorState) Forget(id platform.ChannelID) {
	delete(s.Initialized, id)
	delete(s.Cursors, id)
}

// InitializedIDs returns the backfilled channels in ascending order.
func (s *MonitorState) InitializedIDs() []platform.ChannelID {
	out := make([]platform.ChannelID, 0, len(s.Initialized))
	for id := range s.Initialized {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *MonitorState) Clone() *MonitorState {
	cp := New()
	cp.Version = s.Version
	for id := range s.Initialized {
		cp.Initialized[id] = struct{}{}
	}
	for id, c := range s.Cursors {
		cp.Cursors[id] = c
	}
	return cp
}

type wireState struct {
	Version     int              `json:"version"`
	Initialized []int64          `json:"initialized_channels"`
	Cursors     map[string]int64 `json:"cursors"`
}

func (s *MonitorState) MarshalJSON() ([]byte, error) {
	w := wireState{
		Version:     CurrentVersion,
		Initialized: make([]int64, 0, len(s.Initialized)),
		Cursors:     make(map[string]int64, len(s.Cursors)),
	}
	for _, id := range s.InitializedIDs() {
		w.Initialized = append(w.Initialized, int64(id))
	}
	for id, c := range s.Cursors {
		w.Cursors[strconv.FormatInt(int64(id), 10)] = c
	}
	return json.Marshal(w)
}

// UnmarshalJSON ignores unknown fields.
func (s *MonitorState) UnmarshalJSON(b []byte) error {
	var w wireState
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ns := New()
	if w.Version > 0 {
		ns.Version = w.Version
	}
	for _, id := range w.Initialized {
		ns.Initialized[platform.ChannelID(id)] = struct{}{}
	}
	for k, c := range w.Cursors {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return fmt.Errorf("state: cursor key %q: %w", k, err)
		}
		ns.Cursors[platform.ChannelID(id)] = c
	}
	*s = *ns
	return nil
}
