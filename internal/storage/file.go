package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/state"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

// fileStore keeps the state document at cfg.Path and dedup marks next to it
// as <base>.dedup.json (compacted) plus <base>.dedup.jsonl (journal).
type fileStore struct {
	mu    sync.Mutex
	path  string
	marks *markLog
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(path, filepath.Ext(path))
	marks, err := openMarkLog(base+".dedup.json", base+".dedup.jsonl", log)
	if err != nil {
		return nil, err
	}
	return &fileStore{path: path, marks: marks}, nil
}

func (s *fileStore) Close() error { return s.marks.close() }

func (s *fileStore) LoadState(context.Context) (*state.MonitorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *fileStore) SaveState(_ context.Context, st *state.MonitorState) error {
	if st == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(st)
}

func (s *fileStore) Forget(_ context.Context, ids ...platform.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil || st == nil {
		return err
	}
	for _, id := range ids {
		st.Forget(id)
	}
	return s.write(st)
}

// read returns nil, nil when no document exists yet.
func (s *fileStore) read() (*state.MonitorState, error) {
	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, err
	}
	st := state.New()
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *fileStore) write(st *state.MonitorState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return replaceFile(s.path, raw)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	return s.marks.put(key, until)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	if key = strings.TrimSpace(key); key == "" {
		return time.Time{}, false, nil
	}
	until, ok := s.marks.get(key)
	return until, ok, nil
}

const markCompactEvery = 1000

// markLog is an expiring key set backed by a journal that is folded into a
// compacted JSON map every markCompactEvery writes.
type markLog struct {
	log logx.Logger

	mu      sync.Mutex
	compact string
	journal *os.File
	until   map[string]int64 // unix milli
	writes  int
}

type markEntry struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openMarkLog(compactPath, journalPath string, log logx.Logger) (*markLog, error) {
	m := &markLog{log: log, compact: compactPath, until: map[string]int64{}}
	if raw, err := os.ReadFile(compactPath); err == nil {
		_ = json.Unmarshal(raw, &m.until)
	}
	if f, err := os.Open(journalPath); err == nil {
		m.replay(f)
		_ = f.Close()
	}
	m.expire(time.Now())

	j, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	m.journal = j
	return m, nil
}

func (m *markLog) replay(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var e markEntry
		if json.Unmarshal(sc.Bytes(), &e) == nil && e.Key != "" {
			m.until[e.Key] = e.Until
		}
	}
}

func (m *markLog) expire(now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m.until {
		if v < cut {
			delete(m.until, k)
		}
	}
}

func (m *markLog) put(key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.journal == nil {
		return errors.New("dedup journal closed")
	}
	e := markEntry{Key: key, Until: until.UnixMilli()}
	m.until[key] = e.Until
	if err := json.NewEncoder(m.journal).Encode(e); err != nil {
		return err
	}
	if m.writes++; m.writes%markCompactEvery == 0 {
		if err := m.fold(); err != nil {
			m.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (m *markLog) get(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.until[key]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(v), true
}

// fold writes the live map and empties the journal. Caller holds m.mu.
func (m *markLog) fold() error {
	m.expire(time.Now())
	raw, err := json.Marshal(m.until)
	if err != nil {
		return err
	}
	if err := replaceFile(m.compact, raw); err != nil {
		return err
	}
	if err := m.journal.Truncate(0); err != nil {
		return err
	}
	_, err = m.journal.Seek(0, io.SeekEnd)
	return err
}

func (m *markLog) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.journal == nil {
		return nil
	}
	err := m.journal.Close()
	m.journal = nil
	return err
}

// replaceFile swaps data in at path through a synced temp file and rename,
// so readers never see a partial document.
func replaceFile(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(0o600); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
