// Package store keeps the node's small on-disk records as JSON lines: the
// address book snapshot and a rotating log of peer connection events.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"ghostnet/internal/metrics"
)

const (
	addrsFile   = "addrs.jsonl"
	eventsFile  = "conn_events.jsonl"
	maxScanSize = 64 << 10
)

// MaxLinesPerFile bounds the connection log before it rotates to ".1".
var MaxLinesPerFile = 4096

type Store struct {
	mu         sync.Mutex
	addrsPath  string
	eventsPath string
	lines      int
	counted    bool
}

type addrRecord struct {
	Addr   string `json:"addr"`
	Pinned bool   `json:"pinned,omitempty"`
}

func New(home string) (*Store, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	return &Store{
		addrsPath:  filepath.Join(home, addrsFile),
		eventsPath: filepath.Join(home, eventsFile),
	}, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxScanSize)
	return sc
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// SaveAddrs replaces the stored address list. Pinned addresses come from
// configuration and are not written.
func (s *Store) SaveAddrs(addrs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.addrsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, a := range addrs {
		if err := enc.Encode(addrRecord{Addr: a}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.addrsPath); err != nil {
		return err
	}
	syncDir(s.addrsPath)
	return nil
}

// LoadAddrs returns the stored addresses in file order, skipping duplicates
// and malformed lines. A missing file is an empty list.
func (s *Store) LoadAddrs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.addrsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []string
	seen := make(map[string]struct{})
	sc := newScanner(f)
	for sc.Scan() {
		var r addrRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Addr == "" {
			continue
		}
		if _, ok := seen[r.Addr]; ok {
			continue
		}
		seen[r.Addr] = struct{}{}
		out = append(out, r.Addr)
	}
	return out, sc.Err()
}

// AppendConnEvent adds ev to the connection log, rotating when full.
func (s *Store) AppendConnEvent(ev metrics.ConnEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.counted {
		n, err := countLines(s.eventsPath)
		if err != nil {
			return err
		}
		s.lines, s.counted = n, true
	}
	if MaxLinesPerFile > 0 && s.lines >= MaxLinesPerFile {
		if err := os.Rename(s.eventsPath, s.eventsPath+".1"); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rotate %s: %w", s.eventsPath, err)
		}
		s.lines = 0
	}
	f, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(ev); err != nil {
		return err
	}
	s.lines++
	return nil
}

// ConnEvents returns up to limit of the newest logged events, oldest first.
// The rotated file is read before the live one.
func (s *Store) ConnEvents(limit int) ([]metrics.ConnEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metrics.ConnEvent
	for _, path := range []string{s.eventsPath + ".1", s.eventsPath} {
		evs, err := readEvents(path)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func readEvents(path string) ([]metrics.ConnEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []metrics.ConnEvent
	sc := newScanner(f)
	for sc.Scan() {
		var ev metrics.ConnEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out, sc.Err()
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}
