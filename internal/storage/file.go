package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"commsched/internal/event"
	logx "commsched/pkg/logx"
)

// fileStore persists events with nothing but the filesystem:
//   - <prefix>.events.snapshot.json (full collection snapshot)
//   - <prefix>.events.journal.jsonl (append-only upsert/delete journal)
//
// Every compactEvery journal writes, the journal folds into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	events       map[string]event.Event

	writes int
}

type journalRecord struct {
	Op    string       `json:"op"` // "upsert" | "delete"
	ID    string       `json:"id"`
	Event *event.Event `json:"event,omitempty"`
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".events.snapshot.json"
	journalPath := prefix + ".events.journal.jsonl"

	events := map[string]event.Event{}
	_ = loadSnapshot(snapPath, events)
	_ = replayJournal(journalPath, events)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		events:       events,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Compact on shutdown so restarts load from the snapshot alone.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("snapshot compact on close failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) LoadAll(ctx context.Context) ([]event.Event, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Clone())
	}
	return out, nil
}

func (s *fileStore) Upsert(ctx context.Context, ev event.Event) error {
	_ = ctx
	if ev.ID == "" {
		return event.ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("events journal closed")
	}
	cp := ev.Clone()
	s.events[ev.ID] = cp

	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Op: "upsert", ID: ev.ID, Event: &cp}); err != nil {
		return err
	}
	return s.maybeCompactLocked()
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	_ = ctx
	if id == "" {
		return event.ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("events journal closed")
	}
	delete(s.events, id)

	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Op: "delete", ID: id}); err != nil {
		return err
	}
	return s.maybeCompactLocked()
}

func (s *fileStore) maybeCompactLocked() error {
	s.writes++
	if s.writes%compactEvery != 0 {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("snapshot compact failed", logx.Err(err))
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.events); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]event.Event) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]event.Event
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]event.Event) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "upsert":
			if r.Event != nil && r.ID != "" {
				out[r.ID] = *r.Event
			}
		case "delete":
			delete(out, r.ID)
		}
	}
	return sc.Err()
}
