package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects and tunes the persistence driver.
//
// An empty Driver (or "none") disables persistence; the engine then runs
// purely in memory. "file" keeps a snapshot plus a jsonl journal at Path;
// "sqlite" opens a database file at Path and needs the sqlite build tag.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
