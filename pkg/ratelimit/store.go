package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/charmbracelet/log"
)

// Window is the persisted rate-limit record. It is shared by every
// cooperating process instance via a StateStore, so its JSON field names are
// part of the on-disk contract.
type Window struct {
	RequestTimestamps []int64 `json:"requestTimestamps"` // unix milliseconds
	LastRequestTime   int64   `json:"lastRequestTime"`   // unix milliseconds
	IsLimited         bool    `json:"isLimited"`
	RetryAfter        int     `json:"retryAfter,omitempty"` // seconds
}

// StateStore persists the shared rate-limit window. Load returns (nil, nil)
// when no state has been written yet.
type StateStore interface {
	Load() (*Window, error)
	Save(*Window) error
}

// FileStore keeps the window in a JSON file. Writes go through a temp file
// and rename so concurrent readers never observe a partial record. There is
// no cross-process locking: two instances can read the same stale window and
// both admit, transiently exceeding the cap. The upstream limit is
// unpublished, so this stays a best-effort barrier.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (*Window, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rate state: %w", err)
	}
	var w Window
	if err := json.Unmarshal(b, &w); err != nil {
		// A torn or hand-edited file resets the window rather than
		// blocking all admissions.
		log.Debug("discarding unreadable rate state", "path", s.path, "err", err)
		return nil, nil
	}
	return &w, nil
}

func (s *FileStore) Save(w *Window) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir rate state dir: %w", err)
	}
	b, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rate state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write rate state temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename rate state: %w", err)
	}
	return nil
}
