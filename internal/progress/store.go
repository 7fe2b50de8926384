package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/hlsget/hlsget/internal/utils"
)

const (
	checkpointFile = "progress.json"
	// WriteEvery is how many completed segments pass between checkpoint
	// writes.
	WriteEvery = 100
)

// Checkpoint is advisory only: resume correctness is decided by segment
// files on disk, never by this file.
type Checkpoint struct {
	Downloaded int     `json:"downloaded"`
	Total      int     `json:"total"`
	Timestamp  float64 `json:"timestamp"`
}

// Store writes best-effort JSON checkpoints inside the temp segment
// directory.
type Store struct {
	path string
	last int
}

func NewStore(tempDir string) *Store {
	return &Store{path: filepath.Join(tempDir, checkpointFile)}
}

// Update persists a checkpoint every WriteEvery completions. Failures
// are swallowed; the checkpoint is observability, not state.
func (s *Store) Update(downloaded, total int) {
	if downloaded-s.last < WriteEvery {
		return
	}
	s.last = downloaded
	s.write(downloaded, total)
}

// Flush persists the current counts unconditionally.
func (s *Store) Flush(downloaded, total int) {
	s.write(downloaded, total)
}

func (s *Store) write(downloaded, total int) {
	data, err := json.Marshal(Checkpoint{
		Downloaded: downloaded,
		Total:      total,
		Timestamp:  float64(time.Now().UnixNano()) / float64(time.Second),
	})
	if err != nil {
		return
	}
	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		log := utils.GetLogger("progress")
		log.Debug().Err(err).Msg("Checkpoint write failed, continuing")
	}
}

// Load reads the previous checkpoint if one exists. Used only for the
// informational "resuming from N/M" log line at startup.
func (s *Store) Load() (*Checkpoint, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, false
	}
	return &cp, true
}
