package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hlsget/hlsget/internal/diskspace"
	"github.com/hlsget/hlsget/internal/hlskey"
	"github.com/hlsget/hlsget/internal/merge"
	"github.com/hlsget/hlsget/internal/playlist"
	"github.com/hlsget/hlsget/internal/progress"
	"github.com/hlsget/hlsget/internal/segment"
	"github.com/hlsget/hlsget/internal/utils"
	"github.com/hlsget/hlsget/internal/validate"
)

type State string

const (
	StateInit       State = "INIT"
	StateResolving  State = "RESOLVING"
	StateKeyFetch   State = "KEY_FETCH"
	StateFetching   State = "FETCHING"
	StateRetrying   State = "RETRYING"
	StateMerging    State = "MERGING"
	StateValidating State = "VALIDATING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// estimatedMBps sizes the disk reservation from playlist duration
// before any bytes arrive.
const estimatedMBps = 0.75

type Config struct {
	URL          string
	OutputPath   string
	Workers      int
	PreserveTemp bool
	HTTPConfig   utils.HTTPClientConfig
	// ProgressFunc is invoked after every completed segment.
	ProgressFunc func(completed, total int, bytes int64)
}

// Result is the session outcome. Throttled is a distinct variant so the
// caller can restart with a fresh session instead of blindly retrying.
type Result struct {
	OK         bool
	Throttled  bool
	Diagnostic string
}

// Session drives one download end to end:
// INIT -> RESOLVING -> (KEY_FETCH) -> FETCHING -> (RETRYING) -> MERGING
// -> VALIDATING -> DONE, failing over to FAILED from any state.
type Session struct {
	id        string
	cfg       Config
	client    utils.HTTPDoer
	resolver  *playlist.Resolver
	validator *validate.Validator
	disk      *diskspace.Manager
	state     State
}

func New(cfg Config, disk *diskspace.Manager) *Session {
	if cfg.Workers <= 0 {
		cfg.Workers = segment.DefaultWorkers
	}
	httpCfg := cfg.HTTPConfig
	// Pool sized ~3x the worker count so concurrent GETs never wait on
	// idle connection slots.
	httpCfg.PoolSize = cfg.Workers * 3
	client := utils.NewHLSHTTPClient(httpCfg)
	return &Session{
		id:        uuid.New().String(),
		cfg:       cfg,
		client:    client,
		resolver:  playlist.NewResolver(client),
		validator: validate.New(),
		disk:      disk,
		state:     StateInit,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return s.state
}

// SetValidator swaps the integrity validator (used by tests and by
// callers that probe with something other than ffprobe).
func (s *Session) SetValidator(v *validate.Validator) {
	s.validator = v
}

func (s *Session) setState(state State) {
	log := utils.GetLogger("session")
	log.Debug().Str("session", s.id).Str("from", string(s.state)).Str("to", string(state)).Msg("State transition")
	s.state = state
}

// Run executes the session. On OK the output file exists and passed
// validation; otherwise the temp directory is removed (unless
// preservation was requested) and no output file is left behind.
func (s *Session) Run(ctx context.Context) Result {
	log := utils.GetLogger("session").With().Str("session", s.id).Logger()
	start := time.Now()

	s.setState(StateResolving)
	media, err := s.resolver.Resolve(ctx, s.cfg.URL)
	if err != nil {
		return s.fail(fmt.Sprintf("manifest resolution failed: %v", err), false)
	}
	total := len(media.Segments)
	log.Info().Int("segments", total).Float64("durationSec", media.TotalDuration).Msg("Media playlist resolved")

	estimateGB := media.TotalDuration * estimatedMBps / 1024
	if !s.disk.Reserve(estimateGB, s.id) {
		return s.fail(fmt.Sprintf("insufficient disk space: need ~%.2fGB, %.2fGB available", estimateGB, s.disk.AvailableGB()), false)
	}
	defer s.disk.Release(s.id)

	var key []byte
	if media.Encrypted() {
		s.setState(StateKeyFetch)
		key, err = hlskey.Fetch(ctx, s.client, keyURI(media))
		if err != nil {
			return s.fail(fmt.Sprintf("key fetch failed: %v", err), false)
		}
	}

	tempDir := utils.TempDir(s.cfg.OutputPath)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return s.fail(fmt.Sprintf("error creating temp directory: %v", err), false)
	}

	tasks, err := buildTasks(media, key, tempDir)
	if err != nil {
		return s.fail(fmt.Sprintf("task construction failed: %v", err), true)
	}

	store := progress.NewStore(tempDir)
	if cp, ok := store.Load(); ok {
		log.Info().Int("downloaded", cp.Downloaded).Int("total", cp.Total).Msg("Resuming from previous checkpoint")
	}

	s.setState(StateFetching)
	rate := segment.NewRateController()
	pool := segment.NewPool(s.client, rate, segment.NewMonitor())
	pool.OnProgress(func(completed int, bytes int64) {
		store.Update(completed, total)
		if s.cfg.ProgressFunc != nil {
			s.cfg.ProgressFunc(completed, total, bytes)
		}
	})
	pool.OnRetry(func(failed int) {
		s.setState(StateRetrying)
	})
	err = pool.FetchAll(ctx, tasks, s.cfg.Workers)
	store.Flush(countPresent(tasks), total)
	if err != nil {
		if errors.Is(err, segment.ErrThrottleDetected) {
			res := s.fail(err.Error(), true)
			res.Throttled = true
			return res
		}
		return s.fail(fmt.Sprintf("segment download failed: %v", err), true)
	}

	s.setState(StateMerging)
	merged, err := merge.Merge(tempDir, s.cfg.OutputPath, total)
	if err != nil {
		return s.fail(fmt.Sprintf("merge failed: %v", err), true)
	}

	s.setState(StateValidating)
	diag, err := s.validator.Check(ctx, s.cfg.OutputPath)
	if err != nil {
		os.Remove(s.cfg.OutputPath)
		return s.fail(fmt.Sprintf("validation failed: %s", diag), true)
	}

	s.setState(StateDone)
	s.cleanupTemp(tempDir, false)
	elapsed := time.Since(start).Seconds()
	diagnostic := fmt.Sprintf("%s in %.1fs (%s, %s)", utils.FormatBytes(uint64(merged)), elapsed, utils.FormatSpeed(merged, elapsed), diag)
	log.Info().Str("output", s.cfg.OutputPath).Str("summary", diagnostic).Msg("Download complete")
	return Result{OK: true, Diagnostic: diagnostic}
}

func (s *Session) fail(diagnostic string, tempExists bool) Result {
	log := utils.GetLogger("session")
	s.setState(StateFailed)
	log.Error().Str("session", s.id).Str("reason", diagnostic).Msg("Session failed")
	if tempExists {
		s.cleanupTemp(utils.TempDir(s.cfg.OutputPath), s.cfg.PreserveTemp)
	}
	return Result{Diagnostic: diagnostic}
}

func (s *Session) cleanupTemp(tempDir string, preserve bool) {
	if preserve {
		log := utils.GetLogger("session")
		log.Info().Str("tempDir", tempDir).Msg("Preserving temp directory for manual resume")
		return
	}
	os.RemoveAll(tempDir)
}

// keyURI returns the playlist's key URI. One static AES-128 key per
// playlist is supported; multi-key schemes are out of scope.
func keyURI(media *playlist.MediaInfo) string {
	for i := range media.Segments {
		if media.Segments[i].Key != nil {
			return media.Segments[i].Key.URI
		}
	}
	return ""
}

func buildTasks(media *playlist.MediaInfo, key []byte, tempDir string) ([]segment.Task, error) {
	tasks := make([]segment.Task, 0, len(media.Segments))
	for _, seg := range media.Segments {
		task := segment.Task{
			Index:    seg.Index,
			URL:      seg.URL,
			DestPath: filepath.Join(tempDir, fmt.Sprintf("seg_%05d.ts", seg.Index)),
		}
		if seg.Key != nil {
			iv, err := hlskey.DeriveIV(seg.Key.IVHex, media.SequenceStart, seg.Index)
			if err != nil {
				return nil, err
			}
			task.Key = key
			task.IV = iv
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func countPresent(tasks []segment.Task) int {
	count := 0
	for _, t := range tasks {
		if info, err := os.Stat(t.DestPath); err == nil && info.Size() > 0 {
			count++
		}
	}
	return count
}
