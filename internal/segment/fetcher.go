package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/hlsget/hlsget/internal/utils"
)

const (
	DefaultWorkers     = 32
	retryPassWorkers   = 16
	firstPassTimeout   = 15 * time.Second
	retryPassTimeout   = 120 * time.Second
	maxAttemptsPerPass = 3
	attemptBackoffBase = 200 * time.Millisecond
)

// PassConfig shapes one fetch pass over a set of tasks.
type PassConfig struct {
	Workers        int
	AttemptTimeout time.Duration
	MaxAttempts    int
	Backoff        time.Duration
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.code)
}

// Pool downloads, decrypts, and persists segments through a bounded
// worker pool fed by a task channel.
type Pool struct {
	client     utils.HTTPDoer
	rate       *RateController
	monitor    *Monitor
	onProgress func(completed int, bytes int64)
	onRetry    func(failed int)

	completed atomic.Int64
	bytes     atomic.Int64
}

func NewPool(client utils.HTTPDoer, rate *RateController, monitor *Monitor) *Pool {
	return &Pool{client: client, rate: rate, monitor: monitor}
}

// OnProgress registers a callback invoked after every completed segment
// with the cumulative completion count and byte total.
func (p *Pool) OnProgress(fn func(completed int, bytes int64)) {
	p.onProgress = fn
}

// OnRetry registers a callback invoked once if a retry pass is needed,
// with the number of segments that failed the first pass.
func (p *Pool) OnRetry(fn func(failed int)) {
	p.onRetry = fn
}

func (p *Pool) TotalBytes() int64 {
	return p.bytes.Load()
}

// FetchAll runs the first pass over all tasks, then retries any failed
// indices once with a reduced pool and a longer per-attempt budget. Any
// index still failing after the retry pass aborts the operation.
func (p *Pool) FetchAll(ctx context.Context, tasks []Task, workers int) error {
	log := utils.GetLogger("fetcher")
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p.monitor.Start()
	firstPass := PassConfig{
		Workers:        workers,
		AttemptTimeout: firstPassTimeout,
		MaxAttempts:    maxAttemptsPerPass,
		Backoff:        attemptBackoffBase,
	}
	log.Info().Int("segments", len(tasks)).Int("workers", firstPass.Workers).Msg("Starting segment download")
	failed, err := p.runPass(ctx, tasks, firstPass, true)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		if p.onRetry != nil {
			p.onRetry(len(failed))
		}
		retryPass := PassConfig{
			Workers:        min(retryPassWorkers, len(failed)),
			AttemptTimeout: retryPassTimeout,
			MaxAttempts:    maxAttemptsPerPass,
			Backoff:        attemptBackoffBase,
		}
		log.Warn().Int("failed", len(failed)).Int("workers", retryPass.Workers).Msg("Retrying failed segments with reduced pool")
		retryTasks := make([]Task, 0, len(failed))
		byIndex := make(map[int]Task, len(tasks))
		for _, t := range tasks {
			byIndex[t.Index] = t
		}
		for _, idx := range failed {
			retryTasks = append(retryTasks, byIndex[idx])
		}
		// The throttle monitor only governs the first pass; the retry
		// pass runs under its own 120s per-attempt budget.
		failed, err = p.runPass(ctx, retryTasks, retryPass, false)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			return fmt.Errorf("error downloading segments: %d still failing after retry pass (first: %d)", len(failed), failed[0])
		}
	}
	log.Info().Int64("totalBytes", p.bytes.Load()).Msg("All segments downloaded")
	return nil
}

// runPass drains tasks through the pool once and reports the indices
// that failed. Cancellation is cooperative: once throttling trips, no
// new tasks are dispatched and in-flight requests finish on their own
// timeouts.
func (p *Pool) runPass(ctx context.Context, tasks []Task, cfg PassConfig, monitored bool) ([]int, error) {
	workers := min(cfg.Workers, len(tasks))
	taskCh := make(chan Task, len(tasks))
	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)
	resultCh := make(chan Result, workers)
	var aborted atomic.Bool

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				if aborted.Load() || ctx.Err() != nil {
					return
				}
				p.rate.Wait()
				resultCh <- p.fetchTask(ctx, task, cfg)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var failed []int
	throttled := false
	for res := range resultCh {
		if !res.Success {
			failed = append(failed, res.Index)
			continue
		}
		completed := p.completed.Add(1)
		bytes := p.bytes.Add(res.BytesWritten)
		if p.onProgress != nil {
			p.onProgress(int(completed), bytes)
		}
		if monitored && !res.Resumed && p.monitor.Note(res.BytesWritten) && !throttled {
			throttled = true
			aborted.Store(true)
		}
	}
	if throttled {
		return nil, fmt.Errorf("%w: %.2f MB/s average", ErrThrottleDetected, p.monitor.RateMBps())
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return failed, nil
}

func (p *Pool) fetchTask(ctx context.Context, task Task, cfg PassConfig) Result {
	log := utils.GetLogger("fetcher").With().Int("segment", task.Index).Logger()
	// A non-empty segment file on disk is authoritative: resume never
	// re-fetches it.
	if info, err := os.Stat(task.DestPath); err == nil && info.Size() > 0 {
		log.Debug().Int64("size", info.Size()).Msg("Segment already on disk, skipping")
		return Result{Index: task.Index, Success: true, Resumed: true, BytesWritten: info.Size()}
	}
	var kind FetchErrorKind
	var hit403 bool
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt) * cfg.Backoff)
		}
		data, err := p.fetchOnce(ctx, task.URL, cfg.AttemptTimeout)
		if err != nil {
			kind = classifyError(err)
			hit403 = hit403 || kind == ErrKindForbidden
			if kind == ErrKindForbidden {
				p.rate.Record403()
			}
			log.Debug().Err(err).Int("attempt", attempt).Str("kind", kind.String()).Msg("Segment fetch attempt failed")
			continue
		}
		if task.Key != nil {
			data, err = DecryptAES128CBC(data, task.Key, task.IV)
			if err != nil {
				kind = ErrKindOther
				log.Error().Err(err).Msg("Segment decryption failed")
				continue
			}
		}
		if err := renameio.WriteFile(task.DestPath, data, 0644); err != nil {
			kind = ErrKindOther
			log.Error().Err(err).Msg("Error writing segment file")
			continue
		}
		p.rate.RecordSuccess()
		return Result{Index: task.Index, Success: true, BytesWritten: int64(len(data))}
	}
	log.Warn().Str("kind", kind.String()).Int("attempts", cfg.MaxAttempts).Msg("Segment failed all attempts in this pass")
	return Result{Index: task.Index, Kind: kind, Hit403: hit403}
}

func (p *Pool) fetchOnce(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty response body")
	}
	return data, nil
}

func classifyError(err error) FetchErrorKind {
	var se *statusError
	if errors.As(err, &se) {
		if se.code == http.StatusForbidden {
			return ErrKindForbidden
		}
		return ErrKindOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrKindTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return ErrKindConnectionReset
	}
	return ErrKindOther
}
