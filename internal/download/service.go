// Package download runs the download orchestration service: a fixed set of
// worker slots that drain the queue through a media fetcher, apply the retry
// policy, and fan item changes out to listeners and history.
package download

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tubequeue/tubequeue-go/internal/config"
	apperrors "github.com/tubequeue/tubequeue-go/internal/errors"
	"github.com/tubequeue/tubequeue-go/internal/fetch"
	"github.com/tubequeue/tubequeue-go/internal/history"
	"github.com/tubequeue/tubequeue-go/internal/monitoring"
	"github.com/tubequeue/tubequeue-go/internal/queue"
)

// progressInterval throttles how often a download's progress callbacks are
// applied to the queue. Final (1.0) updates always pass.
const progressInterval = 200 * time.Millisecond

// HistoryRecorder persists terminal download outcomes.
type HistoryRecorder interface {
	Record(e history.Entry) error
}

// Service owns the queue and a bounded set of download workers. The number
// of workers is the hard concurrency ceiling: an item only enters
// Downloading when a worker slot picks it up.
type Service struct {
	queue      *queue.Queue
	fetcher    fetch.Fetcher
	history    HistoryRecorder
	opts       fetch.Options
	maxWorkers int
	maxRetries int
	logger     *zap.Logger

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	active    map[uuid.UUID]context.CancelFunc
	listeners []ProgressListener

	wg sync.WaitGroup
}

// NewService wires a queue, fetcher and history recorder together under the
// settings snapshot taken from cfg. hist may be nil to disable persistence.
func NewService(q *queue.Queue, fetcher fetch.Fetcher, hist HistoryRecorder, cfg *config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		queue:   q,
		fetcher: fetcher,
		history: hist,
		opts: fetch.Options{
			Quality:        cfg.Download.Quality,
			OutputDir:      cfg.Download.OutputDir,
			OutputTemplate: cfg.Download.OutputTemplate,
			PlaylistFolder: cfg.Download.CreatePlaylistFolder,
			CookieMethod:   cfg.Auth.CookieMethod,
			CookieFile:     cfg.Auth.CookieFile,
			RateLimit:      cfg.Download.BandwidthLimit,
			Timeout:        cfg.Network.Timeout,
		},
		maxWorkers: cfg.Download.ConcurrentDownloads,
		maxRetries: cfg.Download.MaxRetries,
		logger:     logger,
		active:     make(map[uuid.UUID]context.CancelFunc),
	}
	if s.maxWorkers <= 0 {
		s.maxWorkers = 1
	}

	q.SetOnChange(s.handleChange)
	return s
}

// Queue exposes the underlying queue for admission and inspection.
func (s *Service) Queue() *queue.Queue {
	return s.queue
}

// AddListener registers a listener for item changes. Listeners added after
// Start still see all subsequent changes.
func (s *Service) AddListener(l ProgressListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Start spawns the worker slots. Calling Start on a running service logs a
// warning and returns nil; the pool size never changes.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.logger.Warn("download service already started")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.maxWorkers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx, i)
	}
	s.started = true
	s.logger.Info("download service started", zap.Int("workers", s.maxWorkers))
	return nil
}

// Stop shuts the service down. Both modes first gate reservations, so items
// still Pending stay Pending. Graceful then waits for reserved and in-flight
// items to reach a terminal state; forced cancels the in-flight fetches,
// failing those items with a cancellation reason. Safe to call on a stopped
// service.
func (s *Service) Stop(graceful bool) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	s.queue.SetPaused(true)
	if graceful {
		s.queue.WaitDrained()
	}
	cancel()
	s.wg.Wait()
	s.queue.SetPaused(false)
	s.logger.Info("download service stopped", zap.Bool("graceful", graceful))
}

// Pause gates new reservations. In-flight downloads continue.
func (s *Service) Pause() {
	s.queue.SetPaused(true)
	s.logger.Info("downloads paused")
}

// Resume lifts the reservation gate.
func (s *Service) Resume() {
	s.queue.SetPaused(false)
	s.logger.Info("downloads resumed")
}

// Cancel aborts a single in-flight download. It is a no-op when the item is
// not currently downloading.
func (s *Service) Cancel(id uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// RetryFailed re-admits every Failed item as a fresh download with reset
// attempts. It returns the number of items re-enqueued.
func (s *Service) RetryFailed() int {
	count := 0
	for _, it := range s.queue.Snapshot() {
		if it.State != queue.StateFailed {
			continue
		}
		s.queue.Remove(it.ID)
		if _, err := s.queue.Enqueue(it.URL); err != nil {
			s.logger.Warn("failed to re-enqueue",
				zap.String("url", it.URL), zap.Error(err))
			continue
		}
		count++
	}
	if count > 0 {
		s.logger.Info("re-enqueued failed downloads", zap.Int("count", count))
	}
	return count
}

// worker drains the queue until the run context is cancelled. With nothing
// to reserve it blocks on the queue's wake channel rather than polling.
func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	logger := s.logger.With(zap.Int("worker", id))
	logger.Debug("worker started")

	for {
		if ctx.Err() != nil {
			logger.Debug("worker stopping")
			return
		}
		item, ok := s.queue.NextPending()
		if !ok {
			select {
			case <-ctx.Done():
				logger.Debug("worker stopping")
				return
			case <-s.queue.WakeCh():
				continue
			}
		}
		s.process(ctx, item, logger)
	}
}

// process runs one item to a terminal state, retrying recoverable failures
// until its retries are used up. The worker keeps its reservation across
// retries, so a retried item never waits behind new admissions.
func (s *Service) process(ctx context.Context, item queue.Item, logger *zap.Logger) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.active[item.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, item.ID)
		s.mu.Unlock()
	}()

	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)
	onProgress := func(frac float64) {
		if frac >= 1 || limiter.Allow() {
			s.queue.Progress(item.ID, frac)
		}
	}

	for {
		s.queue.Mark(item.ID, queue.StateDownloading, "")

		monitoring.RecordFetchStart()
		started := time.Now()
		err := s.fetcher.Fetch(fetchCtx, item.URL, s.opts, onProgress)
		monitoring.RecordFetchEnd(s.opts.Quality, time.Since(started))

		if err == nil {
			s.queue.Mark(item.ID, queue.StateCompleted, "")
			return
		}

		monitoring.RecordError(string(apperrors.GetErrorType(err)))

		if fetchCtx.Err() != nil || apperrors.IsCancelledError(err) {
			s.queue.Mark(item.ID, queue.StateFailed, "Cancelled")
			return
		}

		current, known := s.queue.Get(item.ID)
		if !known {
			logger.Warn("item vanished during download", zap.String("id", item.ID.String()))
			return
		}

		if apperrors.IsRetryable(err) && current.Attempts <= s.maxRetries {
			logger.Info("retrying download",
				zap.String("id", item.ID.String()),
				zap.Int("attempt", current.Attempts),
				zap.String("reason", apperrors.Reason(err)))
			monitoring.RecordRetry()
			s.queue.Mark(item.ID, queue.StateRetrying, apperrors.Reason(err))
			s.queue.Mark(item.ID, queue.StateQueued, "")
			continue
		}

		s.queue.Mark(item.ID, queue.StateFailed, apperrors.Reason(err))
		return
	}
}

// handleChange is the queue's onChange hook. It runs inside the queue's
// critical section, so listener notification and the history write are
// atomic with the transition they report. It must not call back into the
// queue.
func (s *Service) handleChange(item queue.Item) {
	s.mu.Lock()
	listeners := make([]ProgressListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		s.notifyOne(l, item)
	}

	if !item.State.Terminal() {
		return
	}

	monitoring.RecordTerminal(string(item.State))

	if s.history == nil || item.State == queue.StateSkipped {
		return
	}
	entry := history.Entry{
		URL:      item.URL,
		State:    string(item.State),
		Error:    item.Error,
		Attempts: item.Attempts,
	}
	if item.CompletedAt != nil {
		entry.CompletedAt = *item.CompletedAt
	}
	if err := s.history.Record(entry); err != nil {
		s.logger.Error("failed to record history",
			zap.String("url", item.URL), zap.Error(err))
		monitoring.RecordError(string(apperrors.ErrTypePersistence))
	}
}

// notifyOne delivers one change to one listener. A panicking listener is
// logged and dropped for this change; it must never take a worker down.
func (s *Service) notifyOne(l ProgressListener, item queue.Item) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked", zap.Any("panic", r))
		}
	}()
	l.OnItemChanged(item)
}
