package queue

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/tubequeue/tubequeue-go/internal/errors"
	"github.com/tubequeue/tubequeue-go/internal/monitoring"
)

// HistoryChecker answers whether a URL has already been downloaded
type HistoryChecker interface {
	Contains(url string) (bool, error)
}

// Counts holds per-state item counts
type Counts struct {
	Pending     int `json:"pending"`
	Queued      int `json:"queued"`
	Downloading int `json:"downloading"`
	Retrying    int `json:"retrying"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

// Queue holds download items in admission order and enforces admission rules
// and the item state machine. All mutation happens under one mutex so state,
// attempts and progress updates are atomic with respect to each other, and so
// the onChange hook observes a consistent item.
type Queue struct {
	mu              sync.Mutex
	items           []*Item
	index           map[uuid.UUID]*Item
	history         HistoryChecker
	checkDuplicates bool
	paused          bool
	onChange        func(Item)
	wake            chan struct{}
	drained         *sync.Cond
	logger          *zap.Logger
}

// New creates a queue. history may be nil when duplicate checking is disabled.
func New(history HistoryChecker, checkDuplicates bool, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		index:           make(map[uuid.UUID]*Item),
		history:         history,
		checkDuplicates: checkDuplicates,
		wake:            make(chan struct{}, 1),
		logger:          logger,
	}
	q.drained = sync.NewCond(&q.mu)
	return q
}

// SetOnChange installs the hook invoked on every state or progress change.
// The hook runs inside the queue's critical section; it must not call back
// into the queue.
func (q *Queue) SetOnChange(fn func(Item)) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// WakeCh returns the channel signalled whenever work may have become
// available. Workers block on it instead of polling.
func (q *Queue) WakeCh() <-chan struct{} {
	return q.wake
}

// Enqueue validates and admits a URL as a new Pending item
func (q *Queue) Enqueue(rawURL string) (uuid.UUID, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := validateURL(rawURL); err != nil {
		return uuid.Nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.checkDuplicates {
		// History wins: a completed record rejects even if nothing is queued
		if q.inHistory(rawURL) {
			return uuid.Nil, apperrors.NewDuplicateError("already downloaded: " + rawURL)
		}
		for _, it := range q.items {
			if it.URL == rawURL && !it.State.Terminal() {
				return uuid.Nil, apperrors.NewDuplicateError("already queued: " + rawURL)
			}
		}
	}

	item := &Item{
		ID:      uuid.New(),
		URL:     rawURL,
		State:   StatePending,
		AddedAt: time.Now(),
	}
	q.items = append(q.items, item)
	q.index[item.ID] = item

	q.logger.Info("item enqueued", zap.String("id", item.ID.String()), zap.String("url", rawURL))
	q.notifyLocked(item)
	q.updateSizeLocked()
	q.signal()

	return item.ID, nil
}

// NextPending reserves and returns the oldest Pending item, transitioning it
// to Queued. It returns false when the queue is paused or nothing is pending.
// Items whose URL completed elsewhere while they waited are skipped here.
func (q *Queue) NextPending() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return Item{}, false
	}

	for _, it := range q.items {
		if it.State != StatePending {
			continue
		}

		if q.checkDuplicates && q.inHistory(it.URL) {
			q.transitionLocked(it, StateSkipped, "completed in an earlier download")
			continue
		}

		q.transitionLocked(it, StateQueued, "")
		// Wake signals coalesce; pass one on if more work remains so a
		// burst of enqueues reaches every idle worker.
		if q.hasPendingLocked() {
			q.signal()
		}
		return it.snapshot(), true
	}

	return Item{}, false
}

func (q *Queue) hasPendingLocked() bool {
	for _, it := range q.items {
		if it.State == StatePending {
			return true
		}
	}
	return false
}

// Mark applies a validated state transition. Unknown IDs and invalid
// transitions are logged, never propagated: the item may already have been
// removed by the caller's UI.
func (q *Queue) Mark(id uuid.UUID, state State, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[id]
	if !ok {
		q.logger.Warn("mark on unknown item", zap.String("id", id.String()), zap.String("state", string(state)))
		return
	}

	if !it.State.CanTransition(state) {
		q.logger.Warn("invalid state transition",
			zap.String("id", id.String()),
			zap.String("from", string(it.State)),
			zap.String("to", string(state)))
		return
	}

	q.transitionLocked(it, state, reason)

	if state == StateQueued {
		// Re-admitted after Retrying; wake an idle worker
		q.signal()
	}
}

// Progress records a fetch progress fraction for an item that is
// Downloading. Progress only moves forward within one attempt.
func (q *Queue) Progress(id uuid.UUID, fraction float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[id]
	if !ok || it.State != StateDownloading {
		return
	}

	if fraction < it.Progress {
		return
	}
	if fraction > 1 {
		fraction = 1
	}
	it.Progress = fraction
	q.notifyLocked(it)
}

// Remove deletes an item from the queue
func (q *Queue) Remove(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[id]; !ok {
		return
	}
	delete(q.index, id)
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.updateSizeLocked()
	q.drained.Broadcast()
}

// Snapshot returns a copy of all items in admission order
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.snapshot())
	}
	return out
}

// Get returns a copy of a single item
func (q *Queue) Get(id uuid.UUID) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[id]
	if !ok {
		return Item{}, false
	}
	return it.snapshot(), true
}

// Counts returns per-state item counts
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, it := range q.items {
		switch it.State {
		case StatePending:
			c.Pending++
		case StateQueued:
			c.Queued++
		case StateDownloading:
			c.Downloading++
		case StateRetrying:
			c.Retrying++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		case StateSkipped:
			c.Skipped++
		}
	}
	return c
}

// SetPaused gates reservations; in-flight items are not disturbed
func (q *Queue) SetPaused(paused bool) {
	q.mu.Lock()
	q.paused = paused
	q.mu.Unlock()

	if !paused {
		q.signal()
	}
}

// WaitDrained blocks until no item is reserved or downloading. Callers pause
// the queue first so no new reservation can start while draining.
func (q *Queue) WaitDrained() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.hasActiveLocked() {
		q.drained.Wait()
	}
}

func (q *Queue) hasActiveLocked() bool {
	for _, it := range q.items {
		if it.State == StateQueued || it.State == StateDownloading || it.State == StateRetrying {
			return true
		}
	}
	return false
}

// transitionLocked applies a transition already known to be valid.
// Caller holds q.mu.
func (q *Queue) transitionLocked(it *Item, state State, reason string) {
	from := it.State
	it.State = state

	switch state {
	case StateDownloading:
		// Attempts count fetch starts; progress restarts each attempt
		it.Attempts++
		it.Progress = 0
		it.Error = ""
	case StateRetrying:
		it.Error = reason
	case StateCompleted:
		it.Progress = 1
		it.Error = ""
		now := time.Now()
		it.CompletedAt = &now
	case StateFailed, StateSkipped:
		it.Error = reason
		now := time.Now()
		it.CompletedAt = &now
	}

	q.logger.Debug("state transition",
		zap.String("id", it.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(state)),
		zap.Int("attempts", it.Attempts))

	q.notifyLocked(it)
	if state.Terminal() {
		q.updateSizeLocked()
		q.drained.Broadcast()
	}
}

// notifyLocked invokes the onChange hook with a snapshot. Caller holds q.mu.
func (q *Queue) notifyLocked(it *Item) {
	if q.onChange != nil {
		q.onChange(it.snapshot())
	}
}

func (q *Queue) updateSizeLocked() {
	active := 0
	for _, it := range q.items {
		if !it.State.Terminal() {
			active++
		}
	}
	monitoring.UpdateQueueSize(active)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// inHistory consults the history store. Lookup failures are logged and
// treated as "not present" so persistence trouble never blocks admission.
func (q *Queue) inHistory(rawURL string) bool {
	if q.history == nil {
		return false
	}
	found, err := q.history.Contains(rawURL)
	if err != nil {
		q.logger.Warn("history lookup failed", zap.String("url", rawURL), zap.Error(err))
		monitoring.RecordError(string(apperrors.ErrTypePersistence))
		return false
	}
	return found
}

// validateURL performs basic shape validation on a download URL
func validateURL(rawURL string) error {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return apperrors.NewInvalidURLError("url is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return apperrors.NewInvalidURLError("malformed url: " + trimmed)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.NewInvalidURLError("unsupported scheme: " + trimmed)
	}
	if u.Host == "" {
		return apperrors.NewInvalidURLError("missing host: " + trimmed)
	}
	return nil
}
