package download

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tubequeue/tubequeue-go/internal/config"
	apperrors "github.com/tubequeue/tubequeue-go/internal/errors"
	"github.com/tubequeue/tubequeue-go/internal/fetch"
	"github.com/tubequeue/tubequeue-go/internal/history"
	"github.com/tubequeue/tubequeue-go/internal/queue"
)

// fakeFetcher plays back a scripted sequence of outcomes per URL. A nil
// outcome (or an exhausted script) means success. When block is set, Fetch
// waits for the channel to close or the context to be cancelled.
type fakeFetcher struct {
	mu       sync.Mutex
	script   map[string][]error
	calls    map[string]int
	inFlight int
	peak     int
	block    chan struct{}
	started  chan string
	progress []float64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		script: make(map[string][]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, _ fetch.Options, onProgress func(float64)) error {
	f.mu.Lock()
	f.calls[rawURL]++
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	var outcome error
	if outs := f.script[rawURL]; len(outs) > 0 {
		outcome = outs[0]
		f.script[rawURL] = outs[1:]
	}
	block := f.block
	started := f.started
	prog := f.progress
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if started != nil {
		started <- rawURL
	}

	if block != nil {
		select {
		case <-ctx.Done():
			return apperrors.NewCancelledError("download cancelled")
		case <-block:
		}
	} else {
		// Hold the slot briefly so concurrent workers overlap.
		select {
		case <-ctx.Done():
			return apperrors.NewCancelledError("download cancelled")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if outcome == nil && onProgress != nil {
		for _, p := range prog {
			onProgress(p)
		}
	}
	return outcome
}

func (f *fakeFetcher) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func (f *fakeFetcher) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// fakeHistory satisfies both the queue's duplicate checker and the service's
// history recorder.
type fakeHistory struct {
	mu        sync.Mutex
	completed map[string]bool
	entries   []history.Entry
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{completed: make(map[string]bool)}
}

func (h *fakeHistory) Contains(url string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed[url], nil
}

func (h *fakeHistory) Record(e history.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if e.State == string(queue.StateCompleted) {
		h.completed[e.URL] = true
	}
	return nil
}

func (h *fakeHistory) recorded() []history.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]history.Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func testConfig(concurrent, maxRetries int) *config.Config {
	return &config.Config{
		Download: config.DownloadConfig{
			Quality:             "best",
			ConcurrentDownloads: concurrent,
			MaxRetries:          maxRetries,
			CheckDuplicates:     true,
		},
	}
}

func newTestService(t *testing.T, fetcher fetch.Fetcher, hist *fakeHistory, concurrent, maxRetries int) (*Service, <-chan queue.Item) {
	t.Helper()

	q := queue.New(hist, true, zap.NewNop())
	svc := NewService(q, fetcher, hist, testConfig(concurrent, maxRetries), zap.NewNop())

	terminal := make(chan queue.Item, 64)
	svc.AddListener(ListenerFunc(func(it queue.Item) {
		if it.State.Terminal() {
			terminal <- it
		}
	}))
	return svc, terminal
}

func collectTerminal(t *testing.T, ch <-chan queue.Item, n int) map[string]queue.Item {
	t.Helper()
	out := make(map[string]queue.Item, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case it := <-ch:
			out[it.URL] = it
		case <-deadline:
			t.Fatalf("timed out waiting for %d terminal items, have %d", n, len(out))
		}
	}
	return out
}

func playlistURL(i int) string {
	return fmt.Sprintf("https://www.youtube.com/playlist?list=PL%03d", i)
}

func TestAllItemsCompleteUnderConcurrencyCap(t *testing.T) {
	fetcher := newFakeFetcher()
	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 2, 3)

	urls := make([]string, 5)
	for i := range urls {
		urls[i] = playlistURL(i)
		if _, err := svc.Queue().Enqueue(urls[i]); err != nil {
			t.Fatalf("enqueue %s: %v", urls[i], err)
		}
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)

	done := collectTerminal(t, terminal, 5)
	for _, u := range urls {
		it, ok := done[u]
		if !ok {
			t.Fatalf("no terminal state for %s", u)
		}
		if it.State != queue.StateCompleted {
			t.Errorf("%s ended %s (%s), want completed", u, it.State, it.Error)
		}
		if it.Attempts != 1 {
			t.Errorf("%s attempts = %d, want 1", u, it.Attempts)
		}
		if it.Progress != 1 {
			t.Errorf("%s progress = %v, want 1", u, it.Progress)
		}
	}

	if peak := fetcher.peakConcurrency(); peak > 2 {
		t.Errorf("peak concurrency = %d, exceeds cap of 2", peak)
	}
}

func TestDuplicateAdmissionRejected(t *testing.T) {
	fetcher := newFakeFetcher()
	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 0)

	url := playlistURL(1)
	if _, err := svc.Queue().Enqueue(url); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	// Second admission while the first is non-terminal.
	if _, err := svc.Queue().Enqueue(url); !apperrors.IsDuplicateError(err) {
		t.Errorf("second enqueue error = %v, want duplicate", err)
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)
	collectTerminal(t, terminal, 1)

	// Third admission after completion is rejected by history.
	if _, err := svc.Queue().Enqueue(url); !apperrors.IsDuplicateError(err) {
		t.Errorf("post-completion enqueue error = %v, want duplicate", err)
	}
}

func TestRecoverableFailuresRetryThenSucceed(t *testing.T) {
	fetcher := newFakeFetcher()
	url := playlistURL(1)
	fetcher.script[url] = []error{
		apperrors.NewNetworkError("connection reset", nil),
		apperrors.NewNetworkError("timed out", nil),
		nil,
	}

	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 2)

	if _, err := svc.Queue().Enqueue(url); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)

	done := collectTerminal(t, terminal, 1)
	it := done[url]
	if it.State != queue.StateCompleted {
		t.Fatalf("state = %s (%s), want completed", it.State, it.Error)
	}
	if it.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", it.Attempts)
	}
	if got := fetcher.callCount(url); got != 3 {
		t.Errorf("fetch calls = %d, want 3", got)
	}
}

func TestRecoverableFailuresExhaustRetries(t *testing.T) {
	fetcher := newFakeFetcher()
	url := playlistURL(1)
	fetcher.script[url] = []error{
		apperrors.NewNetworkError("throttled", nil),
		apperrors.NewNetworkError("throttled", nil),
		apperrors.NewNetworkError("throttled", nil),
	}

	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 2)

	if _, err := svc.Queue().Enqueue(url); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)

	done := collectTerminal(t, terminal, 1)
	it := done[url]
	if it.State != queue.StateFailed {
		t.Fatalf("state = %s, want failed", it.State)
	}
	if it.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial plus 2 retries)", it.Attempts)
	}
	if it.Error != "throttled" {
		t.Errorf("error = %q, want last failure reason", it.Error)
	}
}

func TestFatalErrorFailsWithoutRetry(t *testing.T) {
	fetcher := newFakeFetcher()
	url := playlistURL(1)
	fetcher.script[url] = []error{apperrors.NewNotFoundError("Video unavailable")}

	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 3)

	if _, err := svc.Queue().Enqueue(url); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)

	done := collectTerminal(t, terminal, 1)
	it := done[url]
	if it.State != queue.StateFailed {
		t.Fatalf("state = %s, want failed", it.State)
	}
	if it.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on fatal errors)", it.Attempts)
	}
	if it.Error != "Video unavailable" {
		t.Errorf("error = %q, want the fatal reason", it.Error)
	}
}

func TestForcedStopCancelsInFlight(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.block = make(chan struct{})
	fetcher.started = make(chan string, 1)

	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 3)

	url := playlistURL(1)
	if _, err := svc.Queue().Enqueue(url); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-fetcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	svc.Stop(false)

	done := collectTerminal(t, terminal, 1)
	it := done[url]
	if it.State != queue.StateFailed {
		t.Fatalf("state = %s, want failed", it.State)
	}
	if it.Error != "Cancelled" {
		t.Errorf("error = %q, want Cancelled", it.Error)
	}
}

func TestForcedStopLeavesPendingItemsPending(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.block = make(chan struct{})
	fetcher.started = make(chan string, 1)

	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 3)

	urls := []string{playlistURL(1), playlistURL(2), playlistURL(3)}
	for _, u := range urls {
		if _, err := svc.Queue().Enqueue(u); err != nil {
			t.Fatalf("enqueue %s: %v", u, err)
		}
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-fetcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	svc.Stop(false)

	done := collectTerminal(t, terminal, 1)
	if it := done[urls[0]]; it.State != queue.StateFailed || it.Error != "Cancelled" {
		t.Errorf("in-flight item got %s (%q), want failed with Cancelled", it.State, it.Error)
	}

	// Never-started items are untouched by a forced stop.
	for _, it := range svc.Queue().Snapshot() {
		if it.URL == urls[0] {
			continue
		}
		if it.State != queue.StatePending {
			t.Errorf("%s state = %s, want pending", it.URL, it.State)
		}
		if it.Attempts != 0 {
			t.Errorf("%s attempts = %d, want 0", it.URL, it.Attempts)
		}
	}

	for _, e := range hist.recorded() {
		if e.URL != urls[0] {
			t.Errorf("unexpected history record for %s", e.URL)
		}
	}
}

func TestGracefulStopLeavesPendingItemsPending(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.block = make(chan struct{})
	fetcher.started = make(chan string, 1)

	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 0)

	first := playlistURL(1)
	second := playlistURL(2)
	for _, u := range []string{first, second} {
		if _, err := svc.Queue().Enqueue(u); err != nil {
			t.Fatalf("enqueue %s: %v", u, err)
		}
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-fetcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	stopped := make(chan struct{})
	go func() {
		svc.Stop(true)
		close(stopped)
	}()

	close(fetcher.block)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("graceful stop never returned")
	}

	done := collectTerminal(t, terminal, 1)
	if it := done[first]; it.State != queue.StateCompleted {
		t.Errorf("in-flight item state = %s, want completed", it.State)
	}

	for _, it := range svc.Queue().Snapshot() {
		if it.URL == second && it.State != queue.StatePending {
			t.Errorf("pending item state = %s, want pending after graceful stop", it.State)
		}
	}
}

func TestGracefulStopWaitsForInFlight(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.block = make(chan struct{})
	fetcher.started = make(chan string, 1)

	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 0)

	url := playlistURL(1)
	if _, err := svc.Queue().Enqueue(url); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-fetcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	stopped := make(chan struct{})
	go func() {
		svc.Stop(true)
		close(stopped)
	}()

	// The stop must not return while the download is still running.
	select {
	case <-stopped:
		t.Fatal("graceful stop returned before the download finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(fetcher.block)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("graceful stop never returned")
	}

	done := collectTerminal(t, terminal, 1)
	if it := done[url]; it.State != queue.StateCompleted {
		t.Errorf("state = %s, want completed after graceful stop", it.State)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	fetcher := newFakeFetcher()
	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 0)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer svc.Stop(false)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	url := playlistURL(1)
	if _, err := svc.Queue().Enqueue(url); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := collectTerminal(t, terminal, 1)
	if it := done[url]; it.State != queue.StateCompleted {
		t.Errorf("state = %s, want completed", it.State)
	}
	if peak := fetcher.peakConcurrency(); peak > 1 {
		t.Errorf("peak concurrency = %d, second Start must not add workers", peak)
	}
}

func TestCancelSingleDownload(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.block = make(chan struct{})
	fetcher.started = make(chan string, 1)

	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 3)

	url := playlistURL(1)
	id, err := svc.Queue().Enqueue(url)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)

	select {
	case <-fetcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	svc.Cancel(id)

	done := collectTerminal(t, terminal, 1)
	it := done[url]
	if it.State != queue.StateFailed || it.Error != "Cancelled" {
		t.Errorf("got %s (%q), want failed with Cancelled", it.State, it.Error)
	}
}

func TestRetryFailedReadmitsWithFreshAttempts(t *testing.T) {
	fetcher := newFakeFetcher()
	url := playlistURL(1)
	fetcher.script[url] = []error{apperrors.NewAuthError("Private video", nil)}

	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 0)

	if _, err := svc.Queue().Enqueue(url); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)

	done := collectTerminal(t, terminal, 1)
	if it := done[url]; it.State != queue.StateFailed {
		t.Fatalf("state = %s, want failed", it.State)
	}

	if n := svc.RetryFailed(); n != 1 {
		t.Fatalf("RetryFailed = %d, want 1", n)
	}

	done = collectTerminal(t, terminal, 1)
	it := done[url]
	if it.State != queue.StateCompleted {
		t.Fatalf("state after retry = %s (%s), want completed", it.State, it.Error)
	}
	if it.Attempts != 1 {
		t.Errorf("attempts = %d, want fresh count of 1", it.Attempts)
	}
}

func TestPauseGatesReservations(t *testing.T) {
	fetcher := newFakeFetcher()
	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 2, 0)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)

	svc.Pause()
	url := playlistURL(1)
	if _, err := svc.Queue().Enqueue(url); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := fetcher.callCount(url); got != 0 {
		t.Fatalf("fetch started %d times while paused, want 0", got)
	}

	svc.Resume()
	done := collectTerminal(t, terminal, 1)
	if it := done[url]; it.State != queue.StateCompleted {
		t.Errorf("state = %s, want completed after resume", it.State)
	}
}

func TestTerminalOutcomesRecordedInHistory(t *testing.T) {
	fetcher := newFakeFetcher()
	okURL := playlistURL(1)
	badURL := playlistURL(2)
	fetcher.script[badURL] = []error{apperrors.NewNotFoundError("removed")}

	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 0)

	for _, u := range []string{okURL, badURL} {
		if _, err := svc.Queue().Enqueue(u); err != nil {
			t.Fatalf("enqueue %s: %v", u, err)
		}
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)
	collectTerminal(t, terminal, 2)

	byURL := make(map[string]history.Entry)
	for _, e := range hist.recorded() {
		byURL[e.URL] = e
	}
	if e := byURL[okURL]; e.State != string(queue.StateCompleted) {
		t.Errorf("history state for %s = %q, want completed", okURL, e.State)
	}
	e, ok := byURL[badURL]
	if !ok || e.State != string(queue.StateFailed) {
		t.Errorf("history state for %s = %q, want failed", badURL, e.State)
	}
	if e.Error != "removed" {
		t.Errorf("history error = %q, want the failure reason", e.Error)
	}
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	fetcher := newFakeFetcher()
	hist := newFakeHistory()
	svc, terminal := newTestService(t, fetcher, hist, 1, 0)

	svc.AddListener(ListenerFunc(func(queue.Item) { panic("bad listener") }))
	var mu sync.Mutex
	seen := 0
	svc.AddListener(ListenerFunc(func(queue.Item) {
		mu.Lock()
		seen++
		mu.Unlock()
	}))

	url := playlistURL(1)
	if _, err := svc.Queue().Enqueue(url); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)

	done := collectTerminal(t, terminal, 1)
	if it := done[url]; it.State != queue.StateCompleted {
		t.Fatalf("state = %s, want completed despite panicking listener", it.State)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen == 0 {
		t.Error("listener after the panicking one received no notifications")
	}
}

func TestProgressReachesListeners(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.progress = []float64{0.25, 0.5, 1}

	hist := newFakeHistory()
	q := queue.New(hist, true, zap.NewNop())
	svc := NewService(q, fetcher, hist, testConfig(1, 0), zap.NewNop())

	var mu sync.Mutex
	var fractions []float64
	terminal := make(chan queue.Item, 1)
	svc.AddListener(ListenerFunc(func(it queue.Item) {
		if it.State == queue.StateDownloading {
			mu.Lock()
			fractions = append(fractions, it.Progress)
			mu.Unlock()
		}
		if it.State.Terminal() {
			terminal <- it
		}
	}))

	url := playlistURL(1)
	if _, err := q.Enqueue(url); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(false)

	select {
	case it := <-terminal:
		if it.State != queue.StateCompleted {
			t.Fatalf("state = %s, want completed", it.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fractions) == 0 {
		t.Fatal("no progress notifications observed")
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Errorf("progress went backwards: %v", fractions)
		}
	}
	if last := fractions[len(fractions)-1]; last != 1 {
		t.Errorf("final progress = %v, want 1", last)
	}
}
