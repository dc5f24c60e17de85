// Command tubequeue downloads YouTube playlists through a bounded worker
// queue. URLs passed as arguments are admitted, downloaded concurrently up
// to the configured limit, and recorded in history so finished playlists
// are not fetched twice.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tubequeue/tubequeue-go/internal/config"
	"github.com/tubequeue/tubequeue-go/internal/download"
	apperrors "github.com/tubequeue/tubequeue-go/internal/errors"
	"github.com/tubequeue/tubequeue-go/internal/fetch"
	"github.com/tubequeue/tubequeue-go/internal/history"
	"github.com/tubequeue/tubequeue-go/internal/monitoring"
	"github.com/tubequeue/tubequeue-go/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tubequeue:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "", "path to config file (default: per-user config dir)")
		metricsAddr  = flag.String("metrics", "", "expose Prometheus metrics on this address, e.g. :9090")
		historyList  = flag.Bool("history", false, "list download history and exit")
		historyClear = flag.Bool("clear-history", false, "clear download history and exit")
		inspect      = flag.Bool("inspect", false, "print playlist metadata for the given URLs without downloading")
		verbose      = flag.Bool("verbose", false, "log to the console at debug level instead of the configured output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg, *verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	db, err := history.InitDB(history.DefaultDBPath(config.GetDataDir()))
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer db.Close()
	store := history.NewStore(db)

	if *historyClear {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		fmt.Println("history cleared")
		return nil
	}
	if *historyList {
		return printHistory(store)
	}

	urls := flag.Args()
	if len(urls) == 0 {
		flag.Usage()
		return fmt.Errorf("no URLs given")
	}

	if *inspect {
		return inspectPlaylists(fetch.NewYtDlp(logger), urls)
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	q := queue.New(store, cfg.Download.CheckDuplicates, logger)
	fetcher := fetch.NewYtDlp(logger)
	svc := download.NewService(q, fetcher, store, cfg, logger)

	// Terminal outcomes land here; the buffer covers every admitted URL.
	done := make(chan queue.Item, len(urls))
	svc.AddListener(download.ListenerFunc(func(it queue.Item) {
		switch it.State {
		case queue.StateDownloading:
			fmt.Printf("\r%s  %3.0f%%", it.URL, it.Progress*100)
		case queue.StateCompleted, queue.StateFailed, queue.StateSkipped:
			fmt.Printf("\r%s  %s", it.URL, it.State)
			if it.Error != "" {
				fmt.Printf(" (%s)", it.Error)
			}
			fmt.Println()
			done <- it
		}
	}))

	admitted := 0
	for _, u := range urls {
		if _, err := q.Enqueue(u); err != nil {
			if apperrors.IsDuplicateError(err) {
				fmt.Printf("%s  skipped (%s)\n", u, apperrors.Reason(err))
				continue
			}
			fmt.Printf("%s  rejected (%s)\n", u, apperrors.Reason(err))
			continue
		}
		admitted++
	}
	if admitted == 0 {
		return fmt.Errorf("nothing to download")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	failed := 0
	finished := 0
	for finished < admitted {
		select {
		case it := <-done:
			finished++
			if it.State == queue.StateFailed {
				failed++
			}
		case <-ctx.Done():
			logger.Info("interrupt received, cancelling downloads")
			svc.Stop(false)
			return fmt.Errorf("interrupted")
		}
	}

	svc.Stop(true)

	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, admitted)
	}
	return nil
}

// buildLogger starts from the stock log settings for the data directory and
// overlays whatever the config file customized. Verbose mode bypasses all of
// it for a colored console logger at debug level.
func buildLogger(cfg *config.Config, verbose bool) (*zap.Logger, error) {
	if verbose {
		return monitoring.NewDevelopmentLogger()
	}

	logCfg := monitoring.DefaultLogConfig(config.GetDataDir())
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.Output = cfg.Logging.Output
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
	logCfg.MaxBackups = cfg.Logging.MaxBackups
	logCfg.MaxAgeDays = cfg.Logging.MaxAgeDays
	logCfg.Compress = cfg.Logging.Compress
	return monitoring.NewLogger(logCfg)
}

// inspectPlaylists probes each URL for flat playlist metadata and prints it
// without admitting anything to the queue.
func inspectPlaylists(fetcher *fetch.YtDlp, urls []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failures := 0
	for _, u := range urls {
		info, err := fetcher.Probe(ctx, u)
		if err != nil {
			fmt.Printf("%s  error (%s)\n", u, apperrors.Reason(err))
			failures++
			continue
		}
		fmt.Printf("%s  %q by %s, %d entries\n", u, info.Title, info.Uploader, info.EntryCount)
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d probes failed", failures, len(urls))
	}
	return nil
}

func printHistory(store *history.Store) error {
	entries, err := store.List(0, 100)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("history is empty")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-9s  %s", e.CompletedAt.Format("2006-01-02 15:04"), e.State, e.URL)
		if e.Error != "" {
			line += "  (" + e.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}
