// Command mintorrent leeches a single torrent to a local directory and
// exits once every piece has been verified and written.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sanalbhatia/mintorrent/internal/config"
	"github.com/sanalbhatia/mintorrent/internal/logging"
	"github.com/sanalbhatia/mintorrent/internal/meta"
	"github.com/sanalbhatia/mintorrent/internal/orchestrator"
	"github.com/andres-erbsen/clock"
	"github.com/schollz/progressbar/v3"
)

func main() {
	var (
		torrentPath string
		downloadDir string
		verbose     bool
	)

	flag.StringVar(&torrentPath, "torrent", "", "path to a .torrent file")
	flag.StringVar(&downloadDir, "out", "", "directory to download into (defaults to the configured download dir)")
	flag.BoolVar(&verbose, "v", false, "enable debug logging")
	flag.Parse()

	setupLogger(verbose)

	if torrentPath == "" {
		slog.Error("missing required -torrent flag")
		os.Exit(2)
	}

	config.Init()
	if downloadDir != "" {
		config.Update(func(c *config.Config) { c.DownloadDir = downloadDir })
	}

	if err := run(torrentPath, config.Load().DownloadDir); err != nil {
		slog.Error("download failed", "error", err)
		os.Exit(1)
	}
}

func run(torrentPath, downloadDir string) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	tm, err := meta.Parse(data)
	if err != nil {
		return fmt.Errorf("parse torrent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orc, err := orchestrator.New(tm, downloadDir, slog.Default(), clock.New())
	if err != nil {
		return fmt.Errorf("construct orchestrator: %w", err)
	}

	bar := progressbar.NewOptions(tm.NumPieces(),
		progressbar.OptionSetDescription(tm.Name),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	done := make(chan struct{})
	go reportProgress(ctx, orc, bar, done)

	err = orc.Run(ctx)
	close(done)
	_ = bar.Finish()

	m := orc.AnnounceStats()
	slog.Debug("tracker session summary",
		"total_announces", m.TotalAnnounces,
		"successful_announces", m.SuccessfulAnnounces,
		"failed_announces", m.FailedAnnounces,
		"peers_received", m.TotalPeersReceived,
	)

	return err
}

func reportProgress(ctx context.Context, orc *orchestrator.Orchestrator, bar *progressbar.ProgressBar, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = bar.Set(orc.Stats().Have)
		}
	}
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
