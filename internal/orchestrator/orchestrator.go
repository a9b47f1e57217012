// Package orchestrator owns the peer queue, the pool of peer-session
// workers, the piece manager, and the tracker client for a single torrent
// download, and drives them all to completion or shutdown.
package orchestrator

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sanalbhatia/mintorrent/internal/config"
	"github.com/sanalbhatia/mintorrent/internal/meta"
	"github.com/sanalbhatia/mintorrent/internal/peer"
	"github.com/sanalbhatia/mintorrent/internal/piece"
	"github.com/sanalbhatia/mintorrent/internal/storage"
	"github.com/sanalbhatia/mintorrent/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Orchestrator drives one torrent download: it owns the bounded peer
// queue, the worker pool of peer sessions draining it, the piece manager,
// and the tracker client issuing periodic announces.
type Orchestrator struct {
	log     *slog.Logger
	tm      *meta.TorrentMeta
	pieces  *piece.Manager
	tracker *tracker.Tracker
	disk    *storage.Assembler

	peerQueue chan netip.AddrPort

	seenMu sync.Mutex
	seen   map[netip.AddrPort]struct{}

	uploaded   uint64
	downloaded uint64
}

// New constructs an Orchestrator for tm, writing verified pieces under
// downloadRoot.
func New(tm *meta.TorrentMeta, downloadRoot string, log *slog.Logger, clk clock.Clock) (*Orchestrator, error) {
	disk, err := storage.New(downloadRoot, tm)
	if err != nil {
		return nil, err
	}

	cfg := config.Load()
	pieces := piece.New(tm, disk, log, clk)

	o := &Orchestrator{
		log:       log,
		tm:        tm,
		pieces:    pieces,
		disk:      disk,
		peerQueue: make(chan netip.AddrPort, cfg.PeerQueueSize),
		seen:      make(map[netip.AddrPort]struct{}),
	}

	tr, err := tracker.NewTracker(tm.Announce, tm.AnnounceList, &tracker.TrackerOpts{
		Log:               log,
		OnAnnounceStart:   o.announceParams,
		OnAnnounceSuccess: o.enqueuePeers,
	})
	if err != nil {
		return nil, err
	}
	o.tracker = tr

	return o, nil
}

// Run spawns the worker pool, performs the initial tracker announce, and
// blocks until the download completes or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	cfg := config.Load()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	for i := 0; i < cfg.MaxPeers; i++ {
		g.Go(func() error { return o.sessionWorker(gctx) })
	}

	g.Go(func() error { return o.tracker.Run(gctx) })

	g.Go(func() error {
		select {
		case <-o.pieces.Done():
			o.log.Info("download complete")
			o.announceCompleted()
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	err := g.Wait()
	_ = o.disk.Close()
	_ = o.pieces.Close()
	return err
}

func (o *Orchestrator) sessionWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case addr, ok := <-o.peerQueue:
			if !ok {
				return nil
			}

			err := peer.Run(ctx, addr, &peer.Opts{
				Log:        o.log,
				InfoHash:   o.tm.InfoHash,
				PieceCount: o.tm.NumPieces(),
				Pieces:     o.pieces,
			})
			if err != nil {
				o.log.Debug("peer session ended", "addr", addr, "error", err)
			}

			o.seenMu.Lock()
			delete(o.seen, addr)
			o.seenMu.Unlock()
		}
	}
}

func (o *Orchestrator) enqueuePeers(addrs []netip.AddrPort) {
	o.seenMu.Lock()
	defer o.seenMu.Unlock()

	for _, addr := range addrs {
		if _, dup := o.seen[addr]; dup {
			continue
		}

		select {
		case o.peerQueue <- addr:
			o.seen[addr] = struct{}{}
		default:
			o.log.Warn("peer queue full; dropping", "addr", addr)
		}
	}
}

// Stats returns a point-in-time snapshot of download progress, suitable for
// CLI/log reporting.
func (o *Orchestrator) Stats() piece.Stats {
	return o.pieces.Stats()
}

// AnnounceStats returns a point-in-time snapshot of this torrent's tracker
// announce history, suitable for verbose CLI/log reporting.
func (o *Orchestrator) AnnounceStats() tracker.TrackerMetrics {
	return o.tracker.Stats()
}

// announceCompleted fires the tracker's one-shot event=completed announce.
// It uses its own short-lived context rather than the run context, since by
// the time the piece manager reports Done() the caller is already about to
// cancel that context to unwind the worker pool.
func (o *Orchestrator) announceCompleted() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.tracker.AnnounceCompleted(ctx); err != nil {
		o.log.Warn("completed announce failed", "error", err)
	}
}

func (o *Orchestrator) announceParams() *tracker.AnnounceParams {
	stats := o.pieces.Stats()

	left := o.tm.TotalSize - stats.Downloaded
	if left < 0 {
		left = 0
	}

	cfg := config.Load()
	return &tracker.AnnounceParams{
		InfoHash:   o.tm.InfoHash,
		PeerID:     cfg.ClientID,
		Uploaded:   o.uploaded,
		Downloaded: uint64(stats.Downloaded),
		Left:       uint64(left),
		NumWant:    cfg.NumWant,
		Port:       cfg.Port,
	}
}
