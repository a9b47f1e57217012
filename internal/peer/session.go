// Package peer drives a single outbound connection through the BitTorrent
// peer wire protocol: handshake, then a message loop that keeps the local
// and remote choke/interest flags in sync and pumps at most one block
// request at a time.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/sanalbhatia/mintorrent/internal/config"
	"github.com/sanalbhatia/mintorrent/internal/piece"
	"github.com/sanalbhatia/mintorrent/internal/protocol"
	"github.com/sanalbhatia/mintorrent/pkg/bitfield"
	"golang.org/x/sync/errgroup"
)

// Per-side flags, each independent: choked_by_remote/interested_in_remote
// describe our view of the connection; remote_interested is the peer's
// stated interest in us (tracked but never acted on while pure-leeching).
const (
	maskChokedByRemote     = 1 << 0
	maskInterestedInRemote = 1 << 1
	maskRemoteInterested   = 1 << 2
)

// Manager is the subset of the piece manager a session depends on. Defined
// here (rather than imported as *piece.Manager directly) only to keep
// session tests able to substitute a fake; in production it is always
// *piece.Manager.
type Manager interface {
	AddPeer(addr netip.AddrPort, bf bitfield.Bitfield)
	UpdatePeer(addr netip.AddrPort, pieceIndex int)
	RemovePeer(addr netip.AddrPort)
	NextRequest(addr netip.AddrPort) (piece.Block, bool)
	OnBlockReceived(addr netip.AddrPort, pieceIndex int, begin uint32, data []byte) error
}

// Opts configures a session run.
type Opts struct {
	Log        *slog.Logger
	InfoHash   [sha1.Size]byte
	PieceCount int
	Pieces     Manager
}

// Session drives one peer connection end to end.
type Session struct {
	log    *slog.Logger
	conn   net.Conn
	addr   netip.AddrPort
	state  uint32
	pieces Manager

	pendingRequest atomic.Bool
	outbox         chan *protocol.Message
}

// Run dials addr, performs the handshake, and drives the message loop until
// the connection ends, a protocol violation occurs, or ctx is cancelled.
// Any return — nil or an error describing why the session ended — means the
// same thing to the caller: the connection is gone and the slot is free.
// Callers (the orchestrator's worker pool) are expected to loop: dequeue
// the next peer and call Run again, unless shutdown has been signaled.
func Run(ctx context.Context, addr netip.AddrPort, opts *Opts) error {
	log := opts.Log.With("component", "peer-session", "addr", addr)

	conn, err := net.DialTimeout("tcp", addr.String(), config.Load().DialTimeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	handshake := protocol.NewHandshake(opts.InfoHash, config.Load().ClientID)
	if _, err := handshake.Exchange(conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	s := &Session{
		log:    log,
		conn:   conn,
		addr:   addr,
		pieces: opts.Pieces,
		outbox: make(chan *protocol.Message, 4),
	}
	defer func() {
		_ = s.conn.Close()
		s.pieces.RemovePeer(s.addr)
	}()

	s.setState(maskChokedByRemote, true)
	s.pieces.AddPeer(s.addr, bitfield.New(opts.PieceCount))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx) })

	if !s.enqueue(protocol.MessageInterested()) {
		return errors.New("peer session: outbox closed before interested could be sent")
	}
	s.setState(maskInterestedInRemote, true)

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Shutdown-driven cancellation is not a reportable failure.
		return nil
	}
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	framer := protocol.NewFramer(s.conn, nil)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
		msg, err := framer.Next(ctx)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return err
		}

		if protocol.IsKeepAlive(msg) {
			continue
		}

		if err := s.handle(msg); err != nil {
			return err
		}

		if err := s.pump(); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
			if err := protocol.WriteMessage(s.conn, msg); err != nil {
				return err
			}
			ticker.Reset(config.Load().KeepAliveInterval)

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
			_ = protocol.WriteMessage(s.conn, nil)
		}
	}
}

func (s *Session) handle(msg *protocol.Message) error {
	switch msg.ID {
	case protocol.Choke:
		s.setState(maskChokedByRemote, true)

	case protocol.Unchoke:
		s.setState(maskChokedByRemote, false)

	case protocol.Interested:
		s.setState(maskRemoteInterested, true)

	case protocol.NotInterested:
		s.setState(maskRemoteInterested, false)

	case protocol.Bitfield:
		bits, ok := msg.ParseBitfield()
		if !ok {
			return errors.New("peer session: malformed bitfield")
		}
		s.pieces.AddPeer(s.addr, bitfield.FromBytes(bits))

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return errors.New("peer session: malformed have")
		}
		s.pieces.UpdatePeer(s.addr, int(index))

	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errors.New("peer session: malformed piece")
		}
		s.pendingRequest.Store(false)
		if err := s.pieces.OnBlockReceived(s.addr, int(index), begin, block); err != nil {
			return fmt.Errorf("peer session: %w", err)
		}

	case protocol.Request, protocol.Cancel:
		// leecher-only: never uploads, so requests from the remote are
		// ignored rather than serviced.

	case protocol.Port:
		// DHT port advertisement; no DHT node to wire it to.

	default:
		// Unknown ids are ignored and advanced past, never fatal: a future
		// extension message from the remote is not a protocol violation.
		s.log.Debug("ignoring unknown message id", "id", msg.ID)
	}

	return nil
}

// pump asks the piece manager for the next block to request, honoring the
// at-most-one-outstanding-request invariant.
func (s *Session) pump() error {
	if s.getState(maskChokedByRemote) || !s.getState(maskInterestedInRemote) {
		return nil
	}
	if s.pendingRequest.Load() {
		return nil
	}

	blk, ok := s.pieces.NextRequest(s.addr)
	if !ok {
		return nil
	}

	s.pendingRequest.Store(true)
	if !s.enqueue(protocol.MessageRequest(uint32(blk.PieceIndex), blk.Offset, blk.Length)) {
		return errors.New("peer session: outbox closed while pumping a request")
	}
	return nil
}

func (s *Session) enqueue(msg *protocol.Message) bool {
	select {
	case s.outbox <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}
