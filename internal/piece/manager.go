// Package piece implements the global request-assignment and verification
// state machine: which blocks are missing, which peers hold which pieces,
// what to request next, and how a completed piece is verified and persisted.
package piece

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sanalbhatia/mintorrent/internal/meta"
	"github.com/sanalbhatia/mintorrent/pkg/bitfield"
)

// requestTimeout is how long a Pending block may go unanswered before it is
// considered stale and reassignable to a different peer.
const requestTimeout = 5 * time.Minute

// maxTrackedAvailability bounds the availability-bucket array; it matches
// the orchestrator's peer queue capacity since no piece can be claimed by
// more registered peers than that.
const maxTrackedAvailability = 500

// BlockStatus is the lifecycle state of a single block within a piece.
type BlockStatus int

const (
	BlockMissing BlockStatus = iota
	BlockPending
	BlockRetrieved
)

type block struct {
	offset uint32
	length uint32
	status BlockStatus
	data   []byte
}

// pieceState is which of the three top-level sets (missing, ongoing, have)
// a piece currently belongs to.
type pieceState int

const (
	stateMissing pieceState = iota
	stateOngoing
	stateHave
)

type piece struct {
	index  int
	digest [sha1.Size]byte
	blocks []*block
	peers  map[netip.AddrPort]struct{}
	state  pieceState
}

func (p *piece) complete() bool {
	for _, b := range p.blocks {
		if b.status != BlockRetrieved {
			return false
		}
	}
	return true
}

func (p *piece) reset() {
	for _, b := range p.blocks {
		b.status = BlockMissing
		b.data = nil
	}
}

func (p *piece) concat() []byte {
	buf := make([]byte, 0, p.size())
	for _, b := range p.blocks {
		buf = append(buf, b.data...)
	}
	return buf
}

func (p *piece) size() int {
	n := 0
	for _, b := range p.blocks {
		n += int(b.length)
	}
	return n
}

// Block is a unit of network transfer returned to a peer session for
// requesting.
type Block struct {
	PieceIndex int
	Offset     uint32
	Length     uint32
}

type pendingRequest struct {
	pieceIndex int
	blockIdx   int
	peer       netip.AddrPort
	issuedAt   time.Time
}

// Assembler is the subset of *storage.Assembler the piece manager needs.
type Assembler interface {
	WritePiece(index int, data []byte) error
}

// Stats is a point-in-time snapshot of download progress, exposed for
// logging/CLI progress reporting. Availability is observability-only and
// never influences request assignment.
type Stats struct {
	Have       int
	Ongoing    int
	Missing    int
	Total      int
	Pending    int
	Downloaded int64

	// Availability holds, per piece index, how many registered peers claim
	// to hold that piece.
	Availability []int
}

// Manager is the single-owner piece/block tracker: every public method takes
// its lock for the whole call, including the digest check and disk write on
// piece completion, so no caller ever observes a piece mid-transition.
type Manager struct {
	mu sync.Mutex

	log   *slog.Logger
	clock clock.Clock
	tm    *meta.TorrentMeta
	disk  Assembler

	pieceLength int64

	// pieces holds every piece indexed by piece index; piece.state says which
	// of missing/ongoing/have it currently belongs to. Scans over this slice
	// are always in ascending index order, which is what gives NextRequest
	// its exact sequential tie-break.
	pieces []*piece
	have   int

	peerBitfields map[netip.AddrPort]bitfield.Bitfield
	pending       []*pendingRequest

	avail *availabilityBucket

	done chan struct{}
}

// New builds the manager's initial state from torrent metadata: every piece
// starts in missing, split into BlockLength-sized blocks.
func New(tm *meta.TorrentMeta, disk Assembler, log *slog.Logger, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}

	n := tm.NumPieces()
	m := &Manager{
		log:           log.With("component", "piece_manager"),
		clock:         clk,
		tm:            tm,
		disk:          disk,
		pieceLength:   tm.PieceLength,
		pieces:        make([]*piece, n),
		peerBitfields: make(map[netip.AddrPort]bitfield.Bitfield),
		avail:         newAvailabilityBucket(n, maxTrackedAvailability),
		done:          make(chan struct{}),
	}

	for i := 0; i < n; i++ {
		pl := tm.PieceLen(i)
		bc := BlockCount(pl)
		blocks := make([]*block, bc)
		for j := 0; j < bc; j++ {
			off, length := BlockBounds(pl, j)
			blocks[j] = &block{offset: off, length: length}
		}

		m.pieces[i] = &piece{
			index:  i,
			digest: tm.Pieces[i],
			blocks: blocks,
			peers:  make(map[netip.AddrPort]struct{}),
			state:  stateMissing,
		}
	}

	if n == 0 {
		close(m.done)
	}

	return m
}

// AddPeer registers or replaces peer's holdings.
func (m *Manager) AddPeer(peer netip.AddrPort, bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.peerBitfields[peer]; ok {
		for _, i := range old.Indices(m.tm.NumPieces()) {
			m.removePeerFromPiece(peer, i)
			m.avail.Move(i, -1)
		}
	}

	m.peerBitfields[peer] = bf.Clone()
	for _, i := range bf.Indices(m.tm.NumPieces()) {
		m.addPeerToPiece(peer, i)
		m.avail.Move(i, 1)
	}
}

// UpdatePeer marks peer as additionally holding pieceIndex (a Have message).
func (m *Manager) UpdatePeer(peer netip.AddrPort, pieceIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.peerBitfields[peer]
	if !ok {
		bf = bitfield.New(m.tm.NumPieces())
		m.peerBitfields[peer] = bf
	}
	if pieceIndex < 0 || pieceIndex >= bf.Len() {
		return
	}
	if bf.Set(pieceIndex) {
		m.addPeerToPiece(peer, pieceIndex)
		m.avail.Move(pieceIndex, 1)
	}
}

// RemovePeer drops peer's holdings entirely, on disconnect.
func (m *Manager) RemovePeer(peer netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.peerBitfields[peer]
	if !ok {
		return
	}
	for _, i := range bf.Indices(m.tm.NumPieces()) {
		m.removePeerFromPiece(peer, i)
		m.avail.Move(i, -1)
	}
	delete(m.peerBitfields, peer)

	// Any block this peer had Pending is left exactly as-is: a disconnected
	// peer behaves identically to a silent one, and the existing
	// PendingRequest will age out through the normal staleness path in
	// reassignExpired rather than being special-cased here.
}

func (m *Manager) addPeerToPiece(peer netip.AddrPort, idx int) {
	if idx >= 0 && idx < len(m.pieces) {
		m.pieces[idx].peers[peer] = struct{}{}
	}
}

func (m *Manager) removePeerFromPiece(peer netip.AddrPort, idx int) {
	if idx >= 0 && idx < len(m.pieces) {
		delete(m.pieces[idx].peers, peer)
	}
}

// NextRequest assigns the next block to ask peer for, trying three
// strategies in order: continue an ongoing piece the peer holds, start a new
// piece the peer holds, or re-request an expired pending block. Both scans
// walk m.pieces in ascending index order, so ties break sequentially by
// piece index then block offset; availability is never consulted here.
func (m *Manager) NextRequest(peer netip.AddrPort) (Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if blk, ok := m.continueOngoing(peer); ok {
		return blk, true
	}
	if blk, ok := m.startNew(peer); ok {
		return blk, true
	}
	if blk, ok := m.reassignExpired(peer); ok {
		return blk, true
	}
	return Block{}, false
}

func (m *Manager) continueOngoing(peer netip.AddrPort) (Block, bool) {
	for _, p := range m.pieces {
		if p.state != stateOngoing {
			continue
		}
		if _, holds := p.peers[peer]; !holds {
			continue
		}
		for bi, b := range p.blocks {
			if b.status == BlockMissing {
				b.status = BlockPending
				m.addPending(p.index, bi, peer)
				return Block{PieceIndex: p.index, Offset: b.offset, Length: b.length}, true
			}
		}
	}
	return Block{}, false
}

func (m *Manager) startNew(peer netip.AddrPort) (Block, bool) {
	for _, p := range m.pieces {
		if p.state != stateMissing {
			continue
		}
		if _, holds := p.peers[peer]; !holds {
			continue
		}

		p.state = stateOngoing

		b := p.blocks[0]
		b.status = BlockPending
		m.addPending(p.index, 0, peer)
		return Block{PieceIndex: p.index, Offset: b.offset, Length: b.length}, true
	}
	return Block{}, false
}

func (m *Manager) reassignExpired(peer netip.AddrPort) (Block, bool) {
	now := m.clock.Now()
	for _, pr := range m.pending {
		if now.Sub(pr.issuedAt) < requestTimeout {
			continue
		}
		p := m.pieces[pr.pieceIndex]
		b := p.blocks[pr.blockIdx]
		pr.peer = peer
		pr.issuedAt = now
		return Block{PieceIndex: p.index, Offset: b.offset, Length: b.length}, true
	}
	return Block{}, false
}

func (m *Manager) addPending(pieceIndex, blockIdx int, peer netip.AddrPort) {
	m.pending = append(m.pending, &pendingRequest{
		pieceIndex: pieceIndex,
		blockIdx:   blockIdx,
		peer:       peer,
		issuedAt:   m.clock.Now(),
	})
}

func (m *Manager) removePending(pieceIndex, blockIdx int) {
	for i, pr := range m.pending {
		if pr.pieceIndex == pieceIndex && pr.blockIdx == blockIdx {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// OnBlockReceived integrates a delivered block. On piece completion it
// verifies the digest and, if it matches, writes the piece to disk; on
// mismatch every block of the piece is discarded and re-entered as Missing.
func (m *Manager) OnBlockReceived(peer netip.AddrPort, pieceIndex int, begin uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(m.pieces) {
		return nil
	}
	p := m.pieces[pieceIndex]
	if p.state != stateOngoing {
		m.log.Debug("discarding block for unknown/verified piece", "piece", pieceIndex, "peer", peer)
		return nil
	}

	bi := BlockIndexForOffset(begin)
	if bi < 0 || bi >= len(p.blocks) {
		return nil
	}
	b := p.blocks[bi]
	if b.offset != begin || b.status == BlockRetrieved {
		return nil
	}

	b.data = append([]byte(nil), data...)
	b.status = BlockRetrieved
	m.removePending(pieceIndex, bi)

	if !p.complete() {
		return nil
	}

	digest := sha1.Sum(p.concat())
	if digest != p.digest {
		m.log.Warn("piece digest mismatch, discarding and re-requesting", "piece", pieceIndex)
		p.reset()
		return nil
	}

	if err := m.disk.WritePiece(pieceIndex, p.concat()); err != nil {
		return fmt.Errorf("piece: write piece %d: %w", pieceIndex, err)
	}

	p.state = stateHave
	m.have++

	// Free the in-memory buffer; the bytes now live only on disk.
	for _, blk := range p.blocks {
		blk.data = nil
	}

	if m.completeLocked() {
		select {
		case <-m.done:
		default:
			close(m.done)
		}
	}

	return nil
}

// Complete reports whether every piece has been verified.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.completeLocked()
}

func (m *Manager) completeLocked() bool {
	return m.have == len(m.pieces)
}

// Done returns a channel that closes once every piece has verified.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Stats returns a snapshot of progress counters for logging/CLI use.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var downloaded int64
	var ongoing, missing int
	for _, p := range m.pieces {
		switch p.state {
		case stateHave:
			downloaded += m.tm.PieceLen(p.index)
		case stateOngoing:
			ongoing++
		case stateMissing:
			missing++
		}
	}

	return Stats{
		Have:       m.have,
		Ongoing:    ongoing,
		Missing:    missing,
		Total:      len(m.pieces),
		Pending:    len(m.pending),
		Downloaded: downloaded,

		Availability: m.avail.Snapshot(),
	}
}

// Close is a no-op: the assembler (disk) owns the open file descriptors and
// is closed independently by its owner.
func (m *Manager) Close() error {
	return nil
}
