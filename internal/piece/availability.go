package piece

import (
	"math/bits"
	"sync"
)

// availabilityBucket tracks, for observability only, how many registered
// peers currently claim to hold each piece. It is never consulted by
// nextRequestLocked — the request-assignment cascade picks sequentially by
// piece index and block offset regardless of rarity. Exposing rarity here
// only feeds Manager.Stats().
//
// Pieces are kept in dense per-availability-level buckets so that querying
// the rarest non-empty level is O(1)-ish instead of a full scan, the same
// trick a rarest-first picker would use — this manager just never acts on
// the ordering.
type availabilityBucket struct {
	mu sync.RWMutex

	buckets      [][]int
	avail        []int
	pos          []int
	maxAvail     int
	nonEmptyBits []uint64
}

func newAvailabilityBucket(pieceCount, maxAvail int) *availabilityBucket {
	if maxAvail < 1 {
		maxAvail = 1
	}

	b := &availabilityBucket{
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]int, pieceCount),
		pos:          make([]int, pieceCount),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
	}

	b.buckets[0] = make([]int, pieceCount)
	for i := 0; i < pieceCount; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
	}
	if pieceCount > 0 {
		b.setBit(0)
	}

	return b
}

// Availability returns the current availability count of piece i.
func (b *availabilityBucket) Availability(i int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.avail[i]
}

// Snapshot returns a copy of every piece's current availability count,
// indexed by piece index.
func (b *availabilityBucket) Snapshot() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]int, len(b.avail))
	copy(out, b.avail)
	return out
}

// RarestNonEmpty returns the lowest availability level that still has at
// least one piece at it. Neither request assignment nor Manager.Stats()
// calls it.
func (b *availabilityBucket) RarestNonEmpty() (level int, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for w := 0; w < len(b.nonEmptyBits); w++ {
		if x := b.nonEmptyBits[w]; x != 0 {
			return w<<6 + bits.TrailingZeros64(x), true
		}
	}

	return 0, false
}

// Move changes piece i's availability count by delta (+1 when a peer
// announces holding it, -1 when a peer drops or disconnects).
func (b *availabilityBucket) Move(i, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldA := b.avail[i]
	newA := oldA + delta
	if newA < 0 {
		newA = 0
	}
	if newA > b.maxAvail {
		newA = b.maxAvail
	}
	if newA == oldA {
		return
	}

	b.removeFrom(i, oldA)
	b.addTo(i, newA)
	b.avail[i] = newA
}

func (b *availabilityBucket) removeFrom(i, avail int) {
	pos := b.pos[i]
	bucket := b.buckets[avail]
	last := len(bucket) - 1

	bucket[pos] = bucket[last]
	b.pos[bucket[pos]] = pos
	bucket = bucket[:last]
	b.buckets[avail] = bucket

	if len(bucket) == 0 {
		b.clearBit(avail)
	}
}

func (b *availabilityBucket) addTo(i, avail int) {
	bucket := append(b.buckets[avail], i)
	b.pos[i] = len(bucket) - 1
	b.buckets[avail] = bucket
	b.setBit(avail)
}

func (b *availabilityBucket) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] |= 1 << bit
}

func (b *availabilityBucket) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] &^= 1 << bit
}
