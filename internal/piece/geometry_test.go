package piece

import "testing"

func TestPieceCount(t *testing.T) {
	if got := PieceCount(40000, 32768); got != 2 {
		t.Fatalf("PieceCount = %d, want 2", got)
	}
	if got := PieceCount(0, 32768); got != 0 {
		t.Fatalf("PieceCount(0) = %d, want 0", got)
	}
}

func TestPieceLengthAt_LastPieceShorter(t *testing.T) {
	// 40000 bytes, piece_length=32768 -> pieces of 32768 then 7232.
	if got := PieceLengthAt(0, 40000, 32768); got != 32768 {
		t.Fatalf("piece 0 length = %d, want 32768", got)
	}
	if got := PieceLengthAt(1, 40000, 32768); got != 7232 {
		t.Fatalf("piece 1 length = %d, want 7232", got)
	}
	if got := PieceLengthAt(2, 40000, 32768); got != 0 {
		t.Fatalf("out-of-range piece length = %d, want 0", got)
	}
}

func TestBlockCountAndBounds(t *testing.T) {
	// piece of 32768 bytes -> exactly two 16384-byte blocks
	if got := BlockCount(32768); got != 2 {
		t.Fatalf("BlockCount(32768) = %d, want 2", got)
	}
	off, length := BlockBounds(32768, 0)
	if off != 0 || length != 16384 {
		t.Fatalf("block 0 = (%d,%d), want (0,16384)", off, length)
	}
	off, length = BlockBounds(32768, 1)
	if off != 16384 || length != 16384 {
		t.Fatalf("block 1 = (%d,%d), want (16384,16384)", off, length)
	}

	// final piece of 7232 bytes -> one short block
	if got := BlockCount(7232); got != 1 {
		t.Fatalf("BlockCount(7232) = %d, want 1", got)
	}
	off, length = BlockBounds(7232, 0)
	if off != 0 || length != 7232 {
		t.Fatalf("last block = (%d,%d), want (0,7232)", off, length)
	}
}

func TestBlockIndexForOffset(t *testing.T) {
	if got := BlockIndexForOffset(0); got != 0 {
		t.Fatalf("BlockIndexForOffset(0) = %d, want 0", got)
	}
	if got := BlockIndexForOffset(16384); got != 1 {
		t.Fatalf("BlockIndexForOffset(16384) = %d, want 1", got)
	}
}
