package piece

// BlockLength is the default request size for blocks within a piece.
//
// The official specification calls for 2^15, but every surviving
// implementation actually uses 2^14 — see the unofficial spec.
const BlockLength = 16 * 1024

// PieceCount returns how many pieces are needed to cover size bytes.
func PieceCount(size int64, pieceLen int64) int {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	return int((size + pieceLen - 1) / pieceLen)
}

// LastPieceLength returns the length in bytes of the final piece.
func LastPieceLength(size, pieceLen int64) int64 {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	if rem := size % pieceLen; rem != 0 {
		return rem
	}
	return pieceLen
}

// PieceLengthAt returns the length of piece index, accounting for the last
// piece possibly being shorter.
func PieceLengthAt(index int, size, pieceLen int64) int64 {
	count := PieceCount(size, pieceLen)
	if index < 0 || index >= count {
		return 0
	}
	if index == count-1 {
		return LastPieceLength(size, pieceLen)
	}
	return pieceLen
}

// BlockCount returns the number of BlockLength-sized blocks a piece of the
// given length is split into.
func BlockCount(pieceLen int64) int {
	if pieceLen <= 0 {
		return 0
	}
	return int((pieceLen + BlockLength - 1) / BlockLength)
}

// BlockBounds returns the (offset, length) of block blockIdx within a piece
// of length pieceLen.
func BlockBounds(pieceLen int64, blockIdx int) (offset uint32, length uint32) {
	bc := BlockCount(pieceLen)
	offset = uint32(blockIdx) * BlockLength

	if blockIdx == bc-1 {
		if rem := pieceLen % BlockLength; rem != 0 {
			return offset, uint32(rem)
		}
	}
	return offset, BlockLength
}

// BlockIndexForOffset returns which block within a piece an offset falls in.
func BlockIndexForOffset(offset uint32) int {
	return int(offset / BlockLength)
}
