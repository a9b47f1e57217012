// Package storage maps verified piece bytes onto the files declared by a
// torrent's layout and writes them to disk.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sanalbhatia/mintorrent/internal/meta"
)

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// Assembler writes verified piece bytes to the on-disk files a torrent
// declares, splitting each piece's byte range across file boundaries by
// prefix sum. Writes are idempotent: writing the same verified piece twice
// produces the same bytes on disk.
type Assembler struct {
	pieceLength int64
	files       []*datafile
}

// New creates (or truncates to size) every file the torrent declares under
// root, and returns an Assembler ready to receive verified pieces.
//
// Single-file torrents get one file at root/<name>; multi-file torrents get
// a directory root/<name> containing each declared path.
func New(root string, m *meta.TorrentMeta) (*Assembler, error) {
	dir := filepath.Join(root, m.Name)
	if m.MultiFile() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	} else {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	}

	var (
		offset int64
		files  []*datafile
	)

	for _, f := range m.Files {
		var fp string
		if m.MultiFile() {
			fp = filepath.Join(append([]string{dir}, f.Path...)...)
		} else {
			fp = filepath.Join(root, m.Name)
		}

		df, err := createFileMapping(fp, f.Length, offset)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		files = append(files, df)
		offset += f.Length
	}

	return &Assembler{pieceLength: m.PieceLength, files: files}, nil
}

func createFileMapping(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	return &datafile{path: path, length: size, offset: offset, f: f}, nil
}

// WritePiece writes a verified piece's bytes at absolute offset
// index*pieceLength, splitting across whichever declared files that range
// spans.
func (a *Assembler) WritePiece(index int, data []byte) error {
	pieceStart := int64(index) * a.pieceLength
	pieceEnd := pieceStart + int64(len(data))

	for _, file := range a.files {
		fileStart := file.offset
		fileEnd := fileStart + file.length

		overlapStart := max64(pieceStart, fileStart)
		overlapEnd := min64(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - pieceStart

		n, err := file.f.WriteAt(data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("storage: write %s: %w", file.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("storage: short write to %s: wrote %d, want %d", file.path, n, writeLen)
		}
	}

	return nil
}

// ReadPiece reads a piece's bytes back from disk, for verification or resume.
func (a *Assembler) ReadPiece(index int, into []byte) error {
	pieceStart := int64(index) * a.pieceLength
	pieceEnd := pieceStart + int64(len(into))

	for _, file := range a.files {
		fileStart := file.offset
		fileEnd := fileStart + file.length

		overlapStart := max64(pieceStart, fileStart)
		overlapEnd := min64(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		readLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - pieceStart

		n, err := file.f.ReadAt(into[offsetInData:offsetInData+readLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("storage: read %s: %w", file.path, err)
		}
		if int64(n) != readLen {
			return fmt.Errorf("storage: short read from %s: read %d, want %d", file.path, n, readLen)
		}
	}

	return nil
}

// Close closes every underlying file.
func (a *Assembler) Close() error {
	var first error
	for _, f := range a.files {
		if err := f.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
