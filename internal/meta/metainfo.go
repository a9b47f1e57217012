// Package meta parses bencoded .torrent files into the TorrentMeta shape the
// rest of the client consumes: info-hash, piece digests, and file layout.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/sanalbhatia/mintorrent/pkg/bencode"
)

// TorrentMeta is the parsed, validated contents of a .torrent file.
type TorrentMeta struct {
	Name         string
	InfoHash     [sha1.Size]byte
	PieceLength  int64
	Pieces       [][sha1.Size]byte
	Files        []File
	hasFiles     bool
	TotalSize    int64
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Private      bool
}

// File is one entry of a multi-file torrent's layout, or the sole entry of a
// single-file torrent (Path holds just the torrent's name in that case).
type File struct {
	Length int64
	Path   []string
}

// MultiFile reports whether the torrent's info dict declared a "files" key,
// or whether Files holds more than one entry (a TorrentMeta built directly,
// not through Parse, carries no key-presence flag). Key presence is what
// matters for the single-entry case: a multi-file torrent can legally
// declare a one-entry "files" list, which would misclassify as single-file
// if inferred from Files' shape alone.
func (m *TorrentMeta) MultiFile() bool { return m.hasFiles || len(m.Files) > 1 }

// NumPieces returns the number of pieces described by the torrent.
func (m *TorrentMeta) NumPieces() int { return len(m.Pieces) }

// PieceLen returns the length in bytes of piece index i, accounting for the
// final, possibly-shorter piece.
func (m *TorrentMeta) PieceLen(index int) int64 {
	if index == len(m.Pieces)-1 {
		if rem := m.TotalSize % m.PieceLength; rem != 0 {
			return rem
		}
	}
	return m.PieceLength
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

// Parse decodes and validates a bencoded .torrent file.
func Parse(data []byte) (*TorrentMeta, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := parseOptionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := castInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := parseOptionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := parseOptionalString(root["comment"])
	if err != nil {
		return nil, err
	}

	infoVal, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoVal.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	m, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	hash, err := infoHash(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	m.InfoHash = hash
	m.Announce = announce
	m.AnnounceList = announceList
	m.CreationDate = creationDate
	m.CreatedBy = createdBy
	m.Comment = comment

	return m, nil
}

func parseInfo(dict map[string]any) (*TorrentMeta, error) {
	var (
		m   TorrentMeta
		err error
	)

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	m.Name, err = castString(nameVal)
	if err != nil || m.Name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	plen, err := castInt(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	m.PieceLength = plen

	m.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	if v, ok := dict["private"]; ok {
		privInt, err := castInt(v)
		if err != nil || (privInt != 0 && privInt != 1) {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		m.Private = privInt == 1
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := castInt(lengthVal)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		m.Files = []File{{Length: length, Path: []string{m.Name}}}
		m.TotalSize = length

	case hasFiles && !hasLength:
		files, err := parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
		m.Files = files
		m.hasFiles = true
		for _, f := range files {
			m.TotalSize += f.Length
		}
	default:
		return nil, ErrLayoutInvalid
	}

	return &m, nil
}

func parseFiles(v any) ([]File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]File, 0, len(arr))

	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := castInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := castStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, File{Length: ln, Path: segments})
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid announce-list")
	}
	tiered, err := castTieredStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func parseOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return castString(v)
}

func infoHash(info map[string]any) ([sha1.Size]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf), nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	pieceBytes, err := castBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(pieceBytes)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(pieceBytes) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], pieceBytes[i*sha1.Size:(i+1)*sha1.Size])
	}

	return out, nil
}
