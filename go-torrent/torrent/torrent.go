package torrent

import (
	"crypto/sha1"
	"path"
	"strings"

	"github.com/Charana123/tori/go-torrent/bencode"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()

type Torrent struct {
	MetaInfo  MetaInfo
	InfoHash  [20]byte
	Length    int
	NumPieces int
	// Files is the on-disk layout relative to the output directory. Single
	// file torrents get one entry named after the torrent.
	Files []File
}

type MetaInfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string
	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string
	URLList      []string
}

type Info struct {
	PieceLength int
	Pieces      [][20]byte
	Private     bool
	Name        string
	Length      int
	Files       []File
}

type File struct {
	Length int
	Path   []string
}

func (f File) RelativePath() string {
	return path.Join(f.Path...)
}

func Open(filename string) (*Torrent, error) {
	data, err := afero.ReadFile(appFS, filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filename)
	}
	return NewTorrent(data)
}

func malformed(format string, args ...interface{}) error {
	return errors.Errorf("malformed torrent: "+format, args...)
}

func NewTorrent(data []byte) (*Torrent, error) {
	v, _, err := bencode.Decode(data)
	if err != nil {
		return nil, errors.Wrap(err, "malformed torrent")
	}
	root, ok := v.(*bencode.Dictionary)
	if !ok {
		return nil, malformed("top level value is not a dictionary")
	}
	info, ok := root.Dict("info")
	if !ok {
		return nil, malformed("missing info dictionary")
	}

	tor := &Torrent{}
	encodedInfo, err := bencode.Encode(info)
	if err != nil {
		return nil, errors.Wrap(err, "malformed torrent")
	}
	tor.InfoHash = sha1.Sum(encodedInfo)

	mi := &tor.MetaInfo
	mi.Announce, _ = root.Str("announce")
	mi.Comment, _ = root.Str("comment")
	mi.CreatedBy, _ = root.Str("created by")
	mi.Encoding, _ = root.Str("encoding")
	mi.CreationDate, _ = root.Int("creation date")
	if tiers, ok := root.List("announce-list"); ok {
		for _, tier := range tiers {
			urls, ok := tier.(bencode.List)
			if !ok {
				continue
			}
			t := stringList(urls)
			if len(t) > 0 {
				mi.AnnounceList = append(mi.AnnounceList, t)
			}
		}
	}
	if urlList, ok := root.Get("url-list"); ok {
		switch u := urlList.(type) {
		case bencode.ByteString:
			mi.URLList = []string{string(u)}
		case bencode.List:
			mi.URLList = stringList(u)
		}
	}

	if err := parseInfo(info, &mi.Info); err != nil {
		return nil, err
	}

	if len(mi.Info.Files) > 0 {
		for _, f := range mi.Info.Files {
			tor.Length += f.Length
			tor.Files = append(tor.Files, File{
				Length: f.Length,
				Path:   append([]string{mi.Info.Name}, f.Path...),
			})
		}
	} else {
		tor.Length = mi.Info.Length
		tor.Files = []File{{Length: mi.Info.Length, Path: []string{mi.Info.Name}}}
	}

	tor.NumPieces = len(mi.Info.Pieces)
	want := (tor.Length + mi.Info.PieceLength - 1) / mi.Info.PieceLength
	if tor.NumPieces != want {
		return nil, malformed("%d piece hashes for %d bytes at piece length %d, want %d",
			tor.NumPieces, tor.Length, mi.Info.PieceLength, want)
	}
	return tor, nil
}

func parseInfo(d *bencode.Dictionary, info *Info) error {
	var ok bool
	if info.Name, ok = d.Str("name"); !ok || info.Name == "" {
		return malformed("missing name")
	}
	if err := checkSegment(info.Name); err != nil {
		return err
	}
	pieceLength, ok := d.Int("piece length")
	if !ok || pieceLength <= 0 {
		return malformed("missing or invalid piece length")
	}
	info.PieceLength = int(pieceLength)

	pieces, ok := d.Bytes("pieces")
	if !ok || len(pieces)%20 != 0 {
		return malformed("pieces must be a multiple of 20 bytes")
	}
	for i := 0; i < len(pieces); i += 20 {
		var h [20]byte
		copy(h[:], pieces[i:i+20])
		info.Pieces = append(info.Pieces, h)
	}
	private, _ := d.Int("private")
	info.Private = private == 1

	if length, ok := d.Int("length"); ok {
		if length < 0 {
			return malformed("negative length")
		}
		info.Length = int(length)
		return nil
	}
	files, ok := d.List("files")
	if !ok || len(files) == 0 {
		return malformed("info needs either length or files")
	}
	for i, f := range files {
		fd, ok := f.(*bencode.Dictionary)
		if !ok {
			return malformed("file %d is not a dictionary", i)
		}
		length, ok := fd.Int("length")
		if !ok || length < 0 {
			return malformed("file %d has an invalid length", i)
		}
		segments, ok := fd.List("path")
		if !ok || len(segments) == 0 {
			return malformed("file %d has no path", i)
		}
		file := File{Length: int(length)}
		for _, s := range segments {
			seg, ok := s.(bencode.ByteString)
			if !ok {
				return malformed("file %d has a non string path segment", i)
			}
			if err := checkSegment(string(seg)); err != nil {
				return err
			}
			file.Path = append(file.Path, string(seg))
		}
		info.Files = append(info.Files, file)
	}
	return nil
}

// checkSegment keeps every file inside the output directory.
func checkSegment(seg string) error {
	if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, "/\\") {
		return malformed("invalid path segment %q", seg)
	}
	return nil
}

func stringList(l bencode.List) []string {
	s := []string{}
	for _, v := range l {
		if b, ok := v.(bencode.ByteString); ok {
			s = append(s, string(b))
		}
	}
	return s
}

// PieceLength is the nominal piece length for every piece but the last.
func (t *Torrent) PieceLength(pieceIndex int) int {
	if pieceIndex == t.NumPieces-1 {
		return t.Length - t.MetaInfo.Info.PieceLength*(t.NumPieces-1)
	}
	return t.MetaInfo.Info.PieceLength
}

func (t *Torrent) PieceHash(pieceIndex int) [20]byte {
	return t.MetaInfo.Info.Pieces[pieceIndex]
}

// Tiers returns a copy of the announce-list, or the lone announce URL as a
// single tier.
func (t *Torrent) Tiers() [][]string {
	tiers := [][]string{}
	for _, tier := range t.MetaInfo.AnnounceList {
		tiers = append(tiers, append([]string{}, tier...))
	}
	if len(tiers) == 0 && t.MetaInfo.Announce != "" {
		tiers = append(tiers, []string{t.MetaInfo.Announce})
	}
	return tiers
}
