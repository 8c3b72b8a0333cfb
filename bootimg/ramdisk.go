package bootimg

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cavaliergopher/cpio"
	gzip "github.com/klauspost/pgzip"
)

// Entry is a single file in a ramdisk archive. Data holds the file body;
// for symlinks it holds the link target, as cpio stores it.
type Entry struct {
	Path    string
	Mode    cpio.FileMode
	UID     int
	GID     int
	ModTime time.Time
	Data    []byte
}

// Ramdisk is a decoded ramdisk archive: an ordered set of entries with
// unique forward-slash-separated relative paths. Entries are just named
// byte blobs; interpreting their content is the caller's business.
type Ramdisk struct {
	entries    []*Entry
	compressed bool
}

var gzipMagic = []byte{0x1f, 0x8b}

// NewRamdisk returns an empty gzip-compressed ramdisk.
func NewRamdisk() *Ramdisk {
	return &Ramdisk{compressed: true}
}

// DecodeRamdisk decompresses and unpacks a ramdisk region into its entry
// set. Plain uncompressed cpio is accepted too, and the choice is kept so
// Encode can reproduce it.
func DecodeRamdisk(data []byte) (*Ramdisk, error) {
	rd := &Ramdisk{
		compressed: bytes.HasPrefix(data, gzipMagic),
	}

	var r io.Reader = bytes.NewReader(data)

	if rd.compressed {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRamdiskDecode, err)
		}

		defer zr.Close()
		r = zr
	}

	cr := cpio.NewReader(r)
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRamdiskDecode, err)
		}

		body := make([]byte, hdr.Size)
		if _, err := io.ReadFull(cr, body); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrRamdiskDecode, hdr.Name, err)
		}

		rd.entries = append(rd.entries, &Entry{
			Path:    hdr.Name,
			Mode:    hdr.Mode,
			UID:     hdr.Uid,
			GID:     hdr.Guid,
			ModTime: hdr.ModTime,
			Data:    body,
		})
	}

	return rd, nil
}

// Entry returns the entry at path, or nil if there is none.
func (rd *Ramdisk) Entry(path string) *Entry {
	for _, e := range rd.entries {
		if e.Path == path {
			return e
		}
	}

	return nil
}

// SetEntry replaces the content of the entry at path, preserving its
// metadata, or appends a new root-owned regular file entry with mode 0644.
// The returned entry can be used to adjust metadata.
func (rd *Ramdisk) SetEntry(path string, data []byte) *Entry {
	if e := rd.Entry(path); e != nil {
		e.Data = data
		return e
	}

	e := &Entry{
		Path: path,
		Mode: cpio.TypeReg | 0o644,
		Data: data,
	}

	rd.entries = append(rd.entries, e)
	return e
}

// Remove deletes the entry at path. It reports whether an entry was removed.
func (rd *Ramdisk) Remove(path string) bool {
	for i, e := range rd.entries {
		if e.Path == path {
			rd.entries = append(rd.entries[:i], rd.entries[i+1:]...)
			return true
		}
	}

	return false
}

// Entries returns the entry set in archive order.
func (rd *Ramdisk) Entries() []*Entry {
	return append([]*Entry(nil), rd.entries...)
}

// Len returns the number of entries.
func (rd *Ramdisk) Len() int {
	return len(rd.entries)
}

// Encode packs the entry set into a fresh archive, compressed the same way
// the decoded input was.
func (rd *Ramdisk) Encode() ([]byte, error) {
	seen := make(map[string]bool, len(rd.entries))
	for _, e := range rd.entries {
		if err := checkPath(e.Path); err != nil {
			return nil, err
		}

		if seen[e.Path] {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrRamdiskEncode, e.Path)
		}

		seen[e.Path] = true
	}

	buf := new(bytes.Buffer)

	var w io.Writer = buf
	var zw *gzip.Writer

	if rd.compressed {
		zw = gzip.NewWriter(buf)
		w = zw
	}

	cw := cpio.NewWriter(w)
	for _, e := range rd.entries {
		mtime := e.ModTime
		if mtime.IsZero() {
			mtime = time.Unix(0, 0)
		}

		hdr := &cpio.Header{
			Name:    e.Path,
			Mode:    e.Mode,
			Uid:     e.UID,
			Guid:    e.GID,
			ModTime: mtime,
			Size:    int64(len(e.Data)),
		}

		if err := cw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrRamdiskEncode, e.Path, err)
		}

		if _, err := cw.Write(e.Data); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrRamdiskEncode, e.Path, err)
		}
	}

	if err := cw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRamdiskEncode, err)
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRamdiskEncode, err)
		}
	}

	return buf.Bytes(), nil
}

func checkPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("%w: empty entry path", ErrRamdiskEncode)
	case strings.HasPrefix(path, "/"):
		return fmt.Errorf("%w: entry path %q is absolute", ErrRamdiskEncode, path)
	case strings.ContainsRune(path, 0):
		return fmt.Errorf("%w: entry path %q contains NUL", ErrRamdiskEncode, path)
	}

	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: entry path %q contains ..", ErrRamdiskEncode, path)
		}
	}

	return nil
}
