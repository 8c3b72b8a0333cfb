// Package bootimg parses and rebuilds the boot images used by Rockchip
// Android devices: the Android boot image container (magic-prefixed header
// and page-aligned kernel/ramdisk/second-stage regions) and the older
// Rockchip KRNL container (a bare ramdisk with a length prefix and CRC
// trailer). The ramdisk in either container is a compressed cpio archive,
// exposed as an ordered set of named entries so callers can patch files
// without touching the container format.
package bootimg

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrBadMagic reports a buffer that doesn't start with a known
	// boot image magic.
	ErrBadMagic = errors.New("bootimg: bad magic")

	// ErrBadHeader reports a header with nonsense field values.
	ErrBadHeader = errors.New("bootimg: bad header")

	// ErrTruncated reports a buffer shorter than its header declares.
	ErrTruncated = errors.New("bootimg: truncated image")

	// ErrRamdiskDecode reports a ramdisk region that can't be decompressed
	// or isn't a cpio archive.
	ErrRamdiskDecode = errors.New("bootimg: can't decode ramdisk")

	// ErrRamdiskEncode reports a ramdisk entry set that can't be encoded,
	// usually because of a bad entry path.
	ErrRamdiskEncode = errors.New("bootimg: can't encode ramdisk")
)

// Format identifies a boot image container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatAndroid
	FormatKRNL
)

func (f Format) String() string {
	switch f {
	case FormatAndroid:
		return "android"
	case FormatKRNL:
		return "krnl"
	}

	return "unknown"
}

// Detect sniffs the container format from the magic at offset 0.
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte(MagicAndroid)):
		return FormatAndroid
	case bytes.HasPrefix(data, []byte(MagicKRNL)):
		return FormatKRNL
	}

	return FormatUnknown
}

// PadTo appends zero bytes to img until it is size bytes long. A patched
// image padded to the size of the partition it came from can be written
// back without leaving stale tail bytes behind.
func PadTo(img []byte, size int) ([]byte, error) {
	if len(img) > size {
		return nil, fmt.Errorf("bootimg: image is %d bytes, can't pad to %d", len(img), size)
	}

	out := make([]byte, size)
	copy(out, img)

	return out, nil
}
