package bootimg

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math/bits"
)

// MagicAndroid prefixes an Android boot image.
const MagicAndroid = "ANDROID!"

const (
	boardNameSize     = 16
	cmdlineSize       = 512
	extraCmdlineSize  = 1024
	androidHeaderSize = 1632
)

// rawHeader is the on-disk Android boot image header, little-endian.
type rawHeader struct {
	Magic        [8]byte
	KernelSize   uint32
	KernelAddr   uint32
	RamdiskSize  uint32
	RamdiskAddr  uint32
	SecondSize   uint32
	SecondAddr   uint32
	TagsAddr     uint32
	PageSize     uint32
	DTSize       uint32
	OSVersion    uint32
	Board        [boardNameSize]byte
	Cmdline      [cmdlineSize]byte
	ID           [32]byte
	ExtraCmdline [extraCmdlineSize]byte
}

// Image is a parsed Android boot image. Mutate the Ramdisk entry set (or
// any other field) and call Serialize to produce a fresh image; a parsed
// image is never re-serialized in place.
type Image struct {
	KernelAddr  uint32
	RamdiskAddr uint32
	SecondAddr  uint32
	TagsAddr    uint32
	PageSize    uint32
	OSVersion   uint32
	Board       string
	Cmdline     string

	Kernel     []byte
	Second     []byte
	DeviceTree []byte
	Ramdisk    *Ramdisk
}

// Parse validates and decodes an Android boot image, including
// decompressing the ramdisk region into its entry set.
func Parse(data []byte) (*Image, error) {
	if len(data) < len(MagicAndroid) || string(data[:len(MagicAndroid)]) != MagicAndroid {
		n := len(data)
		if n > len(MagicAndroid) {
			n = len(MagicAndroid)
		}

		return nil, fmt.Errorf("%w: %q", ErrBadMagic, data[:n])
	}

	if len(data) < androidHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes < %d byte header", ErrTruncated, len(data), androidHeaderSize)
	}

	var hdr rawHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	if hdr.PageSize < androidHeaderSize || bits.OnesCount32(hdr.PageSize) != 1 {
		return nil, fmt.Errorf("%w: page size %d", ErrBadHeader, hdr.PageSize)
	}

	ps := uint64(hdr.PageSize)
	align := func(n uint32) uint64 {
		return (uint64(n) + ps - 1) / ps * ps
	}

	var (
		kernelOff  = ps
		ramdiskOff = kernelOff + align(hdr.KernelSize)
		secondOff  = ramdiskOff + align(hdr.RamdiskSize)
		dtOff      = secondOff + align(hdr.SecondSize)
		end        = dtOff + uint64(hdr.DTSize)
	)

	if uint64(len(data)) < end {
		return nil, fmt.Errorf("%w: %d bytes, payloads need %d", ErrTruncated, len(data), end)
	}

	region := func(off uint64, size uint32) []byte {
		return append([]byte(nil), data[off:off+uint64(size)]...)
	}

	rd, err := DecodeRamdisk(data[ramdiskOff : ramdiskOff+uint64(hdr.RamdiskSize)])
	if err != nil {
		return nil, err
	}

	return &Image{
		KernelAddr:  hdr.KernelAddr,
		RamdiskAddr: hdr.RamdiskAddr,
		SecondAddr:  hdr.SecondAddr,
		TagsAddr:    hdr.TagsAddr,
		PageSize:    hdr.PageSize,
		OSVersion:   hdr.OSVersion,
		Board:       cstr(hdr.Board[:]),
		Cmdline:     cstr(hdr.Cmdline[:]) + cstr(hdr.ExtraCmdline[:]),

		Kernel:     region(kernelOff, hdr.KernelSize),
		Second:     region(secondOff, hdr.SecondSize),
		DeviceTree: region(dtOff, hdr.DTSize),
		Ramdisk:    rd,
	}, nil
}

// Serialize re-encodes the image: the ramdisk entry set is packed into a
// fresh archive, sizes and the header id are recomputed, and every region
// is padded to the page size. The result is a complete boot image the
// loader will accept in place of the original.
func (img *Image) Serialize() ([]byte, error) {
	if img.PageSize < androidHeaderSize || bits.OnesCount32(img.PageSize) != 1 {
		return nil, fmt.Errorf("%w: page size %d", ErrBadHeader, img.PageSize)
	}

	if len(img.Board) > boardNameSize-1 {
		return nil, fmt.Errorf("%w: board name %q is too long", ErrBadHeader, img.Board)
	}

	if len(img.Cmdline) > cmdlineSize+extraCmdlineSize-2 {
		return nil, fmt.Errorf("%w: cmdline is %d bytes", ErrBadHeader, len(img.Cmdline))
	}

	ramdisk, err := img.Ramdisk.Encode()
	if err != nil {
		return nil, err
	}

	hdr := rawHeader{
		KernelSize:  uint32(len(img.Kernel)),
		KernelAddr:  img.KernelAddr,
		RamdiskSize: uint32(len(ramdisk)),
		RamdiskAddr: img.RamdiskAddr,
		SecondSize:  uint32(len(img.Second)),
		SecondAddr:  img.SecondAddr,
		TagsAddr:    img.TagsAddr,
		PageSize:    img.PageSize,
		DTSize:      uint32(len(img.DeviceTree)),
		OSVersion:   img.OSVersion,
	}

	copy(hdr.Magic[:], MagicAndroid)
	copy(hdr.Board[:], img.Board)

	if len(img.Cmdline) < cmdlineSize {
		copy(hdr.Cmdline[:], img.Cmdline)
	} else {
		copy(hdr.Cmdline[:], img.Cmdline[:cmdlineSize-1])
		copy(hdr.ExtraCmdline[:], img.Cmdline[cmdlineSize-1:])
	}

	id := imageID(img.Kernel, ramdisk, img.Second, img.DeviceTree)
	copy(hdr.ID[:], id)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	pad := func() {
		if rem := buf.Len() % int(img.PageSize); rem != 0 {
			buf.Write(make([]byte, int(img.PageSize)-rem))
		}
	}

	pad()

	buf.Write(img.Kernel)
	pad()

	buf.Write(ramdisk)
	pad()

	if len(img.Second) > 0 {
		buf.Write(img.Second)
		pad()
	}

	if len(img.DeviceTree) > 0 {
		buf.Write(img.DeviceTree)
		pad()
	}

	return buf.Bytes(), nil
}

// imageID computes the header id the way mkbootimg does: SHA-1 over each
// payload followed by its le32 size. The device tree only participates
// when present, matching loaders that predate the field.
func imageID(kernel, ramdisk, second, dt []byte) []byte {
	h := sha1.New()

	size := func(p []byte) {
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], uint32(len(p)))
		h.Write(le[:])
	}

	for _, p := range [][]byte{kernel, ramdisk, second} {
		h.Write(p)
		size(p)
	}

	if len(dt) > 0 {
		h.Write(dt)
		size(dt)
	}

	return h.Sum(nil)
}

func cstr(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}

	return string(p)
}
