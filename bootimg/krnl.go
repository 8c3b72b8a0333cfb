package bootimg

import (
	"encoding/binary"
	"fmt"

	"github.com/maskrom/rkflash/rkcrc"
)

// MagicKRNL prefixes a Rockchip KRNL boot image: a length-prefixed ramdisk
// with a Rockchip CRC trailer and no header beyond the magic. Older
// bootloaders boot this in place of an Android image.
const MagicKRNL = "KRNL"

// KrnlImage is a parsed KRNL boot image. It has no header fields to speak
// of: the ramdisk is the whole payload.
type KrnlImage struct {
	Ramdisk *Ramdisk
}

// ParseKRNL validates and decodes a KRNL boot image.
func ParseKRNL(data []byte) (*KrnlImage, error) {
	if len(data) < len(MagicKRNL) || string(data[:len(MagicKRNL)]) != MagicKRNL {
		n := len(data)
		if n > len(MagicKRNL) {
			n = len(MagicKRNL)
		}

		return nil, fmt.Errorf("%w: %q", ErrBadMagic, data[:n])
	}

	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes is too short for the size field", ErrTruncated, len(data))
	}

	size := binary.LittleEndian.Uint32(data[4:])
	if uint64(len(data)) < 8+uint64(size) {
		return nil, fmt.Errorf("%w: %d bytes, payload needs %d", ErrTruncated, len(data), 8+uint64(size))
	}

	rd, err := DecodeRamdisk(data[8 : 8+size])
	if err != nil {
		return nil, err
	}

	return &KrnlImage{Ramdisk: rd}, nil
}

// Serialize re-encodes the image: magic, le32 payload size, the packed
// ramdisk, and the CRC trailer.
func (img *KrnlImage) Serialize() ([]byte, error) {
	ramdisk, err := img.Ramdisk.Encode()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 8+len(ramdisk)+4)
	out = append(out, MagicKRNL...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(ramdisk)))
	out = append(out, ramdisk...)
	out = binary.LittleEndian.AppendUint32(out, rkcrc.Checksum(ramdisk))

	return out, nil
}
