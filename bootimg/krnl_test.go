package bootimg_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/maskrom/rkflash/bootimg"
	"github.com/maskrom/rkflash/rkcrc"
)

func buildKRNL(t *testing.T) []byte {
	t.Helper()

	rd := buildRamdisk(t, testFiles)

	out := []byte("KRNL")
	out = binary.LittleEndian.AppendUint32(out, uint32(len(rd)))
	out = append(out, rd...)
	out = binary.LittleEndian.AppendUint32(out, rkcrc.Checksum(rd))

	return out
}

func TestParseKRNL(t *testing.T) {
	img, err := bootimg.ParseKRNL(buildKRNL(t))
	if err != nil {
		t.Fatal(err)
	}

	if img.Ramdisk.Len() != 3 {
		t.Errorf("ramdisk has %d entries", img.Ramdisk.Len())
	}

	if e := img.Ramdisk.Entry("init"); e == nil || string(e.Data) != testFiles["init"] {
		t.Errorf("init entry = %v", e)
	}
}

func TestKRNLRoundTrip(t *testing.T) {
	data := buildKRNL(t)

	img, err := bootimg.ParseKRNL(data)
	if err != nil {
		t.Fatal(err)
	}

	out, err := img.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	back, err := bootimg.ParseKRNL(out)
	if err != nil {
		t.Fatal(err)
	}

	if back.Ramdisk.Len() != img.Ramdisk.Len() {
		t.Errorf("entry count changed: %d != %d", back.Ramdisk.Len(), img.Ramdisk.Len())
	}

	// the trailer is the Rockchip CRC of the payload
	n := binary.LittleEndian.Uint32(out[4:])
	payload := out[8 : 8+n]
	crc := binary.LittleEndian.Uint32(out[8+n:])

	if want := rkcrc.Checksum(payload); crc != want {
		t.Errorf("trailer crc = %#x, want %#x", crc, want)
	}
}

func TestParseKRNLErrors(t *testing.T) {
	if _, err := bootimg.ParseKRNL([]byte("ANDROID!")); !errors.Is(err, bootimg.ErrBadMagic) {
		t.Errorf("wrong magic: err = %v", err)
	}

	if _, err := bootimg.ParseKRNL([]byte("KRNL")); !errors.Is(err, bootimg.ErrTruncated) {
		t.Errorf("no size field: err = %v", err)
	}

	short := []byte("KRNL")
	short = binary.LittleEndian.AppendUint32(short, 1000)
	short = append(short, "only a few bytes"...)

	if _, err := bootimg.ParseKRNL(short); !errors.Is(err, bootimg.ErrTruncated) {
		t.Errorf("short payload: err = %v", err)
	}
}
