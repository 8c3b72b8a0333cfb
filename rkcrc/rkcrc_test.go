package rkcrc_test

import (
	"bytes"
	"testing"

	"github.com/maskrom/rkflash/rkcrc"
)

func TestChecksum(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"", 0x0},
		{"\x00", 0x0},
		{"123456789", 0x889a9615},
		{"rkflash", 0xa4fe56aa},
	}

	for _, c := range cases {
		if got := rkcrc.Checksum([]byte(c.in)); got != c.want {
			t.Errorf("Checksum(%q) = %#x, want %#x", c.in, got, c.want)
		}
	}
}

func TestUpdateSplit(t *testing.T) {
	data := []byte("0123456789abcdef0123456789abcdef")
	whole := rkcrc.Checksum(data)
	split := rkcrc.Update(rkcrc.Update(0, data[:13]), data[13:])
	if whole != split {
		t.Errorf("split update %#x != whole %#x", split, whole)
	}
}

func TestHash(t *testing.T) {
	h := rkcrc.New()
	if _, err := h.Write([]byte("123456789")); err != nil {
		t.Fatal(err)
	}

	if got := h.Sum32(); got != 0x889a9615 {
		t.Errorf("Sum32 = %#x, want %#x", got, 0x889a9615)
	}

	if got := h.Sum(nil); !bytes.Equal(got, []byte{0x88, 0x9a, 0x96, 0x15}) {
		t.Errorf("Sum = %x", got)
	}

	h.Reset()
	if h.Sum32() != 0 {
		t.Error("Sum32 != 0 after Reset")
	}
}
