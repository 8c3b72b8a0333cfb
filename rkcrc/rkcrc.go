// Package rkcrc implements the CRC-32 variant used by Rockchip boot ROMs
// to protect the parameter block and KRNL boot images. It is a left-shifting
// CRC with polynomial 0x04c10db7 and no final inversion, so it is not
// interchangeable with hash/crc32.
package rkcrc

import "hash"

const poly = 0x04c10db7

var table = makeTable()

func makeTable() *[256]uint32 {
	var t [256]uint32
	for i := range t {
		crc := uint32(i) << 24
		for b := 0; b < 8; b++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return &t
}

// Update returns the checksum of p appended to a running checksum.
func Update(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = crc<<8 ^ table[byte(crc>>24)^b]
	}
	return crc
}

// Checksum returns the checksum of p.
func Checksum(p []byte) uint32 {
	return Update(0, p)
}

// New returns a hash.Hash32 computing the Rockchip checksum.
func New() hash.Hash32 {
	return new(digest)
}

type digest uint32

func (d *digest) Write(p []byte) (int, error) {
	*d = digest(Update(uint32(*d), p))
	return len(p), nil
}

func (d *digest) Sum(in []byte) []byte {
	s := d.Sum32()
	return append(in, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

func (d *digest) Sum32() uint32  { return uint32(*d) }
func (d *digest) Reset()         { *d = 0 }
func (d *digest) Size() int      { return 4 }
func (d *digest) BlockSize() int { return 1 }
