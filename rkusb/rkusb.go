// Package rkusb talks to Rockchip SoCs over the raw USB command interface
// their boot ROM exposes in maskrom mode. It covers device discovery and
// interface claim, the command/status framing the ROM understands, and
// sector-addressed flash access. Everything above that (partition naming,
// chunked streaming, boot image surgery) lives in the param, flash and
// bootimg packages.
package rkusb

import (
	"errors"
	"fmt"
)

// VendorID is the USB vendor id shared by all Rockchip boot ROMs.
const VendorID = 0x2207

// SectorSize is the flash addressing unit for all commands.
const SectorSize = 512

var (
	// ErrNoDevice means no attached USB device matched the variant table.
	ErrNoDevice = errors.New("rkusb: no maskrom device found")

	// ErrAmbiguous means more than one device matched. Pick one by
	// serial number via Config.Serial.
	ErrAmbiguous = errors.New("rkusb: more than one maskrom device found")

	// ErrClaim means the bulk interface couldn't be claimed, commonly a
	// permission or kernel-driver issue.
	ErrClaim = errors.New("rkusb: can't claim the bulk interface")

	// ErrClosed means the session was closed or the device rebooted.
	ErrClosed = errors.New("rkusb: session is closed")

	// ErrTransport is a protocol-level failure: endpoint stall, garbled
	// status block, or a command the device rejected. Not retryable
	// without reopening the session.
	ErrTransport = errors.New("rkusb: transport error")

	// ErrTimeout means a transfer didn't complete in time. The device may
	// just be slow; the same operation may be retried.
	ErrTimeout = errors.New("rkusb: transfer timed out")

	// ErrShortTransfer means the device moved fewer bytes than requested.
	// Flash content must be byte-exact, so this is never papered over.
	ErrShortTransfer = errors.New("rkusb: short transfer")
)

// Variant identifies a supported chip family and the dialect constants
// that go with it. Variants are matched by product id during discovery
// and are immutable afterwards.
type Variant struct {
	// PID is the USB product id, one per chip family.
	PID uint16

	// Name is the human-readable chip name.
	Name string

	// MaxChunk is the largest data phase the ROM moves per command, in
	// bytes. Always a multiple of SectorSize.
	MaxChunk int
}

func (v Variant) String() string {
	return fmt.Sprintf("%s (%04x:%04x)", v.Name, VendorID, v.PID)
}

const (
	chunkSmall = 16 << 10  // pre-RK3066 ROMs
	chunkLarge = 128 << 10 // RK3066 and later
)

// variants maps product ids to chip families. Unlisted ids are never opened.
var variants = []Variant{
	{PID: 0x281a, Name: "RK2818", MaxChunk: chunkSmall},
	{PID: 0x290a, Name: "RK2918", MaxChunk: chunkSmall},
	{PID: 0x292a, Name: "RK2928", MaxChunk: chunkSmall},
	{PID: 0x292c, Name: "RK3026", MaxChunk: chunkSmall},
	{PID: 0x300a, Name: "RK3066", MaxChunk: chunkLarge},
	{PID: 0x300b, Name: "RK3168", MaxChunk: chunkLarge},
	{PID: 0x301a, Name: "RK3036", MaxChunk: chunkLarge},
	{PID: 0x310a, Name: "RK3066B", MaxChunk: chunkLarge},
	{PID: 0x310b, Name: "RK3188", MaxChunk: chunkLarge},
	{PID: 0x310c, Name: "RK3128", MaxChunk: chunkLarge},
	{PID: 0x320a, Name: "RK3288", MaxChunk: chunkLarge},
	{PID: 0x320b, Name: "RK3229", MaxChunk: chunkLarge},
	{PID: 0x330a, Name: "RK3368", MaxChunk: chunkLarge},
	{PID: 0x330c, Name: "RK3399", MaxChunk: chunkLarge},
}

// LookupVariant finds the variant for a product id.
func LookupVariant(pid uint16) (Variant, bool) {
	for _, v := range variants {
		if v.PID == pid {
			return v, true
		}
	}

	return Variant{}, false
}

// Variants returns the supported chip families.
func Variants() []Variant {
	return append([]Variant(nil), variants...)
}
