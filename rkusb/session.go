package rkusb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
)

// Config describes how to find and talk to a device.
type Config struct {

	// Timeout bounds device discovery and every individual transfer.
	// If Timeout is 0, 5 seconds are used.
	Timeout time.Duration

	// Serial picks one device when several are attached. If Serial is ""
	// and more than one device matches, Open fails with ErrAmbiguous.
	Serial string

	// MaxChunk overrides the variant's per-command data phase size in
	// bytes. It must be a multiple of SectorSize and no larger than the
	// variant allows. If MaxChunk is 0, the variant's size is used.
	MaxChunk int
}

// Session is an exclusive connection to one device in maskrom mode.
// Operations are strictly sequential; concurrent calls are serialized.
// A Session is invalid after Close or Reboot.
type Session struct {
	variant Variant
	serial  string
	timeout time.Duration
	chunk   int

	mu     sync.Mutex
	dev    *gousb.Device
	intf   *gousb.Interface
	done   func()
	fr     *framer
	closed bool

	capacity uint64 // flash size in sectors, 0 until read
}

// Open scans attached USB devices for a supported boot ROM, claims its
// bulk interface and returns a Session. Discovery is retried until
// Config.Timeout expires. The gousb context stays owned by the caller and
// must outlive the Session.
func Open(usb *gousb.Context, cfg Config) (*Session, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	deadline := time.Now().Add(timeout)

	for {
		s, err := open(usb, cfg, timeout)
		if err == nil || !errors.Is(err, ErrNoDevice) || !time.Now().Before(deadline) {
			return s, err
		}

		time.Sleep(200 * time.Millisecond)
	}
}

func open(usb *gousb.Context, cfg Config, timeout time.Duration) (*Session, error) {
	devs, err := usb.OpenDevices(func(d *gousb.DeviceDesc) bool {
		if uint16(d.Vendor) != VendorID {
			return false
		}

		_, ok := LookupVariant(uint16(d.Product))
		return ok
	})

	if err != nil {
		for _, d := range devs {
			d.Close()
		}

		return nil, fmt.Errorf("%w: %v", ErrClaim, err)
	}

	type match struct {
		dev    *gousb.Device
		serial string
	}

	var picked []match
	for _, d := range devs {
		sn, _ := d.SerialNumber()
		if cfg.Serial != "" && sn != cfg.Serial {
			d.Close()
			continue
		}

		picked = append(picked, match{dev: d, serial: sn})
	}

	switch len(picked) {
	case 0:
		return nil, ErrNoDevice

	case 1:

	default:
		serials := make([]string, len(picked))
		for i, m := range picked {
			serials[i] = fmt.Sprintf("%s %q", m.dev.Desc.Product, m.serial)
			m.dev.Close()
		}

		return nil, fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(serials, ", "))
	}

	dev := picked[0].dev
	variant, _ := LookupVariant(uint16(dev.Desc.Product))

	s := &Session{
		variant: variant,
		serial:  picked[0].serial,
		timeout: timeout,
		chunk:   variant.MaxChunk,
		dev:     dev,
	}

	if cfg.MaxChunk != 0 {
		if cfg.MaxChunk%SectorSize != 0 || cfg.MaxChunk > variant.MaxChunk {
			dev.Close()
			return nil, fmt.Errorf("rkusb: bad chunk override %d for %s", cfg.MaxChunk, variant)
		}

		s.chunk = cfg.MaxChunk
	}

	if err := s.claim(); err != nil {
		dev.Close()
		return nil, err
	}

	return s, nil
}

// claim grabs the device's default interface and resolves its bulk
// endpoint pair.
func (s *Session) claim() error {
	if err := s.dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("%w: autodetach: %v", ErrClaim, err)
	}

	intf, done, err := s.dev.DefaultInterface()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClaim, err)
	}

	var inNum, outNum = -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}

		if ep.Direction == gousb.EndpointDirectionIn {
			inNum = ep.Number
		} else {
			outNum = ep.Number
		}
	}

	if inNum < 0 || outNum < 0 {
		done()
		return fmt.Errorf("%w: no bulk endpoint pair on %s", ErrClaim, s.variant)
	}

	in, err := intf.InEndpoint(inNum)
	if err != nil {
		done()
		return fmt.Errorf("%w: %v", ErrClaim, err)
	}

	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		done()
		return fmt.Errorf("%w: %v", ErrClaim, err)
	}

	s.intf = intf
	s.done = done
	s.fr = &framer{conn: &usbConn{in: in, out: out}}

	return nil
}

// usbConn adapts the claimed gousb endpoints to the framer.
type usbConn struct {
	in  *gousb.InEndpoint
	out *gousb.OutEndpoint
}

func (c *usbConn) bulkIn(ctx context.Context, p []byte) (int, error) {
	return c.in.ReadContext(ctx, p)
}

func (c *usbConn) bulkOut(ctx context.Context, p []byte) (int, error) {
	return c.out.WriteContext(ctx, p)
}

// Variant reports the detected chip family.
func (s *Session) Variant() Variant {
	return s.variant
}

// Serial reports the device serial number, which may be empty.
func (s *Session) Serial() string {
	return s.serial
}

// MaxChunk reports the data phase size limit for this session in bytes.
func (s *Session) MaxChunk() int {
	return s.chunk
}

// Close releases the claimed interface. It is safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.closed {
		return nil
	}

	s.closed = true

	if s.done != nil {
		s.done()
	}

	return s.dev.Close()
}

// opCtx applies the per-transfer timeout on top of the caller's context.
func (s *Session) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func checkBuf(p []byte, chunk int) {
	switch {
	case len(p) == 0 || len(p)%SectorSize != 0:
		panic(fmt.Sprintf("rkusb: buffer length %d is not a positive multiple of %d", len(p), SectorSize))
	case len(p) > chunk:
		panic(fmt.Sprintf("rkusb: buffer length %d exceeds the %d byte chunk limit", len(p), chunk))
	}
}

// ReadSectors reads len(p) bytes starting at sector off. The buffer must
// be a positive multiple of SectorSize no larger than MaxChunk.
func (s *Session) ReadSectors(ctx context.Context, off uint64, p []byte) error {
	checkBuf(p, s.chunk)

	if off > math.MaxUint32 {
		return fmt.Errorf("rkusb: sector offset %#x overflows the command frame", off)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()

	c := command{op: opReadLBA, offset: uint32(off), count: uint16(len(p) / SectorSize)}
	return s.fr.roundTrip(tctx, c, p, nil)
}

// WriteSectors writes len(p) bytes starting at sector off, under the same
// buffer constraints as ReadSectors.
func (s *Session) WriteSectors(ctx context.Context, off uint64, p []byte) error {
	checkBuf(p, s.chunk)

	if off > math.MaxUint32 {
		return fmt.Errorf("rkusb: sector offset %#x overflows the command frame", off)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()

	c := command{op: opWriteLBA, offset: uint32(off), count: uint16(len(p) / SectorSize)}
	return s.fr.roundTrip(tctx, c, nil, p)
}

// ParameterAreaSize is how much the ROM returns for a parameter block
// read: the 32 sectors at flash offset zero.
const ParameterAreaSize = 16 << 10

// ReadParameterData reads the raw parameter area. Decode it with
// param.Decode.
func (s *Session) ReadParameterData(ctx context.Context) ([]byte, error) {
	buf := make([]byte, ParameterAreaSize)
	if err := s.ReadSectors(ctx, 0, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// FlashInfo describes the flash device behind the ROM.
type FlashInfo struct {
	SizeSectors      uint32 // total capacity
	BlockSize        uint16 // sectors per erase block
	PageSize         uint8  // sectors per program page
	ECCBits          uint8
	AccessTime       uint8
	ManufacturerCode uint8
	ChipSelect       uint8
}

// ReadFlashInfo queries flash geometry.
func (s *Session) ReadFlashInfo(ctx context.Context) (*FlashInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()

	buf := make([]byte, SectorSize)
	if err := s.fr.roundTrip(tctx, command{op: opReadFlashInfo}, buf, nil); err != nil {
		return nil, err
	}

	info := &FlashInfo{
		SizeSectors:      binary.LittleEndian.Uint32(buf[0:]),
		BlockSize:        binary.LittleEndian.Uint16(buf[4:]),
		PageSize:         buf[6],
		ECCBits:          buf[7],
		AccessTime:       buf[8],
		ManufacturerCode: buf[9],
		ChipSelect:       buf[10],
	}

	s.capacity = uint64(info.SizeSectors)
	return info, nil
}

// Capacity reports the flash size in sectors, querying the device the
// first time.
func (s *Session) Capacity(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	cached := s.capacity
	s.mu.Unlock()

	if cached != 0 {
		return cached, nil
	}

	info, err := s.ReadFlashInfo(ctx)
	if err != nil {
		return 0, err
	}

	return uint64(info.SizeSectors), nil
}

// ReadChipInfo reads the 16-byte chip identification record.
func (s *Session) ReadChipInfo(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()

	buf := make([]byte, 16)
	if err := s.fr.roundTrip(tctx, command{op: opReadChipInfo}, buf, nil); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadFlashID reads the 5-byte flash chip id.
func (s *Session) ReadFlashID(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()

	buf := make([]byte, 5)
	if err := s.fr.roundTrip(tctx, command{op: opReadFlashID}, buf, nil); err != nil {
		return nil, err
	}

	return buf, nil
}

// Ping issues a test-unit-ready command with no data phase.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.fr.roundTrip(tctx, command{op: opTestUnitReady}, nil, nil)
}

// Reboot asks the ROM to reset the device. The device is expected to
// disconnect, so a missing status block is not an error. The session is
// closed either way.
func (s *Session) Reboot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.fr.send(tctx, command{op: opResetDevice})
	if err == nil {
		// best effort: the device may drop off the bus before answering
		_ = s.fr.recvStatus(tctx, tag)
	}

	closeErr := s.closeLocked()
	if err != nil {
		return err
	}

	return closeErr
}
