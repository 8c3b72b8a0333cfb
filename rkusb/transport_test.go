package rkusb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// fakeROM speaks the device side of the wire protocol from memory-backed
// flash. It answers one command at a time, like the real ROM. Responses
// are queued as discrete messages so transfer boundaries behave like USB
// transfers rather than a byte stream.
type fakeROM struct {
	flash []byte

	tag          uint32
	pendingWrite *command // write command waiting for its data phase
	wrote        []command
	inQueue      [][]byte

	status     byte // status byte for the next CSW
	mangleCSW  func(csw []byte)
	shortReads bool // deliver response data one byte at a time
}

func (d *fakeROM) bulkOut(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if w := d.pendingWrite; w != nil {
		off := int(w.offset) * SectorSize
		copy(d.flash[off:], p)
		d.pendingWrite = nil
		d.queueCSW()
		return len(p), nil
	}

	if len(p) != cbwSize || string(p[:4]) != cbwMagic {
		return 0, errors.New("fake: not a command block")
	}

	c := command{
		op:     binary.BigEndian.Uint32(p[12:]),
		offset: binary.BigEndian.Uint32(p[17:]),
		count:  binary.BigEndian.Uint16(p[22:]),
	}

	d.tag = binary.BigEndian.Uint32(p[4:])

	switch c.op {
	case opReadLBA:
		off := int(c.offset) * SectorSize
		end := off + int(c.count)*SectorSize
		if end > len(d.flash) {
			end = len(d.flash)
		}

		d.inQueue = append(d.inQueue, append([]byte(nil), d.flash[off:end]...))
		d.queueCSW()

	case opWriteLBA:
		w := c
		d.pendingWrite = &w
		d.wrote = append(d.wrote, c)

	case opTestUnitReady, opResetDevice:
		d.queueCSW()

	case opReadFlashInfo:
		info := make([]byte, SectorSize)
		binary.LittleEndian.PutUint32(info, uint32(len(d.flash)/SectorSize))
		binary.LittleEndian.PutUint16(info[4:], 128)
		info[6] = 4
		d.inQueue = append(d.inQueue, info)
		d.queueCSW()

	default:
		d.status = 1
		d.queueCSW()
	}

	return len(p), nil
}

func (d *fakeROM) bulkIn(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if len(d.inQueue) == 0 {
		return 0, errors.New("fake: nothing to read")
	}

	msg := d.inQueue[0]
	if d.shortReads && len(msg) > 1 {
		msg = msg[:1]
	}

	n := copy(p, msg)
	if n < len(d.inQueue[0]) {
		d.inQueue[0] = d.inQueue[0][n:]
	} else {
		d.inQueue = d.inQueue[1:]
	}

	return n, nil
}

var _ bulkConn = (*fakeROM)(nil)

func (d *fakeROM) queueCSW() {
	var csw [cswSize]byte
	copy(csw[:], cswMagic)
	binary.BigEndian.PutUint32(csw[4:], d.tag)
	csw[12] = d.status

	if d.mangleCSW != nil {
		d.mangleCSW(csw[:])
	}

	d.inQueue = append(d.inQueue, csw[:])
}

func newTestFramer(flashSectors int) (*framer, *fakeROM) {
	rom := &fakeROM{flash: make([]byte, flashSectors*SectorSize)}
	return &framer{conn: rom}, rom
}

func TestFramerCommandEncoding(t *testing.T) {
	var got []byte
	fr := &framer{conn: connFunc{
		out: func(ctx context.Context, p []byte) (int, error) {
			got = append([]byte(nil), p...)
			return len(p), nil
		},
	}}

	tag, err := fr.send(context.Background(), command{op: opReadLBA, offset: 0x2000, count: 32})
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != cbwSize {
		t.Fatalf("frame is %d bytes", len(got))
	}

	if string(got[:4]) != cbwMagic {
		t.Errorf("magic = %q", got[:4])
	}

	if echoed := binary.BigEndian.Uint32(got[4:]); echoed != tag {
		t.Errorf("tag in frame = %#x, returned %#x", echoed, tag)
	}

	if op := binary.BigEndian.Uint32(got[12:]); op != opReadLBA {
		t.Errorf("opcode = %#x", op)
	}

	if off := binary.BigEndian.Uint32(got[17:]); off != 0x2000 {
		t.Errorf("offset = %#x", off)
	}

	if count := binary.BigEndian.Uint16(got[22:]); count != 32 {
		t.Errorf("count = %d", count)
	}
}

func TestFramerReadWrite(t *testing.T) {
	fr, rom := newTestFramer(64)
	ctx := context.Background()

	want := bytes.Repeat([]byte("flash data sector!!"), 100)[:2*SectorSize]
	copy(rom.flash[4*SectorSize:], want)

	buf := make([]byte, 2*SectorSize)
	err := fr.roundTrip(ctx, command{op: opReadLBA, offset: 4, count: 2}, buf, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf, want) {
		t.Error("read bytes differ from flash content")
	}

	out := bytes.Repeat([]byte{0xab}, SectorSize)
	err = fr.roundTrip(ctx, command{op: opWriteLBA, offset: 8, count: 1}, nil, out)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(rom.flash[8*SectorSize:9*SectorSize], out) {
		t.Error("write didn't land in flash")
	}
}

// A device delivering less data than the command asked for must surface an
// error, never a silently short buffer.
func TestFramerShortRead(t *testing.T) {
	fr, rom := newTestFramer(64)
	rom.flash = rom.flash[:SectorSize/2]

	buf := make([]byte, SectorSize)
	err := fr.roundTrip(context.Background(), command{op: opReadLBA, offset: 0, count: 1}, buf, nil)
	if !errors.Is(err, ErrShortTransfer) && !errors.Is(err, ErrTransport) {
		t.Errorf("err = %v", err)
	}
}

func TestFramerPartialReadsAreLooped(t *testing.T) {
	fr, rom := newTestFramer(64)
	rom.shortReads = true
	copy(rom.flash, "one byte at a time")

	buf := make([]byte, SectorSize)
	if err := fr.roundTrip(context.Background(), command{op: opReadLBA, offset: 0, count: 1}, buf, nil); err != nil {
		t.Fatal(err)
	}

	if !bytes.HasPrefix(buf, []byte("one byte at a time")) {
		t.Error("chunked read reassembled wrong")
	}
}

func TestFramerBadStatus(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		fr, rom := newTestFramer(4)
		rom.mangleCSW = func(csw []byte) { copy(csw, "NOPE") }

		err := fr.roundTrip(context.Background(), command{op: opTestUnitReady}, nil, nil)
		if !errors.Is(err, ErrTransport) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("tag mismatch", func(t *testing.T) {
		fr, rom := newTestFramer(4)
		rom.mangleCSW = func(csw []byte) { csw[7] ^= 0xff }

		err := fr.roundTrip(context.Background(), command{op: opTestUnitReady}, nil, nil)
		if !errors.Is(err, ErrTransport) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("failure status", func(t *testing.T) {
		fr, rom := newTestFramer(4)
		rom.status = 1

		err := fr.roundTrip(context.Background(), command{op: opTestUnitReady}, nil, nil)
		if !errors.Is(err, ErrTransport) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestFramerTimeout(t *testing.T) {
	fr, _ := newTestFramer(4)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := fr.roundTrip(ctx, command{op: opTestUnitReady}, nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v", err)
	}
}

func TestFramerCancel(t *testing.T) {
	fr, _ := newTestFramer(4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fr.roundTrip(ctx, command{op: opTestUnitReady}, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestFramerOneOutstandingCommand(t *testing.T) {
	fr, _ := newTestFramer(4)

	if _, err := fr.send(context.Background(), command{op: opReadLBA, count: 1}); err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("second send while pending didn't panic")
		}
	}()

	fr.send(context.Background(), command{op: opReadLBA, count: 1})
}

func TestLookupVariant(t *testing.T) {
	v, ok := LookupVariant(0x310b)
	if !ok || v.Name != "RK3188" {
		t.Errorf("LookupVariant(0x310b) = %+v, %v", v, ok)
	}

	if _, ok := LookupVariant(0xffff); ok {
		t.Error("unknown pid matched")
	}

	for _, v := range Variants() {
		if v.MaxChunk <= 0 || v.MaxChunk%SectorSize != 0 {
			t.Errorf("%s: bad MaxChunk %d", v.Name, v.MaxChunk)
		}

		if v.MaxChunk/SectorSize > 0xffff {
			t.Errorf("%s: MaxChunk %d overflows the sector count field", v.Name, v.MaxChunk)
		}
	}
}

// connFunc adapts bare functions to bulkConn for one-off tests.
type connFunc struct {
	in  func(ctx context.Context, p []byte) (int, error)
	out func(ctx context.Context, p []byte) (int, error)
}

func (c connFunc) bulkIn(ctx context.Context, p []byte) (int, error)  { return c.in(ctx, p) }
func (c connFunc) bulkOut(ctx context.Context, p []byte) (int, error) { return c.out(ctx, p) }
