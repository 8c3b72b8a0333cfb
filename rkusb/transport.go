package rkusb

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Command opcodes understood by the boot ROM. The high bit distinguishes
// device-to-host data phases from host-to-device ones.
const (
	opTestUnitReady uint32 = 0x80000600
	opReadFlashID   uint32 = 0x80000601
	opReadFlashInfo uint32 = 0x8000061a
	opReadChipInfo  uint32 = 0x8000061b
	opReadLBA       uint32 = 0x80000a14
	opWriteLBA      uint32 = 0x00000a15
	opResetDevice   uint32 = 0x000006ff
)

const (
	cbwSize = 31 // command block: USBC magic, tag, opcode, offset, count
	cswSize = 13 // status block: USBS magic, echoed tag, status byte
)

const (
	cbwMagic = "USBC"
	cswMagic = "USBS"
)

// bulkConn is the endpoint pair a framer drives. The real implementation
// wraps gousb endpoints; tests substitute an in-memory device.
type bulkConn interface {
	bulkIn(ctx context.Context, p []byte) (int, error)
	bulkOut(ctx context.Context, p []byte) (int, error)
}

// framer encodes commands into the ROM's wire framing and moves the data
// phase in bounded chunks. It allows exactly one outstanding command:
// issuing a new command before the previous status block was read is a
// programmer error and panics.
type framer struct {
	conn    bulkConn
	tag     uint32
	pending bool
}

// command is one request frame: an opcode plus its sector arguments.
type command struct {
	op     uint32
	offset uint32 // sector offset
	count  uint16 // sector count
}

// send writes a command block and returns the tag the device will echo.
func (f *framer) send(ctx context.Context, c command) (tag uint32, err error) {
	if f.pending {
		panic("rkusb: command issued while another is outstanding")
	}

	f.tag++
	tag = f.tag

	var buf [cbwSize]byte
	copy(buf[:], cbwMagic)
	binary.BigEndian.PutUint32(buf[4:], tag)
	binary.BigEndian.PutUint32(buf[12:], c.op)
	binary.BigEndian.PutUint32(buf[17:], c.offset)
	binary.BigEndian.PutUint16(buf[22:], c.count)

	n, err := f.conn.bulkOut(ctx, buf[:])
	if err != nil {
		return 0, transportErr(ctx, "command", err)
	}

	if n != cbwSize {
		return 0, fmt.Errorf("%w: wrote %d of %d command bytes", ErrTransport, n, cbwSize)
	}

	f.pending = true
	return tag, nil
}

// transferIn reads the data phase into p, looping over partial reads until
// p is full. Anything short of len(p) is an error.
func (f *framer) transferIn(ctx context.Context, p []byte) error {
	for n := 0; n < len(p); {
		m, err := f.conn.bulkIn(ctx, p[n:])
		if err != nil {
			return transportErr(ctx, "data in", err)
		}

		if m == 0 {
			return fmt.Errorf("%w: read %d of %d bytes", ErrShortTransfer, n, len(p))
		}

		n += m
	}

	return nil
}

// transferOut writes the data phase from p, looping over partial writes.
func (f *framer) transferOut(ctx context.Context, p []byte) error {
	for n := 0; n < len(p); {
		m, err := f.conn.bulkOut(ctx, p[n:])
		if err != nil {
			return transportErr(ctx, "data out", err)
		}

		if m == 0 {
			return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortTransfer, n, len(p))
		}

		n += m
	}

	return nil
}

// recvStatus reads the status block closing a command and checks it
// against the tag send returned.
func (f *framer) recvStatus(ctx context.Context, tag uint32) error {
	f.pending = false

	var buf [cswSize]byte
	if err := f.transferIn(ctx, buf[:]); err != nil {
		return err
	}

	if string(buf[:4]) != cswMagic {
		return fmt.Errorf("%w: bad status magic %q", ErrTransport, buf[:4])
	}

	if echoed := binary.BigEndian.Uint32(buf[4:]); echoed != tag {
		return fmt.Errorf("%w: status tag %#x != command tag %#x", ErrTransport, echoed, tag)
	}

	if status := buf[12]; status != 0 {
		return fmt.Errorf("%w: command failed with status %d", ErrTransport, status)
	}

	return nil
}

// roundTrip runs one complete command: request frame, optional data phase
// (in or out, never both), status block.
func (f *framer) roundTrip(ctx context.Context, c command, in, out []byte) error {
	tag, err := f.send(ctx, c)
	if err != nil {
		return err
	}

	switch {
	case in != nil:
		err = f.transferIn(ctx, in)
	case out != nil:
		err = f.transferOut(ctx, out)
	}

	if err != nil {
		f.pending = false
		return err
	}

	return f.recvStatus(ctx, tag)
}

// transportErr distinguishes expired deadlines, which the caller may
// retry, from protocol failures, which it must not.
func transportErr(ctx context.Context, phase string, err error) error {
	if ctxErr := ctx.Err(); ctxErr == context.DeadlineExceeded {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, phase, err)
	} else if ctxErr == context.Canceled {
		return ctxErr
	}

	return fmt.Errorf("%w: %s: %v", ErrTransport, phase, err)
}
