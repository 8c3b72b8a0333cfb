// Package flash streams sector ranges between a device in maskrom mode
// and caller-provided readers and writers. It chunks transfers to the
// transport's limit, reports progress, checks ranges against the device
// capacity before any I/O, and resolves partition names via the param
// package. It deliberately implements no backup-before-write policy:
// callers own that workflow.
package flash

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maskrom/rkflash/param"
)

// SectorSize is the flash addressing unit.
const SectorSize = param.SectorSize

var (
	// ErrOutOfRange means a requested range extends past the device's
	// reported capacity. Nothing was transferred.
	ErrOutOfRange = errors.New("flash: range exceeds device capacity")

	// ErrSourceTooLarge means a source doesn't fit the target partition.
	// Nothing was transferred.
	ErrSourceTooLarge = errors.New("flash: source is larger than the partition")
)

// Transport is the device side of the engine: an open rkusb session, or a
// test double. Buffers passed down are always sector-aligned and no larger
// than MaxChunk.
type Transport interface {
	// MaxChunk is the per-command data phase limit in bytes.
	MaxChunk() int

	// Capacity reports the flash size in sectors.
	Capacity(ctx context.Context) (uint64, error)

	// ReadSectors fills p from flash starting at sector off.
	ReadSectors(ctx context.Context, off uint64, p []byte) error

	// WriteSectors writes p to flash starting at sector off.
	WriteSectors(ctx context.Context, off uint64, p []byte) error

	// ReadParameterData reads the raw parameter area at flash offset zero.
	ReadParameterData(ctx context.Context) ([]byte, error)

	// Reboot resets the device, ending the session.
	Reboot(ctx context.Context) error
}

// Engine streams sector ranges over a Transport.
type Engine struct {
	T Transport

	// Progress, if set, is called after every chunk with the cumulative
	// byte count and the operation total. The total is -1 when the
	// operation length isn't known up front.
	Progress func(done, total int64)
}

func (e *Engine) progress(done, total int64) {
	if e.Progress != nil {
		e.Progress(done, total)
	}
}

// checkRange fails with ErrOutOfRange if the range extends past the
// device capacity. An unavailable capacity skips the check.
func (e *Engine) checkRange(ctx context.Context, off, sectors uint64) error {
	capacity, err := e.T.Capacity(ctx)
	if err != nil || capacity == 0 {
		return nil
	}

	if off+sectors > capacity {
		return fmt.Errorf("%w: sectors %#x+%#x > %#x", ErrOutOfRange, off, sectors, capacity)
	}

	return nil
}

// ReadRange streams sectors [off, off+sectors) from the device into dst.
// It returns the byte count written to dst, which is sectors*512 on
// success. Cancellation is checked between chunks; a canceled read leaves
// dst holding whatever was already transferred.
func (e *Engine) ReadRange(ctx context.Context, off, sectors uint64, dst io.Writer) (int64, error) {
	if err := e.checkRange(ctx, off, sectors); err != nil {
		return 0, err
	}

	var (
		total = int64(sectors) * SectorSize
		done  int64
		buf   = make([]byte, e.T.MaxChunk())
	)

	for sectors > 0 {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		n := uint64(len(buf) / SectorSize)
		if n > sectors {
			n = sectors
		}

		chunk := buf[:n*SectorSize]
		if err := e.T.ReadSectors(ctx, off, chunk); err != nil {
			return done, err
		}

		if _, err := dst.Write(chunk); err != nil {
			return done, fmt.Errorf("flash: writing to sink: %w", err)
		}

		off += n
		sectors -= n
		done += int64(len(chunk))
		e.progress(done, total)
	}

	return done, nil
}

// WriteRange streams src to the device starting at sector off, until src
// is exhausted. A final partial sector is zero-padded, never truncated.
// Any error aborts immediately: sectors already written stay written, and
// the caller must re-verify device state before retrying the whole range.
// The byte count returned includes padding.
func (e *Engine) WriteRange(ctx context.Context, off uint64, src io.Reader) (int64, error) {
	return e.writeRange(ctx, off, src, -1)
}

func (e *Engine) writeRange(ctx context.Context, off uint64, src io.Reader, total int64) (int64, error) {
	var (
		done uint64
		buf  = make([]byte, e.T.MaxChunk())
	)

	for {
		if err := ctx.Err(); err != nil {
			return int64(done) * SectorSize, err
		}

		n, err := io.ReadFull(src, buf)
		if err == io.EOF {
			break
		}

		if err != nil && err != io.ErrUnexpectedEOF {
			return int64(done) * SectorSize, fmt.Errorf("flash: reading source: %w", err)
		}

		// zero-pad the tail to a sector boundary
		sectors := uint64((n + SectorSize - 1) / SectorSize)
		chunk := buf[:sectors*SectorSize]
		for i := n; i < len(chunk); i++ {
			chunk[i] = 0
		}

		if cerr := e.checkRange(ctx, off+done, sectors); cerr != nil {
			return int64(done) * SectorSize, cerr
		}

		if werr := e.T.WriteSectors(ctx, off+done, chunk); werr != nil {
			return int64(done) * SectorSize, werr
		}

		done += sectors
		e.progress(int64(done)*SectorSize, total)

		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	return int64(done) * SectorSize, nil
}

// ResolvePartition turns a table entry into a concrete sector range,
// computing the size of an unbounded final entry from device capacity.
func (e *Engine) ResolvePartition(ctx context.Context, table *param.Table, name string) (off, sectors uint64, err error) {
	p, err := table.Lookup(name)
	if err != nil {
		return 0, 0, err
	}

	if !p.Grow {
		return p.Offset, p.Size, nil
	}

	capacity, err := e.T.Capacity(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("flash: sizing partition %q needs the device capacity: %w", name, err)
	}

	if capacity < p.Offset {
		return 0, 0, fmt.Errorf("%w: partition %q starts at sector %#x beyond capacity %#x",
			ErrOutOfRange, name, p.Offset, capacity)
	}

	return p.Offset, capacity - p.Offset, nil
}

// ReadPartition streams a whole named partition into dst.
func (e *Engine) ReadPartition(ctx context.Context, table *param.Table, name string, dst io.Writer) (int64, error) {
	off, sectors, err := e.ResolvePartition(ctx, table, name)
	if err != nil {
		return 0, err
	}

	return e.ReadRange(ctx, off, sectors, dst)
}

// WritePartition streams srcSize bytes from src into a named partition.
// A source that doesn't fit is rejected with ErrSourceTooLarge before any
// command is issued, so a stray oversized image can never overrun into
// the next partition.
func (e *Engine) WritePartition(ctx context.Context, table *param.Table, name string, src io.Reader, srcSize int64) (int64, error) {
	off, sectors, err := e.ResolvePartition(ctx, table, name)
	if err != nil {
		return 0, err
	}

	if srcSize > int64(sectors)*SectorSize {
		return 0, fmt.Errorf("%w: %d bytes > %d sectors of %q", ErrSourceTooLarge, srcSize, sectors, name)
	}

	total := (srcSize + SectorSize - 1) / SectorSize * SectorSize
	return e.writeRange(ctx, off, io.LimitReader(src, srcSize), total)
}

// ReadParameters reads and decodes the device parameter block.
func (e *Engine) ReadParameters(ctx context.Context) (*param.Block, error) {
	raw, err := e.T.ReadParameterData(ctx)
	if err != nil {
		return nil, err
	}

	return param.Decode(raw)
}

// PartitionTable reads the parameter block and derives the partition
// table from its command line.
func (e *Engine) PartitionTable(ctx context.Context) (*param.Table, error) {
	blk, err := e.ReadParameters(ctx)
	if err != nil {
		return nil, err
	}

	return blk.Partitions()
}

// Reboot resets the device. The underlying session is closed afterwards
// and every further operation fails.
func (e *Engine) Reboot(ctx context.Context) error {
	return e.T.Reboot(ctx)
}
