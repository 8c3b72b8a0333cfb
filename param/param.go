// Package param reads and interprets the device parameter block: the small
// flash-resident record holding the kernel command line and other boot
// metadata. The block is read once per session from flash offset zero and
// treated as a read-only snapshot. The partition table is not stored
// separately on the device; it is derived from the mtdparts= clause of the
// CMDLINE value (see mtdparts.go).
package param

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/maskrom/rkflash/rkcrc"
)

// Magic prefixes an encoded parameter block on flash.
const Magic = "PARM"

// ErrMalformed reports a parameter block whose declared length or checksum
// doesn't match the bytes actually read.
var ErrMalformed = errors.New("param: malformed parameter block")

// CmdlineKey is the distinguished key holding the kernel command line.
const CmdlineKey = "CMDLINE"

// Block is a parsed parameter block: an ordered set of KEY:value lines.
// Lines that don't look like KEY:value are preserved verbatim under a
// synthetic "#n" key so the original text can be reconstructed.
type Block struct {
	entries []blockEntry
}

type blockEntry struct {
	key string // uppercase key, or "#n" for an unparsable line n
	val string // raw text after the colon, or the whole line if synthetic
}

// Decode unwraps and parses an encoded parameter block as read from flash.
// The buffer must start with the PARM magic, a le32 byte length, the text,
// and a trailing Rockchip CRC over the text.
func Decode(raw []byte) (*Block, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: %d bytes is too short for the header", ErrMalformed, len(raw))
	}

	if string(raw[:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformed, raw[:4])
	}

	n := int(binary.LittleEndian.Uint32(raw[4:]))
	if 8+n > len(raw) {
		return nil, fmt.Errorf("%w: declared length %d exceeds the %d bytes read", ErrMalformed, n, len(raw)-8)
	}

	text := raw[8 : 8+n]

	if len(raw) >= 8+n+4 {
		want := binary.LittleEndian.Uint32(raw[8+n:])
		if got := rkcrc.Checksum(text); got != want {
			return nil, fmt.Errorf("%w: crc %#08x != stored %#08x", ErrMalformed, got, want)
		}
	}

	return Parse(text), nil
}

// Parse interprets raw parameter text as newline-separated KEY:value lines.
// It never fails: unrecognized lines are kept under synthetic ordinal keys.
func Parse(text []byte) *Block {
	b := new(Block)

	for i, line := range strings.Split(string(text), "\n") {
		key, val, ok := splitLine(line)
		if !ok {
			key, val = fmt.Sprintf("#%d", i), line
		}

		b.entries = append(b.entries, blockEntry{key: key, val: val})
	}

	return b
}

func splitLine(line string) (key, val string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return "", "", false
	}

	key = line[:i]
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return "", "", false
		}
	}

	return strings.ToUpper(key), line[i+1:], true
}

// Get returns the raw value of the first line with the given key.
// Synthetic lines are addressed as "#n".
func (b *Block) Get(key string) (string, bool) {
	for _, e := range b.entries {
		if e.key == key {
			return e.val, true
		}
	}

	return "", false
}

// Set replaces the value of the first line with the given key,
// or appends a new line if the key is not present.
func (b *Block) Set(key, val string) {
	for i, e := range b.entries {
		if e.key == key {
			b.entries[i].val = val
			return
		}
	}

	b.entries = append(b.entries, blockEntry{key: key, val: val})
}

// Keys returns all keys in line order, synthetic ordinals included.
func (b *Block) Keys() []string {
	keys := make([]string, len(b.entries))
	for i, e := range b.entries {
		keys[i] = e.key
	}

	return keys
}

// Cmdline returns the kernel command line, or "" if the block has none.
func (b *Block) Cmdline() string {
	v, _ := b.Get(CmdlineKey)
	return strings.TrimSpace(v)
}

// Partitions parses the partition table out of the kernel command line.
// A CMDLINE without an mtdparts= clause yields an empty table.
func (b *Block) Partitions() (*Table, error) {
	return ParseCmdline(b.Cmdline())
}

// Text reassembles the parameter text, byte-identical to the parsed input
// as long as no values were changed.
func (b *Block) Text() []byte {
	lines := make([]string, len(b.entries))
	for i, e := range b.entries {
		if strings.HasPrefix(e.key, "#") {
			lines[i] = e.val
			continue
		}

		lines[i] = e.key + ":" + e.val
	}

	return []byte(strings.Join(lines, "\n"))
}

// Encode wraps the parameter text in the on-flash framing:
// magic, le32 length, text, crc.
func (b *Block) Encode() []byte {
	text := b.Text()

	out := make([]byte, 0, 8+len(text)+4)
	out = append(out, Magic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(text)))
	out = append(out, text...)
	out = binary.LittleEndian.AppendUint32(out, rkcrc.Checksum(text))

	return out
}
