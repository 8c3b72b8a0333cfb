package param

import (
	"fmt"
	"strconv"
	"strings"
)

// SectorSize is the fixed addressing unit for partition offsets and sizes.
const SectorSize = 512

// Partition is a named sector range on the flash device.
type Partition struct {
	Name   string
	Offset uint64 // sectors
	Size   uint64 // sectors; meaningless if Grow is set
	Grow   bool   // partition extends to the end of the device (last entry only)
}

// Table is an ordered partition table derived from an mtdparts= clause.
type Table struct {
	ChipID string // e.g. "rk29xxnand"
	parts  []Partition
}

// ParseError reports an mtdparts entry that doesn't match the
// SIZE@OFFSET(NAME) grammar or violates table-level invariants.
type ParseError struct {
	Fragment string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("param: bad partition entry %q: %s", e.Fragment, e.Reason)
}

// UnknownPartitionError reports a lookup of a name not present in the table.
type UnknownPartitionError struct {
	Name string
}

func (e *UnknownPartitionError) Error() string {
	return fmt.Sprintf("param: unknown partition %q", e.Name)
}

// ParseCmdline extracts the partition table from a kernel command line.
// The table is the mtdparts=<chip>:SIZE@OFFSET(NAME),... clause, sizes and
// offsets in 0x-prefixed hex sectors, with "-" as the final entry's size
// meaning "remainder of the device". A command line without an mtdparts=
// clause yields an empty table, not an error.
func ParseCmdline(cmdline string) (*Table, error) {
	const tok = "mtdparts="

	i := strings.Index(cmdline, tok)
	if i < 0 {
		return new(Table), nil
	}

	clause := cmdline[i+len(tok):]
	if j := strings.IndexByte(clause, ' '); j >= 0 {
		clause = clause[:j]
	}

	chip, rest, ok := strings.Cut(clause, ":")
	if !ok || chip == "" {
		return nil, &ParseError{Fragment: clause, Reason: "missing chip id"}
	}

	t := &Table{ChipID: chip}
	seen := make(map[string]bool)
	entries := strings.Split(rest, ",")

	for k, s := range entries {
		p, err := parseEntry(s)
		if err != nil {
			return nil, err
		}

		if p.Grow && k != len(entries)-1 {
			return nil, &ParseError{Fragment: s, Reason: "unsized entry before the last"}
		}

		if seen[p.Name] {
			return nil, &ParseError{Fragment: s, Reason: "duplicate name"}
		}

		if n := len(t.parts); n > 0 {
			prev := t.parts[n-1]
			if end := prev.Offset + prev.Size; !prev.Grow && end > p.Offset {
				return nil, &ParseError{
					Fragment: s,
					Reason:   fmt.Sprintf("offset %#x overlaps previous entry ending at %#x", p.Offset, end),
				}
			}
		}

		seen[p.Name] = true
		t.parts = append(t.parts, p)
	}

	return t, nil
}

func parseEntry(s string) (p Partition, err error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return p, &ParseError{Fragment: s, Reason: "missing (NAME)"}
	}

	p.Name = s[open+1 : len(s)-1]
	if p.Name == "" || strings.ContainsAny(p.Name, "(),") {
		return p, &ParseError{Fragment: s, Reason: "bad name"}
	}

	size, off, ok := strings.Cut(s[:open], "@")
	if !ok {
		return p, &ParseError{Fragment: s, Reason: "missing @OFFSET"}
	}

	if size == "-" {
		p.Grow = true
	} else if p.Size, err = parseHex(size); err != nil {
		return p, &ParseError{Fragment: s, Reason: "bad size: " + err.Error()}
	}

	if p.Offset, err = parseHex(off); err != nil {
		return p, &ParseError{Fragment: s, Reason: "bad offset: " + err.Error()}
	}

	return p, nil
}

func parseHex(s string) (uint64, error) {
	hex, ok := strings.CutPrefix(s, "0x")
	if !ok {
		hex, ok = strings.CutPrefix(s, "0X")
	}

	if !ok || hex == "" {
		return 0, fmt.Errorf("%q is not 0x-prefixed hex", s)
	}

	return strconv.ParseUint(hex, 16, 64)
}

// Lookup finds a partition by exact name.
func (t *Table) Lookup(name string) (Partition, error) {
	for _, p := range t.parts {
		if p.Name == name {
			return p, nil
		}
	}

	return Partition{}, &UnknownPartitionError{Name: name}
}

// Partitions returns the table's entries in flash order.
func (t *Table) Partitions() []Partition {
	return append([]Partition(nil), t.parts...)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.parts)
}

// String formats the table back into the mtdparts grammar it was parsed
// from. An empty table formats as "".
func (t *Table) String() string {
	if len(t.parts) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("mtdparts=")
	sb.WriteString(t.ChipID)
	sb.WriteByte(':')

	for i, p := range t.parts {
		if i > 0 {
			sb.WriteByte(',')
		}

		sb.WriteString(p.String())
	}

	return sb.String()
}

// String formats the partition in the mtdparts entry grammar.
func (p Partition) String() string {
	if p.Grow {
		return fmt.Sprintf("-@0x%08x(%s)", p.Offset, p.Name)
	}

	return fmt.Sprintf("0x%08x@0x%08x(%s)", p.Size, p.Offset, p.Name)
}
