package param_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/maskrom/rkflash/param"
)

const sampleMtdparts = "mtdparts=rk29xxnand:0x00002000@0x00002000(misc),0x00100000@0x0037a000(system),-@0x0047a000(user)"

func TestParseCmdline(t *testing.T) {
	tab, err := param.ParseCmdline("console=ttyS1,115200 " + sampleMtdparts + " init=/init")
	if err != nil {
		t.Fatal(err)
	}

	if tab.ChipID != "rk29xxnand" {
		t.Errorf("ChipID = %q", tab.ChipID)
	}

	want := []param.Partition{
		{Name: "misc", Offset: 0x2000, Size: 0x2000},
		{Name: "system", Offset: 0x37a000, Size: 0x100000},
		{Name: "user", Offset: 0x47a000, Grow: true},
	}

	if diff := cmp.Diff(want, tab.Partitions()); diff != "" {
		t.Errorf("partitions differ (-want +got):\n%s", diff)
	}
}

func TestParseCmdlineNoMtdparts(t *testing.T) {
	tab, err := param.ParseCmdline("console=ttyS1,115200n8n init=/init")
	if err != nil {
		t.Fatal(err)
	}

	if tab.Len() != 0 {
		t.Errorf("expected an empty table, got %d entries", tab.Len())
	}
}

func TestParseCmdlineErrors(t *testing.T) {
	cases := []struct {
		name    string
		cmdline string
	}{
		{"unsized before last", "mtdparts=rk29xxnand:-@0x2000(user),0x2000@0x4000(misc)"},
		{"duplicate name", "mtdparts=rk29xxnand:0x2000@0x2000(misc),0x2000@0x4000(misc)"},
		{"missing name", "mtdparts=rk29xxnand:0x2000@0x2000"},
		{"empty name", "mtdparts=rk29xxnand:0x2000@0x2000()"},
		{"missing offset", "mtdparts=rk29xxnand:0x2000(misc)"},
		{"decimal size", "mtdparts=rk29xxnand:8192@0x2000(misc)"},
		{"junk size", "mtdparts=rk29xxnand:0xzz@0x2000(misc)"},
		{"missing chip id", "mtdparts=:0x2000@0x2000(misc)"},
		{"overlap", "mtdparts=rk29xxnand:0x4000@0x2000(misc),0x2000@0x4000(kernel)"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := param.ParseCmdline(c.cmdline)

			var pe *param.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ParseError", err)
			}

			if pe.Fragment == "" {
				t.Error("ParseError carries no offending fragment")
			}
		})
	}
}

func TestTableRoundTrip(t *testing.T) {
	tab, err := param.ParseCmdline(sampleMtdparts)
	if err != nil {
		t.Fatal(err)
	}

	if got := tab.String(); got != sampleMtdparts {
		t.Errorf("String() = %q, want %q", got, sampleMtdparts)
	}
}

func TestLookup(t *testing.T) {
	tab, err := param.ParseCmdline(sampleMtdparts)
	if err != nil {
		t.Fatal(err)
	}

	p, err := tab.Lookup("system")
	if err != nil {
		t.Fatal(err)
	}

	if p.Offset != 0x37a000 || p.Size != 0x100000 {
		t.Errorf("system = %+v", p)
	}

	_, err = tab.Lookup("vendor")

	var ue *param.UnknownPartitionError
	if !errors.As(err, &ue) || ue.Name != "vendor" {
		t.Errorf("err = %v, want UnknownPartitionError for vendor", err)
	}
}
