// Command rkflash reads and writes Rockchip devices in maskrom mode:
// dump the parameter block, list partitions, copy partitions or raw
// sector ranges to and from files, patch boot images, and reboot.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/urfave/cli/v2"

	"github.com/maskrom/rkflash/bootimg"
	"github.com/maskrom/rkflash/flash"
	"github.com/maskrom/rkflash/rkcrc"
	"github.com/maskrom/rkflash/rkusb"
)

func main() {
	app := &cli.App{
		Name:  "rkflash",
		Usage: "talk to Rockchip devices in maskrom mode",

		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
				Usage: "device discovery and per-transfer timeout",
			},
			&cli.StringFlag{
				Name:  "serial",
				Usage: "pick a device by serial number when several are attached",
			},
			&cli.IntFlag{
				Name:  "chunk",
				Usage: "override the per-command chunk size in bytes",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log at debug level",
			},
		},

		Before: func(c *cli.Context) error {
			level := slog.LevelInfo
			if c.Bool("verbose") {
				level = slog.LevelDebug
			}

			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))

			return nil
		},

		Commands: []*cli.Command{
			infoCmd,
			paramsCmd,
			partsCmd,
			readCmd,
			writeCmd,
			rebootCmd,
			patchBootCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("rkflash failed", "err", err)
		os.Exit(1)
	}
}

// withSession opens the USB context and a device session for the duration
// of one command. Ctrl-C cancels the operation between chunks.
func withSession(c *cli.Context, fn func(ctx context.Context, eng *flash.Engine, sess *rkusb.Session) error) error {
	usb := gousb.NewContext()
	defer usb.Close()

	sess, err := rkusb.Open(usb, rkusb.Config{
		Timeout:  c.Duration("timeout"),
		Serial:   c.String("serial"),
		MaxChunk: c.Int("chunk"),
	})

	if err != nil {
		return err
	}

	defer sess.Close()

	slog.Debug("session open",
		"chip", sess.Variant().Name,
		"serial", sess.Serial(),
		"chunk", sess.MaxChunk())

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	return fn(ctx, &flash.Engine{T: sess}, sess)
}

var infoCmd = &cli.Command{
	Name:  "info",
	Usage: "show chip and flash identification",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, eng *flash.Engine, sess *rkusb.Session) error {
			fmt.Printf("chip:    %s\n", sess.Variant())

			if sess.Serial() != "" {
				fmt.Printf("serial:  %s\n", sess.Serial())
			}

			if chip, err := sess.ReadChipInfo(ctx); err == nil {
				fmt.Printf("chipinfo: % x\n", chip)
			}

			if id, err := sess.ReadFlashID(ctx); err == nil {
				fmt.Printf("flash id: % x\n", id)
			}

			info, err := sess.ReadFlashInfo(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("flash:   %d sectors (%d MiB), block %d sectors, page %d sectors\n",
				info.SizeSectors,
				uint64(info.SizeSectors)*rkusb.SectorSize>>20,
				info.BlockSize, info.PageSize)

			return nil
		})
	},
}

var paramsCmd = &cli.Command{
	Name:  "params",
	Usage: "dump the parameter block",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, eng *flash.Engine, sess *rkusb.Session) error {
			blk, err := eng.ReadParameters(ctx)
			if err != nil {
				return err
			}

			os.Stdout.Write(blk.Text())
			fmt.Println()
			return nil
		})
	},
}

var partsCmd = &cli.Command{
	Name:  "parts",
	Usage: "list the partition table derived from the kernel command line",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, eng *flash.Engine, sess *rkusb.Session) error {
			tab, err := eng.PartitionTable(ctx)
			if err != nil {
				return err
			}

			if tab.Len() == 0 {
				fmt.Println("no mtdparts in CMDLINE")
				return nil
			}

			fmt.Printf("chip id: %s\n", tab.ChipID)
			fmt.Printf("%-12s %12s %12s\n", "name", "offset", "sectors")

			for _, p := range tab.Partitions() {
				size := "-"
				if !p.Grow {
					size = fmt.Sprintf("%#x", p.Size)
				}

				fmt.Printf("%-12s %#12x %12s\n", p.Name, p.Offset, size)
			}

			return nil
		})
	},
}

var readCmd = &cli.Command{
	Name:      "read",
	Usage:     "copy a partition or raw sector range into a file",
	ArgsUsage: "[partition] file",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "offset", Usage: "raw sector offset (hex with 0x prefix)"},
		&cli.StringFlag{Name: "sectors", Usage: "raw sector count (hex with 0x prefix)"},
	},
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, eng *flash.Engine, sess *rkusb.Session) error {
			name, path, err := targetArgs(c)
			if err != nil {
				return err
			}

			f, err := os.Create(path)
			if err != nil {
				return err
			}

			defer f.Close()

			err = runWithProgress(ctx, eng, func(ctx context.Context) error {
				if name != "" {
					tab, err := eng.PartitionTable(ctx)
					if err != nil {
						return err
					}

					_, err = eng.ReadPartition(ctx, tab, name, f)
					return err
				}

				off, sectors, err := rawRange(c)
				if err != nil {
					return err
				}

				_, err = eng.ReadRange(ctx, off, sectors, f)
				return err
			})

			if err != nil {
				return err
			}

			return f.Close()
		})
	},
}

var writeCmd = &cli.Command{
	Name:      "write",
	Usage:     "copy a file into a partition or raw sector offset",
	ArgsUsage: "[partition] file",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "offset", Usage: "raw sector offset (hex with 0x prefix)"},
		&cli.BoolFlag{Name: "verify", Usage: "read the range back and compare checksums"},
	},
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, eng *flash.Engine, sess *rkusb.Session) error {
			name, path, err := targetArgs(c)
			if err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}

			defer f.Close()

			st, err := f.Stat()
			if err != nil {
				return err
			}

			var off uint64
			var written int64

			err = runWithProgress(ctx, eng, func(ctx context.Context) error {
				if name != "" {
					tab, err := eng.PartitionTable(ctx)
					if err != nil {
						return err
					}

					if off, _, err = eng.ResolvePartition(ctx, tab, name); err != nil {
						return err
					}

					written, err = eng.WritePartition(ctx, tab, name, f, st.Size())
					return err
				}

				if off, err = parseSectors(c.String("offset")); err != nil {
					return err
				}

				written, err = eng.WriteRange(ctx, off, f)
				return err
			})

			if err != nil {
				return err
			}

			if !c.Bool("verify") {
				return nil
			}

			return verify(ctx, eng, f, off, written)
		})
	},
}

// verify re-reads the written range and compares Rockchip checksums of
// the padded source and the device content.
func verify(ctx context.Context, eng *flash.Engine, f *os.File, off uint64, written int64) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}

	want := rkcrc.New()
	n, err := io.Copy(want, f)
	if err != nil {
		return err
	}

	// the engine zero-padded the tail; do the same
	if pad := written - n; pad > 0 {
		want.Write(make([]byte, pad))
	}

	got := rkcrc.New()
	if _, err := eng.ReadRange(ctx, off, uint64(written)/rkusb.SectorSize, got); err != nil {
		return err
	}

	if got.Sum32() != want.Sum32() {
		return fmt.Errorf("verify failed: device crc %#08x != source crc %#08x", got.Sum32(), want.Sum32())
	}

	slog.Info("verify ok", "bytes", written, "crc", fmt.Sprintf("%#08x", got.Sum32()))
	return nil
}

var rebootCmd = &cli.Command{
	Name:  "reboot",
	Usage: "reset the device",
	Action: func(c *cli.Context) error {
		return withSession(c, func(ctx context.Context, eng *flash.Engine, sess *rkusb.Session) error {
			return eng.Reboot(ctx)
		})
	},
}

var patchBootCmd = &cli.Command{
	Name:      "patch-boot",
	Usage:     "edit files inside a boot image's ramdisk",
	ArgsUsage: "in.img out.img",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "set", Usage: "replace or add a ramdisk entry: path=file"},
		&cli.StringSliceFlag{Name: "rm", Usage: "remove a ramdisk entry"},
		&cli.BoolFlag{Name: "pad", Usage: "pad the output to the input image's size"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("need input and output image paths", 2)
		}

		data, err := os.ReadFile(c.Args().Get(0))
		if err != nil {
			return err
		}

		out, err := patchImage(data, c.StringSlice("set"), c.StringSlice("rm"))
		if err != nil {
			return err
		}

		if c.Bool("pad") {
			if out, err = bootimg.PadTo(out, len(data)); err != nil {
				return err
			}
		}

		return os.WriteFile(c.Args().Get(1), out, 0o644)
	},
}

// patchImage applies --set and --rm edits to either boot image flavor.
func patchImage(data []byte, set, rm []string) ([]byte, error) {
	var rd *bootimg.Ramdisk
	var serialize func() ([]byte, error)

	switch bootimg.Detect(data) {
	case bootimg.FormatAndroid:
		img, err := bootimg.Parse(data)
		if err != nil {
			return nil, err
		}

		rd, serialize = img.Ramdisk, img.Serialize

	case bootimg.FormatKRNL:
		img, err := bootimg.ParseKRNL(data)
		if err != nil {
			return nil, err
		}

		rd, serialize = img.Ramdisk, img.Serialize

	default:
		return nil, fmt.Errorf("not a boot image (magic %q)", data[:min(8, len(data))])
	}

	for _, s := range set {
		path, file, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("bad --set %q, want path=file", s)
		}

		body, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}

		rd.SetEntry(path, body)
		slog.Info("set ramdisk entry", "path", path, "bytes", len(body))
	}

	for _, path := range rm {
		if !rd.Remove(path) {
			return nil, fmt.Errorf("no ramdisk entry %q to remove", path)
		}

		slog.Info("removed ramdisk entry", "path", path)
	}

	return serialize()
}

// targetArgs splits "read boot out.img" from "read --offset ... out.img".
func targetArgs(c *cli.Context) (partition, file string, err error) {
	switch c.NArg() {
	case 1:
		if c.String("offset") == "" {
			return "", "", cli.Exit("need a partition name or --offset", 2)
		}

		return "", c.Args().Get(0), nil

	case 2:
		return c.Args().Get(0), c.Args().Get(1), nil
	}

	return "", "", cli.Exit("need [partition] file", 2)
}

func rawRange(c *cli.Context) (off, sectors uint64, err error) {
	if off, err = parseSectors(c.String("offset")); err != nil {
		return
	}

	sectors, err = parseSectors(c.String("sectors"))
	return
}

func parseSectors(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing sector value")
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad sector value %q: %w", s, err)
	}

	return v, nil
}
