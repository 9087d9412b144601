package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/rcore-os/rcore-fs/device"
	"github.com/rcore-os/rcore-fs/fs"
	"github.com/rcore-os/rcore-fs/sfs"
	"github.com/rcore-os/rcore-fs/vfs"
)

func (t *tool) commands() []*cli.Command {
	return []*cli.Command{{
		Name:      "mkfs",
		Usage:     "create an empty filesystem image",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "blocks",
				Usage: "the size of the image in 4096-byte blocks",
				Value: 1024,
			},
			&cli.IntFlag{
				Name:  "inodes",
				Usage: "the number of inodes (default from the inode ratio)",
			},
			&cli.StringFlag{
				Name:  "label",
				Usage: "the volume label",
			},
		},
		Action: t.mkfs,
	}, {
		Name:      "info",
		Usage:     "show the superblock and usage of an image",
		ArgsUsage: "IMAGE",
		Action:    t.withFS(1, 1, t.info),
	}, {
		Name:      "ls",
		Usage:     "list a directory",
		ArgsUsage: "IMAGE [PATH]",
		Action:    t.withFS(1, 2, t.ls),
	}, {
		Name:      "cat",
		Usage:     "write a file to standard output",
		ArgsUsage: "IMAGE PATH",
		Action:    t.withFS(2, 2, t.cat),
	}, {
		Name:      "put",
		Usage:     "copy a host file into the image",
		ArgsUsage: "IMAGE HOSTFILE PATH",
		Action:    t.withFS(3, 3, t.put),
	}, {
		Name:      "rm",
		Aliases:   []string{"remove"},
		Usage:     "remove a file or an empty directory",
		ArgsUsage: "IMAGE PATH",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "recursive",
				Aliases: []string{"r"},
				Usage:   "remove directories and their contents",
			},
		},
		Action: t.withFS(2, 2, t.rm),
	}, {
		Name:      "mkdir",
		Usage:     "create a directory and any missing parents",
		ArgsUsage: "IMAGE PATH",
		Action:    t.withFS(2, 2, t.mkdir),
	}, {
		Name:      "mv",
		Aliases:   []string{"rename"},
		Usage:     "rename a file or directory",
		ArgsUsage: "IMAGE OLDPATH NEWPATH",
		Action:    t.withFS(3, 3, t.mv),
	}, {
		Name:      "ln",
		Usage:     "make a hard or symbolic link",
		ArgsUsage: "IMAGE TARGET PATH",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "symbolic",
				Aliases: []string{"s"},
				Usage:   "make a symbolic link",
			},
		},
		Action: t.withFS(3, 3, t.ln),
	}, {
		Name:      "zip",
		Usage:     "copy a host directory tree into the image, creating it if needed",
		ArgsUsage: "IMAGE HOSTDIR",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "blocks",
				Usage: "the size of a newly created image in blocks",
				Value: 1024,
			},
		},
		Action: t.zip,
	}, {
		Name:      "unzip",
		Usage:     "copy the tree in the image out to a host directory",
		ArgsUsage: "IMAGE HOSTDIR",
		Action:    t.withFS(2, 2, t.unzip),
	}, {
		Name:      "fsck",
		Usage:     "check the consistency of an image",
		ArgsUsage: "IMAGE",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "repair",
				Usage: "reclaim leaked blocks and unreachable inodes",
			},
		},
		Action: t.withFS(1, 1, t.fsck),
	}, {
		Name:      "dump",
		Usage:     "print raw blocks",
		ArgsUsage: "IMAGE BLOCK...",
		Action:    t.withFS(2, 1<<20, t.dump),
	}, {
		Name:      "snapshot",
		Usage:     "write a compressed copy of an image",
		ArgsUsage: "IMAGE OUTFILE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "compression",
				Usage: "none, lz4 or zstd (default from the config)",
			},
		},
		Action: t.snapshot,
	}, {
		Name:      "restore",
		Usage:     "recreate an image from a snapshot",
		ArgsUsage: "SNAPSHOT IMAGE",
		Action:    t.restore,
	}}
}

// format creates image and returns it mounted.
func (t *tool) format(image string, blocks, inodes int, label string) (*sfs.SimpleFileSystem, *device.FileDevice, error) {
	if inodes == 0 {
		inodes = t.cfg.Inodes(blocks)
	}
	dev, err := device.CreateFileDevice(image, sfs.BLOCK_SIZE, blocks)
	if err != nil {
		return nil, nil, err
	}
	opts := append(t.cfg.FSOptions(t.log.WithDevice(image)), sfs.WithInodes(inodes), sfs.WithLabel(label))
	fsys, err := sfs.Create(dev, opts...)
	if err != nil {
		dev.Close()
		os.Remove(image)
		return nil, nil, err
	}
	return fsys, dev, nil
}

func (t *tool) mkfs(ctx *cli.Context) error {
	if err := args(ctx, 1, 1); err != nil {
		return err
	}
	image := ctx.Args().First()
	fsys, dev, err := t.format(image, ctx.Int("blocks"), ctx.Int("inodes"), ctx.String("label"))
	if err != nil {
		return fmt.Errorf("creating %s: %w", image, err)
	}
	defer dev.Close()

	t.printInfo(fsys)
	if err := fsys.Unmount(); err != nil {
		return err
	}
	return dev.Sync()
}

func (t *tool) info(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	t.printInfo(fsys)
	return nil
}

func (t *tool) printInfo(fsys *sfs.SimpleFileSystem) {
	sb := fsys.Super()
	info := fsys.Info()
	w := tabwriter.NewWriter(t.out, 0, 4, 1, ' ', 0)
	fmt.Fprintf(w, "Magic:\t%#x\n", sb.Magic)
	fmt.Fprintf(w, "UUID:\t%s\n", sb.UUID)
	fmt.Fprintf(w, "Label:\t%s\n", sb.LabelString())
	fmt.Fprintf(w, "Block size:\t%d\n", sb.BlockSize)
	fmt.Fprintf(w, "Blocks:\t%d (%d free)\n", info.Blocks, info.Bfree)
	fmt.Fprintf(w, "Inodes:\t%d (%d free)\n", info.Files, info.Ffree)
	fmt.Fprintf(w, "Bitmap blocks:\t%d\n", sb.FreemapBlocks)
	fmt.Fprintf(w, "Inode table:\t%d blocks at %d\n", sb.InodeTableBlocks, sb.InodeTableStart)
	w.Flush()
}

func (t *tool) ls(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	dir := ctx.Args().Get(1)
	dirp, err := fs.Lookup(root, dir)
	if err != nil {
		return err
	}
	defer dirp.Release()

	w := tabwriter.NewWriter(t.out, 0, 4, 1, ' ', tabwriter.AlignRight)
	for i := 0; ; i++ {
		name, md, err := dirp.GetEntryWithMetadata(i)
		if errors.Is(err, vfs.ENOENT) {
			break
		}
		if err != nil {
			return err
		}
		if md.Type == vfs.TypeSymLink {
			ip, err := fs.LookupNoFollow(dirp, name)
			if err != nil {
				return err
			}
			target, err := fs.ReadLink(ip)
			ip.Release()
			if err != nil {
				return err
			}
			name += " -> " + target
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t %s\n", md.Inode, md.Type, md.Nlinks, md.Size, name)
	}
	return w.Flush()
}

func (t *tool) cat(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	f, err := fs.Open(root, ctx.Args().Get(1))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(t.out, f)
	return err
}

func (t *tool) put(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	src, err := os.Open(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	defer src.Close()

	dst := ctx.Args().Get(2)
	ip, err := fs.CreateFile(root, dst)
	if err != nil {
		return err
	}
	f, err := fs.NewFile(ip, dst)
	if err != nil {
		ip.Release()
		return err
	}
	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *tool) rm(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	if ctx.Bool("recursive") {
		return fs.RemoveAll(root, ctx.Args().Get(1))
	}
	return fs.Remove(root, ctx.Args().Get(1))
}

func (t *tool) mkdir(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	ip, err := fs.MkdirAll(root, ctx.Args().Get(1))
	if err != nil {
		return err
	}
	return ip.Release()
}

func (t *tool) mv(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	return fs.Rename(root, ctx.Args().Get(1), ctx.Args().Get(2))
}

func (t *tool) ln(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	if ctx.Bool("symbolic") {
		return fs.Symlink(root, ctx.Args().Get(1), ctx.Args().Get(2))
	}
	return fs.Link(root, ctx.Args().Get(1), ctx.Args().Get(2))
}

// zip creates the image first when it does not exist yet.
func (t *tool) zip(ctx *cli.Context) error {
	if err := args(ctx, 2, 2); err != nil {
		return err
	}
	image := ctx.Args().First()
	if _, err := os.Stat(image); errors.Is(err, os.ErrNotExist) {
		fsys, dev, err := t.format(image, ctx.Int("blocks"), 0, "")
		if err != nil {
			return fmt.Errorf("creating %s: %w", image, err)
		}
		err = fsys.Unmount()
		if cerr := dev.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return t.withFS(2, 2, func(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
		return fs.Zip(ctx.Context, ctx.Args().Get(1), root)
	})(ctx)
}

func (t *tool) unzip(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	return fs.Unzip(ctx.Context, root, ctx.Args().Get(1))
}

func (t *tool) fsck(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	report, err := fsys.Check()
	if err != nil {
		return err
	}
	fmt.Fprintln(t.out, report)
	if report.Clean() {
		return nil
	}
	for _, b := range report.Leaked {
		fmt.Fprintf(t.out, "leaked block %d\n", b)
	}
	for _, b := range report.Missing {
		fmt.Fprintf(t.out, "block %d in use but marked free\n", b)
	}
	for _, b := range report.Duplicate {
		fmt.Fprintf(t.out, "block %d referenced more than once\n", b)
	}
	for _, inum := range report.Unreachable {
		fmt.Fprintf(t.out, "inode %d is unreachable\n", inum)
	}
	for inum, n := range report.LinkCounts {
		fmt.Fprintf(t.out, "inode %d has %d links, found %d\n", inum, n[0], n[1])
	}
	if report.FreeBlocks[0] != report.FreeBlocks[1] {
		fmt.Fprintf(t.out, "free blocks: superblock says %d, bitmap says %d\n", report.FreeBlocks[0], report.FreeBlocks[1])
	}
	if report.FreeInodes[0] != report.FreeInodes[1] {
		fmt.Fprintf(t.out, "free inodes: superblock says %d, inode map says %d\n", report.FreeInodes[0], report.FreeInodes[1])
	}

	if !ctx.Bool("repair") {
		return errors.New("filesystem has errors")
	}
	fixed, err := fsys.Repair(report)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.out, "%d problems repaired\n", fixed)
	return nil
}

func (t *tool) dump(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error {
	for _, arg := range ctx.Args().Slice()[1:] {
		bnum, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("block number %q: %w", arg, err)
		}
		if err := fsys.Dump(t.out, bnum); err != nil {
			return err
		}
	}
	return nil
}

func (t *tool) snapshot(ctx *cli.Context) error {
	if err := args(ctx, 2, 2); err != nil {
		return err
	}
	comp := t.cfg.SnapshotCompression()
	if name := ctx.String("compression"); name != "" {
		var err error
		if comp, err = device.ParseCompression(name); err != nil {
			return err
		}
	}

	dev, err := device.NewFileDevice(ctx.Args().First(), sfs.BLOCK_SIZE)
	if err != nil {
		return err
	}
	defer dev.Close()
	out, err := os.Create(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	err = device.WriteSnapshot(out, dev, comp)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *tool) restore(ctx *cli.Context) error {
	if err := args(ctx, 2, 2); err != nil {
		return err
	}
	in, err := os.Open(ctx.Args().First())
	if err != nil {
		return err
	}
	defer in.Close()
	mem, err := device.ReadSnapshot(in)
	if err != nil {
		return err
	}

	dev, err := device.CreateFileDevice(ctx.Args().Get(1), mem.BlockSize(), mem.NumBlocks())
	if err != nil {
		return err
	}
	defer dev.Close()
	buf := make([]byte, mem.BlockSize())
	for i := 0; i < mem.NumBlocks(); i++ {
		if err := mem.ReadBlock(i, buf); err != nil {
			return err
		}
		if err := dev.WriteBlock(i, buf); err != nil {
			return err
		}
	}
	return dev.Sync()
}
