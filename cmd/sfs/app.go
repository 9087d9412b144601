package main

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/rcore-os/rcore-fs/config"
	"github.com/rcore-os/rcore-fs/debug"
	"github.com/rcore-os/rcore-fs/device"
	"github.com/rcore-os/rcore-fs/sfs"
	"github.com/rcore-os/rcore-fs/vfs"
)

// tool holds what every command needs once the global flags are parsed.
type tool struct {
	cfg    *config.Config
	log    *debug.Logger
	out    io.Writer
	stderr io.Writer
}

func newApp(out, stderr io.Writer) *cli.App {
	t := &tool{out: out, stderr: stderr}
	return &cli.App{
		Name:      "sfs",
		Usage:     "create, inspect and edit Simple File System images",
		Writer:    out,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "the YAML config file (default $SFS_CONFIG_FILE)",
			},
		},
		Before: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			t.cfg = cfg
			t.log = cfg.Logger(stderr)
			return nil
		},
		Commands: t.commands(),
	}
}

// args checks the number of positional arguments.
func args(ctx *cli.Context, min, max int) error {
	if n := ctx.NArg(); n < min || n > max {
		return fmt.Errorf("%s: usage: %s %s", ctx.Command.Name, ctx.Command.Name, ctx.Command.ArgsUsage)
	}
	return nil
}

// withFS opens the image named by the first argument, runs f against it
// and unmounts it again, syncing everything f changed.
func (t *tool) withFS(min, max int, f func(ctx *cli.Context, fsys *sfs.SimpleFileSystem, root vfs.INode) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		if err := args(ctx, min, max); err != nil {
			return err
		}
		image := ctx.Args().First()
		dev, err := device.NewFileDevice(image, sfs.BLOCK_SIZE)
		if err != nil {
			return fmt.Errorf("opening image: %w", err)
		}
		defer dev.Close()

		fsys, err := sfs.Open(dev, t.cfg.FSOptions(t.log.WithDevice(image))...)
		if err != nil {
			return fmt.Errorf("mounting %s: %w", image, err)
		}
		root, err := fsys.Root()
		if err != nil {
			return err
		}
		err = f(ctx, fsys, root)
		root.Release()
		if uerr := fsys.Unmount(); err == nil {
			err = uerr
		}
		if serr := dev.Sync(); err == nil {
			err = serr
		}
		return err
	}
}
