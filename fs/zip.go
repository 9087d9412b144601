package fs

import (
	"context"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/rcore-os/rcore-fs/vfs"
)

// COPY_WORKERS is the number of files copied at once by Zip and Unzip.
const COPY_WORKERS = 8

const (
	HOST_DIR_MODE  = 0o775
	HOST_FILE_MODE = 0o664
)

// Zip copies the host directory tree at hostDir into the directory dir.
// Directories and symbolic links are made in walk order; file contents
// are copied concurrently.
func Zip(ctx context.Context, hostDir string, dir vfs.INode) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(COPY_WORKERS)

	err := filepath.WalkDir(hostDir, func(hostPath string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(hostDir, hostPath)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			ip, err := MkdirAll(dir, rel)
			if err != nil {
				return err
			}
			return ip.Release()
		case d.Type()&iofs.ModeSymlink != 0:
			target, err := os.Readlink(hostPath)
			if err != nil {
				return err
			}
			return Symlink(dir, filepath.ToSlash(target), rel)
		case d.Type().IsRegular():
			ip, err := CreateFile(dir, rel)
			if err != nil {
				return err
			}
			g.Go(func() error {
				defer ip.Release()
				return copyIn(ctx, hostPath, ip)
			})
		}
		// Sockets, devices and pipes have no counterpart here
		return nil
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

func copyIn(ctx context.Context, hostPath string, ip vfs.INode) error {
	src, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if _, err := io.Copy(&inodeWriter{ctx: ctx, ip: ip}, src); err != nil {
		return fmt.Errorf("copy %s: %w", hostPath, err)
	}
	return nil
}

// Unzip copies the tree below dir out to the host directory hostDir,
// which is created if missing.
func Unzip(ctx context.Context, dir vfs.INode, hostDir string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(COPY_WORKERS)

	err := unzipDir(ctx, g, dir, hostDir)
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

func unzipDir(ctx context.Context, g *errgroup.Group, dirp vfs.INode, hostDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(hostDir, HOST_DIR_MODE); err != nil {
		return err
	}
	names, err := dirp.Entries()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ip, err := dirp.Lookup(name)
		if err != nil {
			return err
		}
		md, err := ip.Metadata()
		if err != nil {
			ip.Release()
			return err
		}
		hostPath := filepath.Join(hostDir, filepath.FromSlash(path.Clean(name)))

		switch md.Type {
		case vfs.TypeDir:
			err = unzipDir(ctx, g, ip, hostPath)
			ip.Release()
		case vfs.TypeSymLink:
			var target string
			target, err = ReadLink(ip)
			ip.Release()
			if err == nil {
				err = os.Symlink(filepath.FromSlash(target), hostPath)
			}
		default:
			g.Go(func() error {
				defer ip.Release()
				return copyOut(ctx, ip, hostPath)
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func copyOut(ctx context.Context, ip vfs.INode, hostPath string) error {
	dst, err := os.OpenFile(hostPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, HOST_FILE_MODE)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, &inodeReader{ctx: ctx, ip: ip})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("copy %s: %w", hostPath, err)
	}
	return nil
}

// inodeReader and inodeWriter adapt an INode to io.Reader and io.Writer,
// stopping early once ctx is cancelled.
type inodeReader struct {
	ctx context.Context
	ip  vfs.INode
	pos int64
}

func (r *inodeReader) Read(buf []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.ip.ReadAt(r.pos, buf)
	r.pos += int64(n)
	return n, err
}

type inodeWriter struct {
	ctx context.Context
	ip  vfs.INode
	pos int64
}

func (w *inodeWriter) Write(buf []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := w.ip.WriteAt(w.pos, buf)
	w.pos += int64(n)
	return n, err
}
