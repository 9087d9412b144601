// Package fs resolves slash-separated paths over any vfs backend and
// builds the usual file operations on top of single-directory INode calls.
// All paths are taken relative to the given root; a leading "/" is
// optional and ".." never climbs above the root.
package fs

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rcore-os/rcore-fs/vfs"
)

// MAX_SYMLINKS bounds the number of symbolic links followed by one lookup.
const MAX_SYMLINKS = 8

var ErrTooManyLinks = fmt.Errorf("too many levels of symbolic links: %w", vfs.EINVAL)

func dup(ip vfs.INode) (vfs.INode, error) {
	return ip.Lookup(".")
}

// Lookup resolves path, following symbolic links, including a final one.
func Lookup(root vfs.INode, path string) (vfs.INode, error) {
	return eatPath(root, root, path, true)
}

// LookupAt resolves path relative to the directory dir. Absolute paths
// and absolute link targets start again from root.
func LookupAt(root, dir vfs.INode, path string) (vfs.INode, error) {
	return eatPath(root, dir, path, true)
}

// LookupNoFollow resolves path without following a final symbolic link.
func LookupNoFollow(root vfs.INode, path string) (vfs.INode, error) {
	return eatPath(root, root, path, false)
}

// LookupParent returns the directory that holds the final component of
// path, along with that component.
func LookupParent(root vfs.INode, path string) (vfs.INode, string, error) {
	dir, last := splitPath(path)
	if last == "" || last == "." || last == ".." {
		return nil, "", fmt.Errorf("%q has no final component: %w", path, vfs.EINVAL)
	}
	dirp, err := eatPath(root, root, dir, true)
	if err != nil {
		return nil, "", err
	}
	if md, err := dirp.Metadata(); err != nil || md.Type != vfs.TypeDir {
		dirp.Release()
		if err == nil {
			err = vfs.ENOTDIR
		}
		return nil, "", err
	}
	return dirp, last, nil
}

// splitPath separates the final component from the rest of the path.
func splitPath(path string) (string, string) {
	path = strings.TrimRight(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func components(path string) []string {
	var out []string
	for _, name := range strings.Split(path, "/") {
		if name != "" && name != "." {
			out = append(out, name)
		}
	}
	return out
}

// eatPath walks path one component at a time starting from start, or from
// root if path is absolute. Symbolic links met along the way are spliced
// into the remaining path.
func eatPath(root, start vfs.INode, path string, follow bool) (vfs.INode, error) {
	if strings.HasPrefix(path, "/") {
		start = root
	}
	rip, err := dup(start)
	if err != nil {
		return nil, err
	}
	rest := components(path)
	links := 0

	for len(rest) > 0 {
		name := rest[0]
		rest = rest[1:]

		next, err := advance(root, rip, name)
		if err != nil {
			rip.Release()
			return nil, err
		}

		md, err := next.Metadata()
		if err != nil {
			next.Release()
			rip.Release()
			return nil, err
		}
		if md.Type != vfs.TypeSymLink || (len(rest) == 0 && !follow) {
			rip.Release()
			rip = next
			continue
		}

		// Splice the link target in front of what is left; the current
		// directory stays where it is
		links++
		if links > MAX_SYMLINKS {
			next.Release()
			rip.Release()
			return nil, ErrTooManyLinks
		}
		target, err := ReadLink(next)
		next.Release()
		if err != nil {
			rip.Release()
			return nil, err
		}
		if strings.HasPrefix(target, "/") {
			rip.Release()
			if rip, err = dup(root); err != nil {
				return nil, err
			}
		}
		rest = append(components(target), rest...)
	}
	return rip, nil
}

// advance looks up one name in dirp. ".." at the root is the root itself.
func advance(root, dirp vfs.INode, name string) (vfs.INode, error) {
	if name == ".." && sameInode(root, dirp) {
		return dup(dirp)
	}
	return dirp.Lookup(name)
}

func sameInode(a, b vfs.INode) bool {
	ma, err := a.Metadata()
	if err != nil {
		return false
	}
	mb, err := b.Metadata()
	return err == nil && ma.Inode == mb.Inode && a.FS() == b.FS()
}

// ReadLink returns the target of a symbolic link.
func ReadLink(ip vfs.INode) (string, error) {
	md, err := ip.Metadata()
	if err != nil {
		return "", err
	}
	if md.Type != vfs.TypeSymLink {
		return "", fmt.Errorf("not a symbolic link: %w", vfs.EINVAL)
	}
	buf := make([]byte, md.Size)
	n, err := ip.ReadAt(0, buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return string(buf[:n]), nil
}
