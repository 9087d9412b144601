package fs

import (
	"errors"
	"fmt"

	"github.com/rcore-os/rcore-fs/vfs"
)

func isDir(ip vfs.INode) (bool, error) {
	md, err := ip.Metadata()
	if err != nil {
		return false, err
	}
	return md.Type == vfs.TypeDir, nil
}

// MkdirAll creates the directory path along with any missing parents and
// returns a reference to it. Existing directories are not an error.
func MkdirAll(root vfs.INode, path string) (vfs.INode, error) {
	dirp, err := dup(root)
	if err != nil {
		return nil, err
	}
	for _, name := range components(path) {
		next, err := mkdirOne(root, dirp, name)
		dirp.Release()
		if err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", path, err)
		}
		dirp = next
	}
	return dirp, nil
}

// MAX_RETRIES bounds how often a create that lost a race is retried.
const MAX_RETRIES = 3

func mkdirOne(root, dirp vfs.INode, name string) (vfs.INode, error) {
	for try := 0; ; try++ {
		next, err := eatPath(root, dirp, name, true)
		if err == nil {
			dir, err := isDir(next)
			if err == nil && !dir {
				err = vfs.ENOTDIR
			}
			if err != nil {
				next.Release()
				return nil, err
			}
			return next, nil
		}
		if !errors.Is(err, vfs.ENOENT) {
			return nil, err
		}
		next, err = dirp.Create(name, vfs.TypeDir)
		if errors.Is(err, vfs.EEXIST) && try < MAX_RETRIES {
			// Someone else made it in the meantime
			continue
		}
		return next, err
	}
}

// CreateFile returns the regular file at path, creating it if needed. An
// existing file is truncated to zero length.
func CreateFile(root vfs.INode, path string) (vfs.INode, error) {
	dirp, name, err := LookupParent(root, path)
	if err != nil {
		return nil, err
	}
	defer dirp.Release()

	for try := 0; ; try++ {
		ip, err := dirp.Create(name, vfs.TypeFile)
		if err == nil {
			return ip, nil
		}
		if !errors.Is(err, vfs.EEXIST) {
			return nil, err
		}
		ip, err = eatPath(root, dirp, name, true)
		if errors.Is(err, vfs.ENOENT) && try < MAX_RETRIES {
			// Removed again before we could open it
			continue
		}
		if err != nil {
			return nil, err
		}
		md, err := ip.Metadata()
		if err == nil && md.Type == vfs.TypeDir {
			err = fmt.Errorf("%s: %w", path, vfs.EISDIR)
		}
		if err == nil {
			err = ip.Resize(0)
		}
		if err != nil {
			ip.Release()
			return nil, err
		}
		return ip, nil
	}
}

// Symlink creates a symbolic link at path pointing to target. The target
// is stored as is and need not exist.
func Symlink(root vfs.INode, target, path string) error {
	if target == "" {
		return fmt.Errorf("empty link target: %w", vfs.EINVAL)
	}
	dirp, name, err := LookupParent(root, path)
	if err != nil {
		return err
	}
	defer dirp.Release()

	ip, err := dirp.Create(name, vfs.TypeSymLink)
	if err != nil {
		return err
	}
	_, err = ip.WriteAt(0, []byte(target))
	ip.Release()
	if err != nil {
		dirp.Unlink(name)
		return err
	}
	return nil
}

// Link creates a new name at newpath for the file at oldpath.
func Link(root vfs.INode, oldpath, newpath string) error {
	ip, err := LookupNoFollow(root, oldpath)
	if err != nil {
		return err
	}
	defer ip.Release()

	dirp, name, err := LookupParent(root, newpath)
	if err != nil {
		return err
	}
	defer dirp.Release()
	return dirp.Link(name, ip)
}

// Remove unlinks the entry at path. A directory must be empty.
func Remove(root vfs.INode, path string) error {
	dirp, name, err := LookupParent(root, path)
	if err != nil {
		return err
	}
	defer dirp.Release()
	return dirp.Unlink(name)
}

// RemoveAll removes path and everything below it. A missing path is not
// an error.
func RemoveAll(root vfs.INode, path string) error {
	dirp, name, err := LookupParent(root, path)
	if errors.Is(err, vfs.ENOENT) {
		return nil
	}
	if err != nil {
		return err
	}
	defer dirp.Release()
	return removeTree(dirp, name)
}

func removeTree(dirp vfs.INode, name string) error {
	ip, err := dirp.Lookup(name)
	if errors.Is(err, vfs.ENOENT) {
		return nil
	}
	if err != nil {
		return err
	}
	dir, err := isDir(ip)
	if err == nil && dir {
		var names []string
		if names, err = ip.Entries(); err == nil {
			for _, child := range names {
				if child == "." || child == ".." {
					continue
				}
				if err = removeTree(ip, child); err != nil {
					break
				}
			}
		}
	}
	ip.Release()
	if err != nil {
		return err
	}
	return dirp.Unlink(name)
}

// Rename moves the entry at oldpath to newpath, which must not exist.
func Rename(root vfs.INode, oldpath, newpath string) error {
	olddir, oldname, err := LookupParent(root, oldpath)
	if err != nil {
		return err
	}
	defer olddir.Release()

	newdir, newname, err := LookupParent(root, newpath)
	if err != nil {
		return err
	}
	defer newdir.Release()
	return olddir.Move(oldname, newdir, newname)
}

// ReadDir lists the names in the directory at path, without "." and "..".
func ReadDir(root vfs.INode, path string) ([]string, error) {
	dirp, err := Lookup(root, path)
	if err != nil {
		return nil, err
	}
	defer dirp.Release()

	names, err := dirp.Entries()
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if name != "." && name != ".." {
			out = append(out, name)
		}
	}
	return out, nil
}
