package vfs

import "errors"

// Error kinds shared by every backend. Backends wrap these with context
// using fmt.Errorf and callers test for them with errors.Is.
var (
	EIO          = errors.New("input/output error")
	ENOENT       = errors.New("no such file or directory")
	EEXIST       = errors.New("file exists")
	ENOTDIR      = errors.New("not a directory")
	EISDIR       = errors.New("is a directory")
	EINVAL       = errors.New("invalid argument")
	ENOSPC       = errors.New("no space left on device")
	ECORRUPT     = errors.New("filesystem metadata corrupted")
	ENOTEMPTY    = errors.New("directory not empty")
	EXDEV        = errors.New("not on the same filesystem")
	ENAMETOOLONG = errors.New("file name too long")
)
