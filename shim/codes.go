package shim

import (
	"errors"

	"github.com/rcore-os/rcore-fs/vfs"
)

// Return codes. Zero or a positive count means success.
const (
	E_OK          int32 = 0
	E_NOENT       int32 = -2
	E_IO          int32 = -5
	E_BADF        int32 = -9 // unknown or stale handle
	E_EXIST       int32 = -17
	E_XDEV        int32 = -18
	E_NOTDIR      int32 = -20
	E_ISDIR       int32 = -21
	E_INVAL       int32 = -22
	E_NOSPC       int32 = -28
	E_NAMETOOLONG int32 = -36
	E_NOTEMPTY    int32 = -39
	E_CORRUPT     int32 = -117
	E_PANIC       int32 = -131 // a call failed unexpectedly and was recovered
)

var codes = []struct {
	err  error
	code int32
}{
	{vfs.ENOENT, E_NOENT},
	{vfs.EEXIST, E_EXIST},
	{vfs.ENOTDIR, E_NOTDIR},
	{vfs.EISDIR, E_ISDIR},
	{vfs.ENAMETOOLONG, E_NAMETOOLONG},
	{vfs.EINVAL, E_INVAL},
	{vfs.ENOSPC, E_NOSPC},
	{vfs.ECORRUPT, E_CORRUPT},
	{vfs.ENOTEMPTY, E_NOTEMPTY},
	{vfs.EXDEV, E_XDEV},
	{errBadHandle, E_BADF},
}

// Code translates err into a return code. Anything unrecognised, device
// failures included, is reported as E_IO.
func Code(err error) int32 {
	if err == nil {
		return E_OK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return E_IO
}

// Error is the inverse of Code, for hosts written in Go.
func Error(code int32) error {
	if code >= 0 {
		return nil
	}
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	if code == E_PANIC {
		return errPanic
	}
	return vfs.EIO
}
