package shim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rcore-os/rcore-fs/vfs"
)

// Host is the set of primitives supplied by the embedding environment. Any
// field may be left nil: Alloc then falls back to make, Free and Log do
// nothing, and Abort is skipped.
type Host struct {
	Alloc func(size int) []byte
	Free  func(buf []byte)
	Log   func(level int32, msg string)
	Abort func(msg string)
}

func (h *Host) alloc(size int) []byte {
	if h.Alloc == nil {
		return make([]byte, size)
	}
	return h.Alloc(size)
}

func (h *Host) free(buf []byte) {
	if h.Free != nil {
		h.Free(buf)
	}
}

// Stat mirrors the host's file status record.
type Stat struct {
	Mode   uint32 // one of S_IFREG, S_IFDIR, S_IFLNK
	Nlinks uint32
	Blocks uint32
	Size   uint32
}

const (
	S_IFMT  = 0o70000
	S_IFREG = 0o10000
	S_IFDIR = 0o20000
	S_IFLNK = 0o30000
)

func modeOf(t vfs.FileType) uint32 {
	switch t {
	case vfs.TypeFile:
		return S_IFREG
	case vfs.TypeDir:
		return S_IFDIR
	case vfs.TypeSymLink:
		return S_IFLNK
	}
	return 0
}

func typeOf(mode uint32) vfs.FileType {
	switch mode & S_IFMT {
	case S_IFREG:
		return vfs.TypeFile
	case S_IFDIR:
		return vfs.TypeDir
	case S_IFLNK:
		return vfs.TypeSymLink
	}
	return vfs.TypeInvalid
}

// IoBuf describes one transfer of Len bytes. Offset is the file
// position; Base holds the Resident bytes still to move. Every transfer
// advances Base and Offset and lowers Resident by the amount moved.
type IoBuf struct {
	Base     []byte
	Offset   int32
	Len      uint32
	Resident uint32
}

// Used returns the number of bytes moved so far.
func (b *IoBuf) Used() uint32 {
	return b.Len - b.Resident
}

// window returns the part of Base still to be transferred.
func (b *IoBuf) window() ([]byte, error) {
	if b.Resident > b.Len {
		return nil, fmt.Errorf("%d bytes left of a %d byte transfer: %w", b.Resident, b.Len, vfs.EINVAL)
	}
	return b.Base[:min(int(b.Resident), len(b.Base))], nil
}

func (b *IoBuf) skip(n int) {
	b.Base = b.Base[n:]
	b.Offset += int32(n)
	b.Resident -= uint32(n)
}

// Info mirrors vfs.FsInfo in fixed-width fields.
type Info struct {
	Bsize   uint32
	Blocks  uint32
	Bfree   uint32
	Files   uint32
	Ffree   uint32
	Namemax uint32
}

// DeviceDesc describes a block device owned by the host. Read and Write
// transfer exactly BlockSize bytes and return zero on success.
type DeviceDesc struct {
	BlockSize uint32
	NumBlocks uint32
	Read      func(id uint32, buf []byte) int32
	Write     func(id uint32, buf []byte) int32
}

// hostDevice adapts a DeviceDesc to vfs.Device.
type hostDevice struct {
	desc *DeviceDesc
}

func (d hostDevice) check(id int, buf []byte) error {
	if id < 0 || id >= int(d.desc.NumBlocks) {
		return fmt.Errorf("block %d of %d: %w", id, d.desc.NumBlocks, vfs.EIO)
	}
	if len(buf) != int(d.desc.BlockSize) {
		return fmt.Errorf("buffer of %d bytes: %w", len(buf), vfs.EINVAL)
	}
	return nil
}

func (d hostDevice) ReadBlock(id int, buf []byte) error {
	if err := d.check(id, buf); err != nil {
		return err
	}
	if rc := d.desc.Read(uint32(id), buf); rc != 0 {
		return fmt.Errorf("host read of block %d returned %d: %w", id, rc, vfs.EIO)
	}
	return nil
}

func (d hostDevice) WriteBlock(id int, buf []byte) error {
	if err := d.check(id, buf); err != nil {
		return err
	}
	if rc := d.desc.Write(uint32(id), buf); rc != 0 {
		return fmt.Errorf("host write of block %d returned %d: %w", id, rc, vfs.EIO)
	}
	return nil
}

func (d hostDevice) BlockSize() int { return int(d.desc.BlockSize) }
func (d hostDevice) NumBlocks() int { return int(d.desc.NumBlocks) }

// hostHandler is a slog.Handler that hands each record to Host.Log as a
// single line: the message followed by key=value pairs.
type hostHandler struct {
	log    func(level int32, msg string)
	level  slog.Leveler
	prefix string // preformatted attributes from WithAttrs
	group  string
}

func newHostHandler(log func(int32, string), level slog.Leveler) *hostHandler {
	return &hostHandler{log: log, level: level}
}

func (h *hostHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.log != nil && level >= h.level.Level()
}

func (h *hostHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, h.group, a)
		return true
	})
	h.log(int32(r.Level), b.String())
	return nil
}

func (h *hostHandler) appendAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, key, ga)
		}
		return
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Any())
}

func (h *hostHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		h.appendAttr(&b, h.group, a)
	}
	h2 := *h
	h2.prefix = b.String()
	return &h2
}

func (h *hostHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	if h2.group != "" {
		h2.group += "." + name
	} else {
		h2.group = name
	}
	return &h2
}
