//go:build linux
// +build linux

package recordingsfs

import (
	"context"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FileNode is a single recording file, read directly off disk. The bytes
// already exist (or are still being appended to by internal/recorder), so
// Getattr and Read both stat/open the real path.
type FileNode struct {
	fs.Inode
	Path string
}

var _ fs.NodeGetattrer = (*FileNode)(nil)
var _ fs.NodeOpener = (*FileNode)(nil)
var _ fs.NodeReader = (*FileNode)(nil)

// Getattr reports the file's current size, so a recording in progress shows
// its live, growing length instead of a stale snapshot.
func (n *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fi, err := os.Stat(n.Path)
	if err != nil {
		return syscall.ENOENT
	}
	modTime := fi.ModTime()
	out.Size = uint64(fi.Size())
	out.Mode = fuse.S_IFREG | 0444
	out.SetTimes(nil, &modTime, nil)
	return 0
}

// Open forces direct I/O so reads always see the current on-disk bytes
// instead of a stale page-cache entry from before the recorder appended
// more data.
func (n *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *FileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f, err := os.Open(n.Path)
	if err != nil {
		return nil, syscall.EIO
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, syscall.EIO
	}
	if off >= fi.Size() {
		return fuse.ReadResultData(dest[:0]), 0
	}
	end := off + int64(len(dest))
	if end > fi.Size() {
		end = fi.Size()
	}
	n2, err := f.ReadAt(dest[:end-off], off)
	if err != nil && n2 == 0 {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n2]), 0
}
