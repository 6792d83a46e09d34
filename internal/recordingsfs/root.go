//go:build linux
// +build linux

// Package recordingsfs is a read-only FUSE view of the recorder's output
// directory: one flat folder of .ts files, their sizes tracked live so a
// file currently being written by internal/recorder shows its growing size
// rather than the size at mount time.
package recordingsfs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Root is the mount's top-level directory: the flat set of files currently
// present under Dir.
type Root struct {
	fs.Inode
	Dir string
}

var _ fs.NodeReaddirer = (*Root)(nil)
var _ fs.NodeLookuper = (*Root)(nil)

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return fs.NewListDirStream(nil), 0
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, fuse.DirEntry{
			Name: e.Name(),
			Ino:  r.ino(e.Name()),
			Mode: fuse.S_IFREG | 0444,
		})
	}
	return fs.NewListDirStream(out), 0
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := filepath.Join(r.Dir, name)
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return nil, syscall.ENOENT
	}
	child := &FileNode{Path: path}
	ch := r.NewInode(ctx, child, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  r.ino(name),
	})
	out.Mode = fuse.S_IFREG | 0444
	out.Size = uint64(fi.Size())
	out.SetEntryTimeout(1 * time.Second)
	out.SetAttrTimeout(1 * time.Second)
	return ch, 0
}

func (r *Root) ino(name string) uint64 {
	return inoFromString("recording:" + name)
}
