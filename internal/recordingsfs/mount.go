//go:build linux
// +build linux

package recordingsfs

import (
	"context"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountBackground mounts a read-only view of dir at mountPoint and returns
// an unmount function; it does not block. ctx cancellation also unmounts.
func MountBackground(ctx context.Context, mountPoint, dir string, allowOther bool) (unmount func(), err error) {
	root := &Root{Dir: dir}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      false,
			AllowOther: allowOther,
		},
	}
	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = server.Unmount()
	}()

	return func() { _ = server.Unmount() }, nil
}
