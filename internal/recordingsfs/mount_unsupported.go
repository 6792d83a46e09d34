//go:build !linux
// +build !linux

package recordingsfs

import (
	"context"
	"fmt"
)

// MountBackground is unavailable on non-Linux builds because recordingsfs
// depends on go-fuse, which is Linux-only in this module.
func MountBackground(_ context.Context, mountPoint, dir string, allowOther bool) (func(), error) {
	return nil, fmt.Errorf("recordingsfs mount is only supported on linux builds")
}
