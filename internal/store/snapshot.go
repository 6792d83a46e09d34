package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andybalholm/brotli"
)

// ExportChannelsSnapshot writes a brotli-compressed JSON snapshot of every
// channel to path. The write goes to a temp file in the same directory and
// is renamed into place, so a crash mid-write can never leave a truncated
// snapshot behind.
func (s *Store) ExportChannelsSnapshot(ctx context.Context, path string) error {
	chs, err := s.ListChannels(ctx)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".channels-*")
	if err != nil {
		return fmt.Errorf("store: snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := brotli.NewWriter(tmp)
	if err := json.NewEncoder(bw).Encode(chs); err != nil {
		tmp.Close()
		return fmt.Errorf("store: snapshot encode: %w", err)
	}
	if err := bw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: snapshot compress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: snapshot close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store: snapshot rename: %w", err)
	}
	return nil
}
