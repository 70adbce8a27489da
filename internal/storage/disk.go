package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// sqliteSidecars are written next to a database in WAL mode and count towards its size.
var sqliteSidecars = []string{"-wal", "-shm"}

// DiskUsageBytes sums the on-disk size of the store, index and mapping artifacts.
// A path may be a file (its SQLite sidecars are added when present) or a directory,
// summed recursively. Missing paths count as zero.
func DiskUsageBytes(ctx context.Context, paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
			for _, suffix := range sqliteSidecars {
				if side, err := os.Stat(p + suffix); err == nil {
					total += side.Size()
				}
			}
			continue
		}
		n, err := dirSize(ctx, p)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func dirSize(ctx context.Context, dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			// Segment files can vanish while bleve merges.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return ctx.Err()
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
