package toolchain

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// maxVersions bounds the versioned-name search; hitting it means the
// output directory holds ten thousand artifacts for one prefix.
const maxVersions = 9999

// claimVersioned atomically claims the next free "<prefix>_NNN.<ext>" name
// in dir and returns its path plus the open file. O_EXCL makes the claim
// race-free against concurrent requests sharing the directory: a name that
// exists at call time is never reused or overwritten.
func claimVersioned(dir, prefix, ext string) (string, *os.File, error) {
	for n := 1; n <= maxVersions; n++ {
		path := filepath.Join(dir, fmt.Sprintf("%s_%03d.%s", prefix, n, ext))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			return path, f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, fmt.Errorf("claim versioned file: %w", err)
		}
	}
	return "", nil, fmt.Errorf("no free versioned name for %s_*.%s in %s", prefix, ext, dir)
}

// NextVersioned claims the next free versioned name and returns its path.
// The file is left in place (empty) as the reservation.
func NextVersioned(dir, prefix, ext string) (string, error) {
	path, f, err := claimVersioned(dir, prefix, ext)
	if err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}
