package pathutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"oss.nandlabs.io/golly/fsutils"
)

// Move relocates src to dst, preserving content atomically within a single
// filesystem. When src and dst live on different filesystems (rename
// returns EXDEV), it falls back to copy + atomic rename + unlink, cleaning
// up the temporary file on any failure along that path. Any other error
// from the initial rename is propagated unchanged.
//
// Grounded on the tmp-file-then-rename idiom used for atomic status writes
// in the reconciliation reference code, generalized here to cross-device
// whole-file relocation.
func Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("move %s -> %s: create destination dir: %w", src, dst, err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || linkErr.Err != syscall.EXDEV {
		return err
	}

	return crossDeviceMove(src, dst)
}

func crossDeviceMove(src, dst string) error {
	tmp := dst + ".tmp"

	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move %s -> %s: cross-device copy: %w", src, dst, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move %s -> %s: cross-device rename: %w", src, dst, err)
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("move %s -> %s: unlink source after copy: %w", src, dst, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// Exists reports whether path refers to an existing regular file.
func Exists(path string) bool {
	return fsutils.FileExists(path)
}

// DirExists reports whether path refers to an existing directory.
func DirExists(path string) bool {
	return fsutils.DirExists(path)
}
