package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jathurchan/accesslock/types"
)

// atomicWriteFile replaces targetPath with data so that concurrent readers
// in other processes see either the old or the new content. The data goes
// to a uniquely named temporary file in the same directory, is synced, and
// is then renamed over the target.
func atomicWriteFile(targetPath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, ownRWXOthRX); err != nil {
		return fmt.Errorf("%w: failed to create directory %q: %v", ErrBackendUnavailable, dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(targetPath)+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("%w: failed to create temporary file in %q: %v", ErrBackendUnavailable, dir, err)
	}
	tmpPath := tmp.Name()

	if err := writeAndSync(tmp, data, perm); err != nil {
		return removeTemp(fmt.Errorf("%w: failed to write temporary file %q: %v", ErrBackendUnavailable, tmpPath, err), tmpPath)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return removeTemp(
			fmt.Errorf("%w: failed to rename temporary file %q to %q: %v", ErrBackendUnavailable, tmpPath, targetPath, err),
			tmpPath,
		)
	}
	return nil
}

// writeAndSync writes data to f, applies perm and flushes it to disk. f is
// closed in all cases.
func writeAndSync(f *os.File, data []byte, perm os.FileMode) error {
	_, err := f.Write(data)
	if err == nil {
		err = f.Chmod(perm)
	}
	if err == nil {
		err = f.Sync()
	}
	return errors.Join(err, f.Close())
}

// removeTemp deletes a leftover temporary file and reports a failure to do so
// alongside the primary error.
func removeTemp(primaryErr error, tmpPath string) error {
	if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("%w; additionally failed to clean up temp file: %v", primaryErr, rmErr)
	}
	return primaryErr
}

// checkVersion rejects a swap whose expected version no longer matches.
func checkVersion(current types.ClassState, expected uint64) error {
	if current.Version != expected {
		return fmt.Errorf("%w: class %q at version %d, expected %d",
			ErrConflict, current.Class, current.Version, expected)
	}
	return nil
}

// prepareNext stamps the record that will replace a class state.
func prepareNext(class types.ResourceClass, expected uint64, next types.ClassState) types.ClassState {
	out := next.Clone()
	out.Class = class
	out.Version = expected + 1
	return out
}
