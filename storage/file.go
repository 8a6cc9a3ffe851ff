package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/types"
)

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// LockTimeout bounds how long an operation waits for the class lock file.
	// Exceeding it fails the operation with ErrBackendUnavailable.
	LockTimeout time.Duration

	// LockRetryDelay is the polling interval while the lock is contended.
	LockRetryDelay time.Duration
}

// DefaultFileStoreOptions returns the default FileStore configuration.
func DefaultFileStoreOptions() FileStoreOptions {
	return FileStoreOptions{
		LockTimeout:    defaultLockTimeout,
		LockRetryDelay: defaultLockRetryDelay,
	}
}

// FileStore is a StateStore shared between processes through a directory.
//
// Each class is kept in "<dir>/<class>.json" next to a "<dir>/<class>.lock"
// file. Reads hold a shared flock on the lock file and swaps hold an exclusive
// one, so processes on the same host observe a linearizable history per
// class. Records are replaced with write-to-temp-then-rename, so a crashed
// writer never leaves a torn file behind.
type FileStore struct {
	dir        string
	opts       FileStoreOptions
	serializer serializer
	logger     logger.Logger

	// classMu serializes goroutines of this process before they contend for
	// the file lock, which is per open file description.
	mu      sync.Mutex
	classMu map[types.ResourceClass]*sync.RWMutex

	status statusTracker
}

// NewFileStore opens (and creates, if needed) a FileStore rooted at dir.
func NewFileStore(dir string, opts FileStoreOptions, log logger.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage: directory must not be empty")
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = defaultLockRetryDelay
	}

	if err := os.MkdirAll(dir, ownRWXOthRX); err != nil {
		return nil, fmt.Errorf("%w: failed to create state directory %q: %v", ErrBackendUnavailable, dir, err)
	}

	fs := &FileStore{
		dir:        dir,
		opts:       opts,
		serializer: newJSONSerializer(),
		logger:     log.WithComponent("filestore"),
		classMu:    make(map[types.ResourceClass]*sync.RWMutex),
	}
	fs.status.set(StorageStatusReady)

	fs.logger.Infow("File store opened", "dir", dir, "lockTimeout", opts.LockTimeout)
	return fs, nil
}

// Dir returns the directory backing the store.
func (fs *FileStore) Dir() string {
	return fs.dir
}

func (fs *FileStore) Get(ctx context.Context, class types.ResourceClass) (types.ClassState, error) {
	if err := fs.checkUsable(ctx, class); err != nil {
		return types.ClassState{}, err
	}

	mu := fs.classMutex(class)
	mu.RLock()
	defer mu.RUnlock()

	var state types.ClassState
	err := fs.withFileLock(ctx, class, false, func() error {
		var readErr error
		state, readErr = fs.readState(class)
		return readErr
	})
	fs.recordOutcome(err)
	if err != nil {
		return types.ClassState{}, err
	}
	return state, nil
}

func (fs *FileStore) CompareAndSwap(
	ctx context.Context,
	class types.ResourceClass,
	expected uint64,
	next types.ClassState,
) (types.ClassState, error) {
	if err := fs.checkUsable(ctx, class); err != nil {
		return types.ClassState{}, err
	}

	mu := fs.classMutex(class)
	mu.Lock()
	defer mu.Unlock()

	var stored types.ClassState
	err := fs.withFileLock(ctx, class, true, func() error {
		current, err := fs.readState(class)
		if err != nil {
			return err
		}
		if err := checkVersion(current, expected); err != nil {
			return err
		}

		stored = prepareNext(class, expected, next)
		data, err := fs.serializer.MarshalClassState(stored)
		if err != nil {
			return fmt.Errorf("%w: failed to encode class %q: %v", ErrBackendUnavailable, class, err)
		}
		return atomicWriteFile(fs.statePath(class), data, ownRWOthR)
	})
	if !errors.Is(err, ErrConflict) {
		fs.recordOutcome(err)
	}
	if err != nil {
		return types.ClassState{}, err
	}
	return stored, nil
}

func (fs *FileStore) Classes(ctx context.Context) ([]types.ResourceClass, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fs.Status() == StorageStatusClosed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %q: %v", ErrBackendUnavailable, fs.dir, err)
	}

	var classes []types.ResourceClass
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateSuffix) {
			continue
		}
		class := types.ResourceClass(strings.TrimSuffix(name, stateSuffix))
		if class.Validate() != nil {
			continue
		}
		classes = append(classes, class)
	}
	slices.Sort(classes)
	return classes, nil
}

func (fs *FileStore) Status() StorageStatus {
	return fs.status.load()
}

func (fs *FileStore) Close() error {
	fs.status.close()
	fs.logger.Infow("File store closed", "dir", fs.dir)
	return nil
}

func (fs *FileStore) checkUsable(ctx context.Context, class types.ResourceClass) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fs.Status() == StorageStatusClosed {
		return ErrClosed
	}
	return class.Validate()
}

// withFileLock runs fn while holding the class lock file, shared or exclusive.
func (fs *FileStore) withFileLock(ctx context.Context, class types.ResourceClass, exclusive bool, fn func() error) error {
	fl := flock.New(fs.lockPath(class))

	lockCtx, cancel := context.WithTimeout(ctx, fs.opts.LockTimeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = fl.TryLockContext(lockCtx, fs.opts.LockRetryDelay)
	} else {
		locked, err = fl.TryRLockContext(lockCtx, fs.opts.LockRetryDelay)
	}
	if err != nil || !locked {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		fs.logger.Warnw("Timed out waiting for class lock",
			"class", class, "exclusive", exclusive, "timeout", fs.opts.LockTimeout, "error", err)
		return fmt.Errorf("%w: lock %q not acquired within %v", ErrBackendUnavailable, fl.Path(), fs.opts.LockTimeout)
	}
	defer func() {
		if unlockErr := fl.Unlock(); unlockErr != nil {
			fs.logger.Warnw("Failed to release class lock", "class", class, "error", unlockErr)
		}
	}()

	return fn()
}

// readState loads a class record; the caller must hold the class lock.
func (fs *FileStore) readState(class types.ResourceClass) (types.ClassState, error) {
	data, err := os.ReadFile(fs.statePath(class))
	if err != nil {
		if os.IsNotExist(err) {
			return types.ClassState{Class: class}, nil
		}
		return types.ClassState{}, fmt.Errorf("%w: failed to read class %q: %v", ErrBackendUnavailable, class, err)
	}

	state, err := fs.serializer.UnmarshalClassState(data)
	if err != nil {
		fs.logger.Errorw("Corrupted class state file", "class", class, "error", err)
		return types.ClassState{}, err
	}
	if state.Class != class {
		return types.ClassState{}, fmt.Errorf("%w: file for %q contains class %q", ErrCorruptedState, class, state.Class)
	}
	return state, nil
}

func (fs *FileStore) recordOutcome(err error) {
	fs.status.record(err)
}

func (fs *FileStore) classMutex(class types.ResourceClass) *sync.RWMutex {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	mu, ok := fs.classMu[class]
	if !ok {
		mu = &sync.RWMutex{}
		fs.classMu[class] = mu
	}
	return mu
}

func (fs *FileStore) statePath(class types.ResourceClass) string {
	return filepath.Join(fs.dir, string(class)+stateSuffix)
}

func (fs *FileStore) lockPath(class types.ResourceClass) string {
	return filepath.Join(fs.dir, string(class)+lockSuffix)
}
