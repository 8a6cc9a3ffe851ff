package storage

import "time"

const (
	// ownRWOthR represents file permission 0644 (owner read/write, others read).
	ownRWOthR = 0644

	// ownRWXOthRX represents directory permission 0755 (owner read/write/execute, others read/execute).
	ownRWXOthRX = 0755

	// defaultLockTimeout bounds how long a file lock acquisition may wait.
	defaultLockTimeout = 2 * time.Second

	// defaultLockRetryDelay is the polling interval while waiting for a file lock.
	defaultLockRetryDelay = 5 * time.Millisecond

	// stateSuffix is the extension of per-class state files.
	stateSuffix = ".json"

	// lockSuffix is the extension of per-class lock files.
	lockSuffix = ".lock"

	// tmpSuffix is the suffix used for temporary files created during atomic write operations.
	tmpSuffix = ".tmp"
)
