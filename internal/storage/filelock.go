package storage

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// acquireDirLock takes an exclusive flock on a LOCK file under dir so two
// processes cannot open the same data directory. The lock is held for the
// life of the returned file and released by closing it.
func acquireDirLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, "LOCK")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, ErrLocked
	}
	return file, nil
}

// releaseDirLock drops the flock and closes the LOCK file.
func releaseDirLock(file *os.File) {
	unix.Flock(int(file.Fd()), unix.LOCK_UN)
	file.Close()
}
