//go:build !windows

package ember

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// flock acquires an advisory lock on file: exclusive for a writer,
// shared for a read-only open. If timeout is zero it tries once and
// fails immediately; otherwise it retries until the deadline.
func flock(file *os.File, exclusive bool, timeout time.Duration) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			return err
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return ErrBusy
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func funlock(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN)
}
