//go:build linux

package proactor

import (
	"encoding/binary"
	"os"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// wakeup interrupts a blocked epoll wait when work or operations are queued
// from another goroutine.
type wakeup struct {
	fd      int
	pending *atomic.Bool
}

func openWakeup() (*wakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &wakeup{fd: fd, pending: atomic.NewBool(false)}, nil
}

// signal is coalesced: only the first call between two drains writes.
func (w *wakeup) signal() error {
	if !w.pending.CAS(false, true) {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(w.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == nil || err == unix.EAGAIN {
			return nil
		}
		w.pending.Store(false)
		return os.NewSyscallError("write", err)
	}
}

// drain empties the eventfd and only then allows the next signal to write.
func (w *wakeup) drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err == nil || err == unix.EINTR {
			continue
		}
		break
	}
	w.pending.Store(false)
}

func (w *wakeup) close() error {
	return os.NewSyscallError("close", unix.Close(w.fd))
}
