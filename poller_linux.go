//go:build linux

package proactor

import (
	"os"
	"runtime"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP

	blocked = -1
)

// poller is a level-triggered epoll set plus the wake-up descriptor.
type poller struct {
	fd     int
	events []unix.EpollEvent
	wake   *wakeup
	logger zerolog.Logger
}

func openPoller(logger zerolog.Logger, eventsBufferSize int) (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wake, err := openWakeup()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wake.fd, &unix.EpollEvent{Fd: int32(wake.fd), Events: unix.EPOLLIN})
	if err != nil {
		wake.close()
		unix.Close(fd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	bufferSize := max(eventsBufferSize, defEventsBufferSize)
	return &poller{
		fd:     fd,
		events: make([]unix.EpollEvent, bufferSize),
		wake:   wake,
		logger: logger,
	}, nil
}

func (p *poller) close() error {
	werr := p.wake.close()
	err := os.NewSyscallError("close", unix.Close(p.fd))
	if err != nil {
		return err
	}
	return werr
}

// wait blocks up to msec milliseconds (blocked waits forever) and reports each
// ready socket. Wake-up notifications are consumed here and not reported.
func (p *poller) wait(msec int, callback func(fd int, ready Interest)) (int, error) {
	evCount, err := epollWait(p.fd, p.events, msec)
	if evCount <= 0 || err == unix.EINTR {
		if err != nil && err != unix.EINTR {
			return 0, os.NewSyscallError("epoll_wait", err)
		}
		runtime.Gosched()
		return 0, nil
	}
	reported := 0
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		fd := int(event.Fd)
		if fd == p.wake.fd {
			p.wake.drain()
			continue
		}
		if p.logger.Debug().Enabled() {
			p.logger.Debug().Msgf("[%d] epoll event:%#x", fd, event.Events)
		}
		callback(fd, epollToInterest(event.Events))
		reported++
	}
	return reported, nil
}

// update moves fd from one armed interest to another. Both ADD on an already
// watched fd and MOD on an unknown one are repaired, since a descriptor
// number may be reused between registrations.
func (p *poller) update(fd int, from, to Interest) error {
	if to == 0 {
		return p.delete(fd)
	}
	event := &unix.EpollEvent{Fd: int32(fd), Events: interestToEpoll(to)}
	if from == 0 {
		err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, event)
		if err == unix.EEXIST {
			err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, event)
		}
		if err != nil {
			return os.NewSyscallError("epoll_ctl add", err)
		}
		return nil
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, event)
	if err == unix.ENOENT {
		err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, event)
	}
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	return nil
}

func (p *poller) delete(fd int) error {
	if p.logger.Debug().Enabled() {
		p.logger.Debug().Msgf("delete epoll for fd: %d", fd)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func interestToEpoll(i Interest) uint32 {
	var events uint32
	if i&Readable != 0 {
		events |= readEvents
	}
	if i&Writable != 0 {
		events |= writeEvents
	}
	if i&Erroring != 0 {
		events |= errorEvents
	}
	return events
}

func epollToInterest(events uint32) Interest {
	var i Interest
	if events&readEvents != 0 {
		i |= Readable
	}
	if events&writeEvents != 0 {
		i |= Writable
	}
	if events&errorEvents != 0 {
		i |= Erroring
	}
	return i
}

func epollWait(epollFd int, events []unix.EpollEvent, msec int) (count int, err error) {
	var eventCount uintptr
	var eventsPointer = unsafe.Pointer(&events[0])
	if msec == 0 {
		eventCount, _, err = unix.RawSyscall6(unix.SYS_EPOLL_PWAIT, uintptr(epollFd), uintptr(eventsPointer), uintptr(len(events)), 0, 0, 0)
	} else {
		eventCount, _, err = unix.Syscall6(unix.SYS_EPOLL_PWAIT, uintptr(epollFd), uintptr(eventsPointer), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if err == unix.Errno(0) {
		err = nil
	}
	return int(eventCount), err
}
