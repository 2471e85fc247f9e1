package epoll

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"socks-async/internal/domain"
)

const maxEvents = 128

// LinuxEventLoop sleeps the scheduler until one of the registered sockets
// becomes readable or writable. Registration is level-triggered: a machine
// that has not consumed its input yet is woken again on the next Wait.
type LinuxEventLoop struct {
	epollFD int
	events  []unix.EpollEvent

	mu      sync.Mutex
	stopped bool
}

func New() (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &LinuxEventLoop{epollFD: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for at most timeout and returns how many sockets are ready.
// A negative timeout waits indefinitely.
func (l *LinuxEventLoop) Wait(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	n, err := unix.EpollWait(l.epollFD, l.events, ms)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	return n, err
}

func (l *LinuxEventLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	unix.Close(l.epollFD)
}
