package domain

import "time"

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
)

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Wait(timeout time.Duration) (int, error)
	Stop()
}

// Async is a cooperative state machine advanced one tick per Poll call.
type Async interface {
	Poll() error
	Ready() bool
	Stop()
}

// Waiter reports the descriptor a machine is currently blocked on, or -1.
type Waiter interface {
	WaitFD() (int, EventType)
}

type NameStore interface {
	Lookup(name string) (string, bool)
	Store(name, ipv4 string)
}
