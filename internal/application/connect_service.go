package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"socks-async/internal/domain"
	"socks-async/internal/socks5"
)

// DefaultIdleWait caps how long Run sleeps in the event loop. Machines
// check their deadlines only when polled, so the loop must wake up now
// and then even when no socket is ready.
const DefaultIdleWait = 20 * time.Millisecond

// ConnectService drives handshakes and lookups over a shared event loop.
type ConnectService struct {
	log      *slog.Logger
	loop     domain.EventLoop
	idleWait time.Duration

	mu         sync.Mutex
	registered map[int]domain.EventType
}

func NewConnectService(loop domain.EventLoop, logger *slog.Logger) *ConnectService {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ConnectService{
		log:        logger,
		loop:       loop,
		idleWait:   DefaultIdleWait,
		registered: make(map[int]domain.EventType),
	}
}

// Dial opens a tunnel to cfg.Target through cfg.Proxy.
func (s *ConnectService) Dial(ctx context.Context, cfg socks5.Config) (net.Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = s.log
	}
	c, err := socks5.NewConn(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Run(ctx, c); err != nil {
		return nil, err
	}
	return c.NetConn()
}

// Run polls machines until every one of them is ready or has failed. Between
// rounds it sleeps in the event loop on the sockets the machines wait for.
// The returned error joins the errors of the failed machines.
func (s *ConnectService) Run(ctx context.Context, machines ...domain.Async) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unregisterAll()

	type slot struct {
		id int
		m  domain.Async
	}
	active := make([]slot, 0, len(machines))
	for i, m := range machines {
		active = append(active, slot{id: i, m: m})
	}

	s.log.Debug("Running machines", "count", len(active))

	var errs []error
	for len(active) > 0 {
		if err := ctx.Err(); err != nil {
			for _, sl := range active {
				sl.m.Stop()
			}
			s.log.Warn("Run cancelled", "pending", len(active), "error", err)
			return errors.Join(append(errs, fmt.Errorf("%w: %w", domain.ErrConnectionNotEstablished, err))...)
		}

		busy := false
		want := make(map[int]domain.EventType)
		next := active[:0]
		for _, sl := range active {
			if err := sl.m.Poll(); err != nil {
				s.log.Warn("Machine failed", "id", sl.id, "error", err)
				errs = append(errs, err)
				continue
			}
			if sl.m.Ready() {
				s.log.Debug("Machine ready", "id", sl.id)
				continue
			}
			next = append(next, sl)

			w, ok := sl.m.(domain.Waiter)
			if !ok {
				busy = true
				continue
			}
			fd, ev := w.WaitFD()
			if fd < 0 {
				busy = true
				continue
			}
			want[fd] |= ev
		}
		active = next

		s.sync(want)
		if len(active) == 0 {
			break
		}

		timeout := s.idleWait
		if busy {
			timeout = 0
		}
		if _, err := s.loop.Wait(timeout); err != nil {
			for _, sl := range active {
				sl.m.Stop()
			}
			return fmt.Errorf("%w: event loop: %v", domain.ErrSocket, err)
		}
	}

	return errors.Join(errs...)
}

// sync brings the loop registrations in line with want. Descriptors are
// recycled by the kernel once a machine closes them, so a stale entry can
// refer to a socket epoll already forgot about.
func (s *ConnectService) sync(want map[int]domain.EventType) {
	for _, fd := range sortedKeys(want) {
		ev := want[fd]
		have, ok := s.registered[fd]
		switch {
		case !ok:
			err := s.loop.Register(fd, ev)
			if errors.Is(err, unix.EEXIST) {
				err = s.loop.Modify(fd, ev)
			}
			if err != nil {
				s.log.Error("Register failed", "fd", fd, "error", err)
				continue
			}
		case have != ev:
			err := s.loop.Modify(fd, ev)
			if errors.Is(err, unix.ENOENT) {
				err = s.loop.Register(fd, ev)
			}
			if err != nil {
				s.log.Error("Modify failed", "fd", fd, "error", err)
				delete(s.registered, fd)
				continue
			}
		default:
			continue
		}
		s.registered[fd] = ev
	}

	for _, fd := range sortedKeys(s.registered) {
		if _, ok := want[fd]; !ok {
			// Закрытый сокет epoll уже удалил сам
			_ = s.loop.Unregister(fd)
			delete(s.registered, fd)
		}
	}
}

func (s *ConnectService) unregisterAll() {
	for fd := range s.registered {
		_ = s.loop.Unregister(fd)
		delete(s.registered, fd)
	}
}

func sortedKeys(m map[int]domain.EventType) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
