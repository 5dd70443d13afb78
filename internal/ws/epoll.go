//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// armedEvents is the interest set for every registered socket. EPOLLONESHOT
// disarms the descriptor once it is reported, so a socket is handed to at
// most one reader until Resume re-arms it.
const armedEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT

// Epoll multiplexes read readiness for every room connection on one
// epoll instance, so idle sockets cost no goroutine.
type Epoll struct {
	fd int

	mu     sync.RWMutex
	byFD   map[int]net.Conn
	byConn map[net.Conn]int // closed sockets no longer report their fd
	ready  []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFD:   make(map[int]net.Conn),
		byConn: make(map[net.Conn]int),
		ready:  make([]unix.EpollEvent, 256),
	}, nil
}

// Add registers conn, armed for one readiness report.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return syscall.EINVAL
	}
	if err := e.ctl(unix.EPOLL_CTL_ADD, fd); err != nil {
		return err
	}
	e.mu.Lock()
	e.byFD[fd] = conn
	e.byConn[conn] = fd
	e.mu.Unlock()
	return nil
}

// Resume re-arms conn after its reader has finished with it.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	fd, ok := e.byConn[conn]
	e.mu.RUnlock()
	if ok {
		_ = e.ctl(unix.EPOLL_CTL_MOD, fd)
	}
}

// Remove unregisters conn. A socket that was already closed has left the
// interest list on its own, so only the map entry matters then.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	fd, ok := e.byConn[conn]
	delete(e.byConn, conn)
	if ok {
		delete(e.byFD, fd)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one registered socket is readable or hung up
// and returns those sockets. Descriptors removed after the kernel reported
// them are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.ready, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	conns := make([]net.Conn, 0, n)
	for _, ev := range e.ready[:n] {
		if conn, ok := e.byFD[int(ev.Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	return conns, nil
}

// Close releases the epoll descriptor. Registered sockets stay open.
func (e *Epoll) Close() error {
	e.mu.Lock()
	clear(e.byFD)
	clear(e.byConn)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

func (e *Epoll) ctl(op, fd int) error {
	return unix.EpollCtl(e.fd, op, fd, &unix.EpollEvent{Events: armedEvents, Fd: int32(fd)})
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1 when
// conn is not backed by an OS socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}
