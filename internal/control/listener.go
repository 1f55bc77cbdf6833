package control

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// listenBacklog is the pending connection queue of a control socket.
const listenBacklog = 5

// maxSocketPath is the usable length of sockaddr_un.sun_path.
const maxSocketPath = 108

// Socket permission classes. Restricted sockets are open to everyone, so
// they only accept read-only requests; unrestricted ones stay with the
// owner and group.
const (
	restrictedMode    = 0o666
	restrictedUmask   = unix.S_IXUSR | unix.S_IXGRP | unix.S_IXOTH
	unrestrictedMode  = 0o660
	unrestrictedUmask = unix.S_IXUSR | unix.S_IXGRP | unix.S_IROTH | unix.S_IWOTH | unix.S_IXOTH
)

// -------------------------------------------------------------------------
// Listener: local-domain control socket
// -------------------------------------------------------------------------

// Listener owns one listening control socket.
type Listener struct {
	fd         int
	path       string
	restricted bool

	accept4 func(fd, flags int) (int, unix.Sockaddr, error)
}

// Check probes path and fails with ErrSocketInUse when another process is
// accepting connections on it.
func Check(path string) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("check control socket %s: socket: %w", path, err)
	}
	defer unix.Close(fd)

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err == nil {
		return fmt.Errorf("control socket %s: %w", path, ErrSocketInUse)
	}
	return nil
}

// Listen creates, binds and starts listening on a non-blocking control
// socket at path. A stale socket file is removed first. Restricted sockets
// get mode 0666, unrestricted ones 0660.
func Listen(path string, restricted bool) (*Listener, error) {
	if len(path) >= maxSocketPath {
		return nil, fmt.Errorf("listen %s: %w", path, ErrPathTooLong)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("listen %s: socket: %w", path, err)
	}

	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: unlink: %w", path, err)
	}

	mask, mode := unrestrictedUmask, uint32(unrestrictedMode)
	if restricted {
		mask, mode = restrictedUmask, restrictedMode
	}

	old := unix.Umask(mask)
	err = unix.Bind(fd, &unix.SockaddrUnix{Name: path})
	unix.Umask(old)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: bind: %w", path, err)
	}

	if err := unix.Chmod(path, mode); err != nil {
		unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("listen %s: chmod: %w", path, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	return &Listener{fd: fd, path: path, restricted: restricted, accept4: unix.Accept4}, nil
}

// Path returns the filesystem path of the socket.
func (l *Listener) Path() string {
	return l.path
}

// Restricted reports the class of connections this listener produces.
func (l *Listener) Restricted() bool {
	return l.restricted
}

// accept takes one pending connection as a non-blocking socket.
func (l *Listener) accept() (int, error) {
	fd, _, err := l.accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, err //nolint:wrapcheck // Callers classify the raw errno.
	}
	return fd, nil
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	var errs []error
	if err := unix.Close(l.fd); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", l.path, err))
	}
	if err := unix.Unlink(l.path); err != nil && !errors.Is(err, unix.ENOENT) {
		errs = append(errs, fmt.Errorf("unlink %s: %w", l.path, err))
	}
	return errors.Join(errs...)
}

// transientAcceptErr reports accept errors that need no action.
func transientAcceptErr(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.ECONNABORTED)
}

// exhaustedErr reports descriptor exhaustion, system-wide or per process.
func exhaustedErr(err error) bool {
	return errors.Is(err, unix.ENFILE) || errors.Is(err, unix.EMFILE)
}
