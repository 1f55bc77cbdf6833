package control

import "golang.org/x/sys/unix"

// SetAccept4 replaces the accept4 call used by l.
func (l *Listener) SetAccept4(fn func(fd, flags int) (int, unix.Sockaddr, error)) {
	l.accept4 = fn
}
