package imsg

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// inboundSize is the capacity of a Buffer. It holds several maximum-size
// frames so a reader is never starved by a single large frame.
const inboundSize = 4 * MaxSize

// ErrClosed indicates the peer performed an orderly close (zero-byte read).
var ErrClosed = errors.New("imsg: connection closed by peer")

// -------------------------------------------------------------------------
// Buffer: inbound accumulation and frame extraction
// -------------------------------------------------------------------------

// Buffer accumulates inbound bytes and yields complete frames.
//
// Bytes are appended at wpos and consumed from rpos. Consumed space is
// reclaimed by compacting before each fill.
type Buffer struct {
	buf  [inboundSize]byte
	rpos int
	wpos int
}

// Buffered returns the number of bytes received but not yet consumed.
func (b *Buffer) Buffered() int {
	return b.wpos - b.rpos
}

// Write appends p to the buffer. It is used by tests and by in-process
// transports; socket readers use Fill.
func (b *Buffer) Write(p []byte) (int, error) {
	b.compact()
	if len(p) > len(b.buf)-b.wpos {
		return 0, ErrBufferFull
	}
	n := copy(b.buf[b.wpos:], p)
	b.wpos += n
	return n, nil
}

// Fill performs one non-blocking read from fd into the buffer.
//
// EINTR is retried transparently. EAGAIN is reported as (0, nil): no data
// now, not an error. A zero-byte read returns ErrClosed.
func (b *Buffer) Fill(fd int) (int, error) {
	b.compact()
	if b.wpos == len(b.buf) {
		return 0, ErrBufferFull
	}

	for {
		n, err := unix.Read(fd, b.buf[b.wpos:])
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("imsg read fd %d: %w", fd, err)
		case n == 0:
			return 0, ErrClosed
		}
		b.wpos += n
		return n, nil
	}
}

// ReadFrom performs one blocking read from r into the buffer. A zero-byte
// read or io.EOF returns ErrClosed.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	b.compact()
	if b.wpos == len(b.buf) {
		return 0, ErrBufferFull
	}

	n, err := r.Read(b.buf[b.wpos:])
	b.wpos += n
	if errors.Is(err, io.EOF) || (n == 0 && err == nil) {
		return int64(n), ErrClosed
	}
	if err != nil {
		return int64(n), fmt.Errorf("imsg read: %w", err)
	}
	return int64(n), nil
}

// Next extracts the next complete frame.
//
// It returns ok=false and leaves the buffer untouched when header or
// payload are still incomplete. A header with an impossible length is a
// decode error; the stream is unusable afterwards.
func (b *Buffer) Next() (Frame, bool, error) {
	avail := b.wpos - b.rpos
	if avail < HeaderSize {
		return Frame{}, false, nil
	}

	hdr := parseHeader(b.buf[b.rpos : b.rpos+HeaderSize])
	if hdr.Len < HeaderSize || hdr.Len > MaxSize {
		return Frame{}, false, fmt.Errorf("header len %d: %w", hdr.Len, ErrBadLength)
	}
	if avail < int(hdr.Len) {
		return Frame{}, false, nil
	}

	var data []byte
	if n := hdr.PayloadLen(); n > 0 {
		data = make([]byte, n)
		copy(data, b.buf[b.rpos+HeaderSize:b.rpos+int(hdr.Len)])
	}
	b.rpos += int(hdr.Len)

	return Frame{Header: hdr, Data: data}, true, nil
}

// compact moves unconsumed bytes to the start of the buffer.
func (b *Buffer) compact() {
	if b.rpos == 0 {
		return
	}
	n := copy(b.buf[:], b.buf[b.rpos:b.wpos])
	b.rpos = 0
	b.wpos = n
}

// -------------------------------------------------------------------------
// Queue: outbound FIFO of encoded frames
// -------------------------------------------------------------------------

// Queue is an ordered queue of encoded frames awaiting transmission.
// Frames leave the queue in the order they were appended.
type Queue struct {
	frames [][]byte
	off    int // bytes of frames[0] already written
	queued int // total unwritten bytes
}

// Push appends the encoded form of f.
func (q *Queue) Push(f Frame) {
	buf := f.Marshal()
	q.frames = append(q.frames, buf)
	q.queued += len(buf)
}

// Queued returns the number of bytes waiting to be written.
func (q *Queue) Queued() int {
	return q.queued
}

// Len returns the number of frames (complete or partially written) queued.
func (q *Queue) Len() int {
	return len(q.frames)
}

// Clear discards everything queued.
func (q *Queue) Clear() {
	q.frames = nil
	q.off = 0
	q.queued = 0
}

// Flush writes queued bytes to the non-blocking fd until the queue is
// empty, the socket would block, or budget bytes have been written.
// budget <= 0 means unbounded. EAGAIN is not an error.
func (q *Queue) Flush(fd, budget int) (int, error) {
	written := 0
	for len(q.frames) > 0 {
		if budget > 0 && written >= budget {
			break
		}

		head := q.frames[0][q.off:]
		if budget > 0 && len(head) > budget-written {
			head = head[:budget-written]
		}

		n, err := unix.Write(fd, head)
		if n > 0 {
			written += n
			q.consume(n)
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return written, nil
		case err != nil:
			return written, fmt.Errorf("imsg write fd %d: %w", fd, err)
		}
	}
	return written, nil
}

// WriteTo writes every queued frame to w and empties the queue.
func (q *Queue) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for len(q.frames) > 0 {
		n, err := w.Write(q.frames[0][q.off:])
		total += int64(n)
		q.consume(n)
		if err != nil {
			return total, fmt.Errorf("imsg write: %w", err)
		}
	}
	return total, nil
}

// consume drops n written bytes from the head of the queue.
func (q *Queue) consume(n int) {
	q.queued -= n
	for n > 0 && len(q.frames) > 0 {
		rest := len(q.frames[0]) - q.off
		if n < rest {
			q.off += n
			return
		}
		n -= rest
		q.frames[0] = nil
		q.frames = q.frames[1:]
		q.off = 0
	}
}
