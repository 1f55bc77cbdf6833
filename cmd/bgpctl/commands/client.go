package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dantte-lp/bgpctld/internal/imsg"
)

// Sentinel errors for control socket exchanges.
var (
	// errRequestFailed is returned when the daemon answers with a non-OK result.
	errRequestFailed = errors.New("request failed")

	// errUnexpectedFrame is returned for a reply type the command does not handle.
	errUnexpectedFrame = errors.New("unexpected reply")
)

// ctlClient speaks the framed control protocol over a unix stream socket.
type ctlClient struct {
	conn net.Conn
	pid  uint32
	in   imsg.Buffer
}

// dial connects to the control socket at path. The context deadline, if
// any, bounds the whole exchange.
func dial(ctx context.Context, path string) (*ctlClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	return &ctlClient{
		conn: conn,
		pid:  uint32(os.Getpid()), //nolint:gosec // Process ids are positive and fit in 32 bits.
	}, nil
}

// Close closes the connection.
func (c *ctlClient) Close() error {
	return c.conn.Close()
}

// send writes one request frame tagged with the client pid.
func (c *ctlClient) send(t imsg.Type, data []byte) error {
	var q imsg.Queue
	q.Push(imsg.Compose(t, 0, c.pid, data))
	if _, err := q.WriteTo(c.conn); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// next blocks until one complete reply frame is available.
func (c *ctlClient) next() (imsg.Frame, error) {
	for {
		f, ok, err := c.in.Next()
		if err != nil {
			return imsg.Frame{}, fmt.Errorf("decode reply: %w", err)
		}
		if ok {
			return f, nil
		}
		if _, err := c.in.ReadFrom(c.conn); err != nil {
			return imsg.Frame{}, fmt.Errorf("read reply: %w", err)
		}
	}
}

// collect passes every reply frame to fn until the end marker. A result
// frame also ends the reply: OK is success, any other code an error.
func (c *ctlClient) collect(fn func(imsg.Frame) error) error {
	for {
		f, err := c.next()
		if err != nil {
			return err
		}

		switch f.Type {
		case imsg.TypeEnd:
			return nil
		case imsg.TypeResult:
			return resultErr(f)
		default:
			if err := fn(f); err != nil {
				return err
			}
		}
	}
}

// result waits for the result frame answering a command.
func (c *ctlClient) result() error {
	return c.collect(func(f imsg.Frame) error {
		return fmt.Errorf("%w: %s", errUnexpectedFrame, f.Type)
	})
}

// refusal waits until deadline for a result and reports a non-OK one.
func (c *ctlClient) refusal(deadline time.Time) error {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}

	err := c.result()
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, imsg.ErrClosed) {
		return nil
	}
	return err
}

// resultErr converts a result frame into nil or an error.
func resultErr(f imsg.Frame) error {
	code, err := f.Result()
	if err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	if code != imsg.ResultOK {
		return fmt.Errorf("%w: %s", errRequestFailed, code.Message())
	}
	return nil
}

// -------------------------------------------------------------------------
// Exchange helpers
// -------------------------------------------------------------------------

// withClient dials the configured socket, runs fn and closes the
// connection.
func withClient(fn func(c *ctlClient) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c, err := dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(c)
}

// command sends a request answered by a single result.
func command(t imsg.Type, data []byte) error {
	return withClient(func(c *ctlClient) error {
		if err := c.send(t, data); err != nil {
			return err
		}
		return c.result()
	})
}

// notify sends a request the daemon only answers when it refuses it, as
// a restricted socket does. Silence for refusalWait, or the daemon closing
// the connection, means the request was taken.
func notify(t imsg.Type, data []byte) error {
	return withClient(func(c *ctlClient) error {
		if err := c.send(t, data); err != nil {
			return err
		}
		return c.refusal(time.Now().Add(refusalWait))
	})
}

// query sends a streaming request and passes every reply to fn.
func query(t imsg.Type, data []byte, fn func(imsg.Frame) error) error {
	return withClient(func(c *ctlClient) error {
		if err := c.send(t, data); err != nil {
			return err
		}
		return c.collect(fn)
	})
}
