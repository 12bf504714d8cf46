// Package transport owns the TCP connection to a query server and frames it
// into lines. It knows nothing about protocol semantics beyond the line
// terminator and the connect-time banner skip.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrConnect wraps a failed TCP connect or handshake. It is fatal to
	// the connect attempt only.
	ErrConnect = errors.New("failed to connect to query server")

	// ErrTransport wraps a read or write failure on an established
	// connection.
	ErrTransport = errors.New("transport failure on query connection")
)

// Conn is one established line connection. WriteLine and ReadLine may be
// used from different goroutines; two concurrent writers need external
// locking.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	log *zap.Logger
}

// Dial connects to the configured server, consumes the fixed banner lines,
// and returns a usable connection.
func Dial(options Options) (*Conn, error) {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	addr := net.JoinHostPort(options.Host, strconv.Itoa(options.Port))

	conn, err := net.DialTimeout("tcp", addr, options.dialTimeout())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, addr, err)
	}

	c := &Conn{
		conn: conn,
		r:    bufio.NewReader(conn),
		log:  log,
	}

	// The server greets every connection with a fixed number of banner
	// lines before it will answer commands.
	for i := 0; i < options.bannerLines(); i++ {
		banner, err := c.ReadLine()
		if err != nil {
			c.conn.Close()
			return nil, fmt.Errorf("%w: reading banner line %d: %v", ErrConnect, i, err)
		}

		log.Debug("Discarded banner line", zap.Int("line", i), zap.String("banner", banner))
	}

	return c, nil
}

// WriteLine appends the line terminator and writes the whole line in a
// single unbuffered write. The server must see one full command per write,
// so nothing here is allowed to delay delivery.
func (c *Conn) WriteLine(line string) error {
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}

	return nil
}

// ReadLine blocks until the next line arrives and returns it without its
// terminator. A clean stream end returns io.EOF; anything else is a
// transport failure.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}

		return "", fmt.Errorf("%w: read: %v", ErrTransport, err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
