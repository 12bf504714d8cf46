// Package client turns the line protocol into a synchronous Send interface
// usable by any number of concurrent callers.
//
// The protocol carries no request identifiers; the server answers commands
// strictly in the order it received them. Correlation therefore relies on a
// FIFO queue of pending requests: enqueue-and-write is one critical
// section, dequeue-and-deliver another, and the next inbound response
// always belongs to the head of the queue. A response that arrives with an
// empty queue means that invariant broke and the connection is torn down
// rather than guessing.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rismo/queryline/internal/env"
	"github.com/rismo/queryline/internal/meta"
	"github.com/rismo/queryline/protocol"
	"github.com/rismo/queryline/transport"
)

const (
	// NotificationBufferSize bounds the unsolicited event channel. The
	// read loop never blocks on a slow subscriber; overflow is dropped.
	NotificationBufferSize = 255

	// quitCommand is written, best effort, before closing the socket.
	quitCommand = "quit"
)

var (
	ErrNotConnected     = errors.New("not connected to a query server")
	ErrAlreadyConnected = errors.New("already connected to a query server")

	// ErrAborted is delivered to every pending request when the
	// connection dies before its response arrived.
	ErrAborted = errors.New("connection closed while the request was pending")

	// ErrDesync means a response arrived with no request pending. The
	// FIFO correlation is no longer trustworthy and the connection is
	// torn down; it is not locally recoverable.
	ErrDesync = errors.New("received a response with no pending request")
)

// Status is the connection lifecycle state of a Conn.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Conn is one client connection to a query server. Independent Conns do
// not interfere; there is no package level state.
//
// Any number of goroutines may call Send concurrently. Exactly one read
// loop goroutine per connection consumes the inbound stream.
type Conn struct {
	options transport.Options

	mu       sync.Mutex
	tr       *transport.Conn
	queue    []*pending
	status   Status
	closing  bool
	err      error
	loopDone chan struct{}

	notifications chan *protocol.Notification

	log *zap.Logger
}

func New(options transport.Options) *Conn {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Conn{
		options:       options,
		notifications: make(chan *protocol.Notification, NotificationBufferSize),
		log:           log,
	}
}

// NewFromEnv builds a Conn from process environment configuration
// (QUERYLINE_HOST, QUERYLINE_PORT, QUERYLINE_DEBUG_WIRE).
func NewFromEnv(ctx context.Context) (*Conn, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}

	log, err := env.MakeLogger(conf.DebugWire)
	if err != nil {
		return nil, err
	}

	return New(transport.Options{
		Host: conf.Host,
		Port: conf.Port,
		Log:  log,
	}), nil
}

// Connect dials the server, consumes its banner, and starts the read loop.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	tr, err := transport.Dial(c.options)
	if err != nil {
		c.mu.Lock()
		c.status = StatusDisconnected
		c.mu.Unlock()
		return err
	}

	loopDone := make(chan struct{})

	c.mu.Lock()
	c.tr = tr
	c.status = StatusConnected
	c.err = nil
	c.loopDone = loopDone
	c.mu.Unlock()

	go c.readLoop(tr, loopDone)

	c.log.Info("Connected to query server",
		zap.String("host", c.options.Host),
		zap.Int("port", c.options.Port),
		zap.String("clientVersion", meta.GetInfo().Version))

	return nil
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// Err returns the error that terminated the connection, if any. A clean
// Disconnect or server-side close leaves it nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Notifications returns the channel of unsolicited server events. It is
// decoupled from the request/response correlation path.
func (c *Conn) Notifications() <-chan *protocol.Notification {
	return c.notifications
}

// Send writes the command and blocks until its response arrives or the
// connection dies. Responses come back in exactly the order commands were
// sent; Send never blocks other callers from entering the queue.
func (c *Conn) Send(cmd *protocol.Command, shape protocol.Shape) (*protocol.Response, error) {
	return c.SendContext(context.Background(), cmd, shape)
}

// SendContext is Send with caller-side cancellation. An abandoned wait
// leaves its pending request in the queue: the server's answer is still
// coming, and removing the entry would desynchronise the FIFO against it.
// The late result lands in the pending's buffered slot and is discarded.
func (c *Conn) SendContext(ctx context.Context, cmd *protocol.Command, shape protocol.Shape) (*protocol.Response, error) {
	p := newPending(shape)

	// Enqueue and write under one lock so "in the queue" and "on the
	// wire" are atomic with respect to the read loop's FIFO view.
	c.mu.Lock()

	if c.status != StatusConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}

	c.queue = append(c.queue, p)

	if err := c.tr.WriteLine(cmd.Encode()); err != nil {
		// The command never made it onto the wire, so the entry can
		// come straight back off the tail. The connection is dead;
		// closing it wakes the read loop, which aborts the rest.
		c.queue = c.queue[:len(c.queue)-1]
		c.tr.Close()
		c.mu.Unlock()

		return nil, err
	}

	c.mu.Unlock()

	// The wait happens outside the lock, or the read loop could never
	// acquire it to deliver.
	select {
	case res := <-p.done:
		return res.resp, res.err

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect writes a polite quit, then closes the socket regardless of
// whether the quit made it out, and waits for the read loop to stop.
func (c *Conn) Disconnect() error {
	c.mu.Lock()

	if c.status != StatusConnected {
		c.mu.Unlock()
		return nil
	}

	c.closing = true

	// The quit goes through the queue like any other command so that an
	// ack racing the close cannot desynchronise correlation. Nobody
	// waits on it; the drain discards it.
	c.queue = append(c.queue, newPending(protocol.ShapeStatus))

	tr := c.tr
	loopDone := c.loopDone

	var err error
	err = multierr.Append(err, tr.WriteLine(quitCommand))
	c.mu.Unlock()

	err = multierr.Append(err, tr.Close())

	if loopDone != nil {
		<-loopDone
	}

	return err
}

// readLoop consumes the inbound stream for the lifetime of one connection.
// Notification lines dispatch immediately; everything else accumulates
// until the status trailer completes one logical response, which is then
// delivered to the head of the pending queue.
func (c *Conn) readLoop(tr *transport.Conn, done chan struct{}) {
	log := c.log.Named("readLoop")

	defer close(done)

	// Lines of the response currently being accumulated.
	var message []string

	for {
		line, err := tr.ReadLine()
		if err != nil {
			switch {
			case c.isClosing():
				log.Debug("Read loop stopping after Disconnect")
				c.stop(nil)
			case errors.Is(err, io.EOF):
				log.Info("Server closed the connection")
				c.stop(nil)
			default:
				log.Warn("Failed to read from query connection", zap.Error(err))
				c.stop(err)
			}

			return
		}

		if protocol.IsNotification(line) {
			c.dispatchNotification(log, line)
			continue
		}

		message = append(message, line)

		if !protocol.IsStatusLine(line) {
			continue
		}

		lines := message
		message = nil

		if err := c.dispatchResponse(lines); err != nil {
			log.Error("Query connection desynchronised, tearing it down",
				zap.Strings("response", lines),
				zap.Error(err))

			c.stop(err)
			return
		}
	}
}

// dispatchResponse decodes one completed response for the oldest pending
// request and unblocks its caller. Dequeue and deliver are one critical
// section.
func (c *Conn) dispatchResponse(lines []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return ErrDesync
	}

	p := c.queue[0]
	c.queue = c.queue[1:]

	resp, err := protocol.Decode(lines, p.shape)
	p.deliver(result{resp: resp, err: err})

	return nil
}

func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closing
}

func (c *Conn) dispatchNotification(log *zap.Logger, line string) {
	n, err := protocol.ParseNotification(line)
	if err != nil {
		log.Warn("Failed to parse notification", zap.String("line", line), zap.Error(err))
		return
	}

	select {
	case c.notifications <- n:
	default:
		log.Warn("Dropped notification, subscriber is not keeping up",
			zap.String("event", n.Event))
	}
}

// stop transitions the connection to Disconnected and drains the pending
// queue so no caller blocks forever. reason records why the connection
// died; nil for a clean close.
func (c *Conn) stop(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status = StatusDisconnected
	c.closing = false
	if c.err == nil {
		c.err = reason
	}

	if c.tr != nil {
		c.tr.Close()
		c.tr = nil
	}

	drained := c.queue
	c.queue = nil

	for _, p := range drained {
		p.deliver(result{err: ErrAborted})
	}
}
