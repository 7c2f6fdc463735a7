package brontide

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler receives the lifecycle signals of a Conn. All methods are called
// from the connection's read goroutine, one at a time and in order:
// OnReady, any number of OnMessage, optionally OnEnd, optionally OnError,
// and finally OnClose.
type Handler interface {
	// OnReady is called once the handshake has completed.
	OnReady(c *Conn)

	// OnMessage delivers one decrypted record. Returning false means the
	// handler cannot take more; no further record is decrypted until
	// c.Resume is called. msg is owned by the handler.
	OnMessage(c *Conn, msg []byte) bool

	// OnError reports the fatal error that is tearing the connection down.
	OnError(c *Conn, err error)

	// OnEnd is called when the peer has finished sending.
	OnEnd(c *Conn)

	// OnClose is called exactly once when the connection is gone. err is
	// nil for an orderly close.
	OnClose(c *Conn, err error)
}

// HandlerFuncs adapts plain functions to a Handler. Nil fields are no-ops
// and a nil Message accepts every record.
type HandlerFuncs struct {
	Ready   func(c *Conn)
	Message func(c *Conn, msg []byte) bool
	Error   func(c *Conn, err error)
	End     func(c *Conn)
	Close   func(c *Conn, err error)
}

// OnReady implements Handler.
func (h HandlerFuncs) OnReady(c *Conn) {
	if h.Ready != nil {
		h.Ready(c)
	}
}

// OnMessage implements Handler.
func (h HandlerFuncs) OnMessage(c *Conn, msg []byte) bool {
	if h.Message != nil {
		return h.Message(c, msg)
	}
	return true
}

// OnError implements Handler.
func (h HandlerFuncs) OnError(c *Conn, err error) {
	if h.Error != nil {
		h.Error(c, err)
	}
}

// OnEnd implements Handler.
func (h HandlerFuncs) OnEnd(c *Conn) {
	if h.End != nil {
		h.End(c)
	}
}

// OnClose implements Handler.
func (h HandlerFuncs) OnClose(c *Conn, err error) {
	if h.Close != nil {
		h.Close(c, err)
	}
}

// Conn is an encrypted, authenticated connection to a peer. It owns the
// underlying byte stream, drives the handshake and then frames records.
//
// A single read goroutine pumps the state machine, so inbound handshake acts
// and records are processed strictly in arrival order. Outbound records are
// queued and written by a second goroutine.
type Conn struct {
	id        string
	conn      net.Conn
	initiator bool
	log       logrus.FieldLogger
	handler   Handler

	highWater int
	readSize  int
	timer     *time.Timer

	mu              sync.Mutex
	machine         *Machine
	queue           [][]byte
	queued          int
	drained         chan struct{}
	ended           bool
	closed          bool
	err             error
	resumeRequested bool

	writeSignal chan struct{}
	resumeCh    chan struct{}
	ready       chan struct{}
	readyOnce   sync.Once
	closing     chan struct{}
	closingOnce sync.Once
	writerDone  chan struct{}
	done        chan struct{}
}

// NewConn wraps an already connected stream. A non-nil remotePub makes this
// side the initiator, which sends act one immediately. Signals are delivered
// to handler; a nil handler accepts and discards every message.
func NewConn(raw net.Conn, localStatic *secp256k1.PrivateKey, remotePub *secp256k1.PublicKey,
	config *Config, handler Handler) (*Conn, error) {

	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	ephemeral, err := config.EphemeralKey()
	if err != nil {
		return nil, err
	}

	c := newConn(raw, localStatic, remotePub, ephemeral, config)
	c.start(handler)
	return c, nil
}

func newConn(raw net.Conn, localStatic *secp256k1.PrivateKey, remotePub *secp256k1.PublicKey,
	ephemeral *secp256k1.PrivateKey, config *Config) *Conn {

	c := &Conn{
		id:          uuid.New().String(),
		conn:        raw,
		initiator:   remotePub != nil,
		highWater:   config.WriteHighWaterMark,
		readSize:    config.ReadBufferSize,
		machine:     NewMachine(localStatic, remotePub, ephemeral),
		writeSignal: make(chan struct{}, 1),
		resumeCh:    make(chan struct{}, 1),
		ready:       make(chan struct{}),
		closing:     make(chan struct{}),
		writerDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}

	role := "responder"
	if c.initiator {
		role = "initiator"
	}
	c.log = config.Logger.WithFields(logrus.Fields{
		"conn_id":     c.id,
		"role":        role,
		"remote_addr": raw.RemoteAddr().String(),
	})

	if config.HandshakeTimeout > 0 {
		c.timer = time.AfterFunc(config.HandshakeTimeout, c.handshakeExpired)
	}
	return c
}

func (c *Conn) start(handler Handler) {
	if handler == nil {
		handler = HandlerFuncs{}
	}
	c.handler = handler

	go c.writeLoop()
	go c.readLoop()
}

// ID returns a unique identifier used in log entries.
func (c *Conn) ID() string { return c.id }

// Initiator reports whether this side opened the connection.
func (c *Conn) Initiator() bool { return c.initiator }

// RemotePub returns the peer's static key. For a responder it is nil until
// the handshake has completed.
func (c *Conn) RemotePub() *secp256k1.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.RemoteStatic()
}

// State returns a snapshot of the connection's state machine.
func (c *Conn) State() (HandshakeFsmState, ReadFsmState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.HandshakeState(), c.machine.ReadState()
}

// Ready is closed once the handshake completes.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Done is closed after OnClose has returned.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error the connection was closed with.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WaitReady blocks until the handshake completes, the connection dies or
// ctx is done.
func (c *Conn) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// WriteMessage encrypts msg and queues it for sending. accepted is false
// once the queued bytes exceed the write high-water mark; the message is
// still queued, but callers should wait for WaitDrain before writing more.
func (c *Conn) WriteMessage(msg []byte) (accepted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.ended {
		return false, ErrConnClosed
	}
	record, err := c.machine.Encrypt(msg)
	if err != nil {
		return false, err
	}
	c.enqueueLocked(record)
	return c.queued < c.highWater, nil
}

// WaitDrain blocks until every queued record has been written.
func (c *Conn) WaitDrain(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	drained := c.drained
	c.mu.Unlock()

	if drained == nil {
		return nil
	}
	select {
	case <-drained:
		return nil
	case <-c.closing:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume lets a connection blocked by a handler refusing a message continue
// decrypting. Delivery restarts on the read goroutine, never inside Resume.
func (c *Conn) Resume() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if !c.machine.Resume() {
		// The handler may still be inside OnMessage; make sure its refusal
		// does not block.
		c.resumeRequested = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// End half-closes the connection: queued records are flushed, then the
// write side is shut down. Inbound records keep arriving until the peer
// closes. Calling End more than once is a no-op.
func (c *Conn) End() {
	c.mu.Lock()
	if c.closed || c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	c.log.Debug("Ending connection")
	c.signalWriter()
}

// Destroy aborts the connection immediately, discarding queued records.
// A non-nil err is reported to OnError. Calling Destroy more than once is a
// no-op.
func (c *Conn) Destroy(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.queue = nil
	c.mu.Unlock()

	c.shutdown()
}

// Close destroys the connection without an error.
func (c *Conn) Close() error {
	c.Destroy(nil)
	return nil
}

func (c *Conn) handshakeExpired() {
	select {
	case <-c.ready:
	default:
		c.log.Warn("Handshake timed out")
		c.Destroy(ErrHandshakeTimeout)
	}
}

func (c *Conn) shutdown() {
	c.closingOnce.Do(func() {
		close(c.closing)
		c.conn.Close()
	})
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Conn) blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.HandshakeState() == Ready && c.machine.ReadState() == Blocked
}

func (c *Conn) signalWriter() {
	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

// enqueueLocked must be called with c.mu held.
func (c *Conn) enqueueLocked(b []byte) {
	if c.closed {
		return
	}
	c.queue = append(c.queue, b)
	c.queued += len(b)
	if c.drained == nil {
		c.drained = make(chan struct{})
	}
	c.signalWriter()
}

func (c *Conn) readLoop() {
	c.finish(c.run())
}

// run is the connection's pump. It returns nil when the connection was
// destroyed or closed in an orderly way.
func (c *Conn) run() error {
	c.mu.Lock()
	actOne, err := c.machine.Start()
	if err == nil && actOne != nil {
		c.enqueueLocked(actOne)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if actOne != nil {
		c.log.Debug("Sent act one")
	}

	buf := make([]byte, c.readSize)
	eof := false
	for {
		if err := c.pump(); err != nil {
			return err
		}
		if c.isClosing() {
			return nil
		}
		if c.blocked() {
			select {
			case <-c.resumeCh:
			case <-c.closing:
				return nil
			}
			continue
		}
		if eof {
			return c.endOfStream()
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.machine.Push(buf[:n])
			c.mu.Unlock()
		}
		if err != nil {
			if c.isClosing() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				eof = true
				continue
			}
			return &TransportError{Op: "read", Err: err}
		}
	}
}

// pump polls the state machine until it needs more bytes.
func (c *Conn) pump() error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		ev, err := c.machine.Poll()
		if err == nil && ev.Kind == EventSend {
			c.enqueueLocked(ev.Data)
		}
		c.mu.Unlock()
		if err != nil {
			return err
		}

		switch ev.Kind {
		case EventNone:
			return nil
		case EventSend:
			c.log.WithField("bytes", len(ev.Data)).Debug("Queued handshake act")
		case EventReady:
			c.becomeReady()
		case EventMessage:
			c.deliver(ev.Data)
		}
	}
}

func (c *Conn) becomeReady() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.readyOnce.Do(func() { close(c.ready) })
	c.log.WithField("remote_pub", EncodePublicKey(c.RemotePub())).Info("Handshake complete")
	c.handler.OnReady(c)
}

func (c *Conn) deliver(msg []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.resumeRequested = false
	c.mu.Unlock()

	if c.handler.OnMessage(c, msg) {
		return
	}

	c.mu.Lock()
	if c.resumeRequested {
		c.resumeRequested = false
	} else {
		c.machine.Block()
	}
	c.mu.Unlock()
}

// endOfStream handles the peer closing its write side after every buffered
// record was delivered.
func (c *Conn) endOfStream() error {
	c.mu.Lock()
	ready := c.machine.HandshakeState() == Ready
	partial := c.machine.Buffered() > 0 || c.machine.ReadState() == AwaitingBody
	c.mu.Unlock()

	if !ready || partial {
		return &TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
	}

	c.log.Debug("Peer ended connection")
	c.handler.OnEnd(c)

	// Half-open connections are not kept: once the peer is done, finish
	// writing and close.
	c.End()
	select {
	case <-c.writerDone:
	case <-c.closing:
	}
	return nil
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		ended := c.ended
		c.mu.Unlock()

		if c.isClosing() {
			return
		}
		if len(batch) == 0 {
			if ended {
				c.closeWrite()
				return
			}
			select {
			case <-c.writeSignal:
				continue
			case <-c.closing:
				return
			}
		}

		bufs := net.Buffers(batch)
		n, err := bufs.WriteTo(c.conn)
		if err != nil {
			if !c.isClosing() {
				c.Destroy(&TransportError{Op: "write", Err: err})
			}
			return
		}

		c.mu.Lock()
		c.queued -= int(n)
		if len(c.queue) == 0 && c.drained != nil {
			close(c.drained)
			c.drained = nil
		}
		c.mu.Unlock()
	}
}

// closeWrite shuts down the write side of the stream. Streams without
// half-close support are closed outright.
func (c *Conn) closeWrite() {
	if hc, ok := c.conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err != nil {
			c.log.WithError(err).Debug("CloseWrite failed")
		}
		return
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.shutdown()
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	if c.closed {
		err = c.err
	} else {
		c.closed = true
		c.err = err
	}
	c.queue = nil
	c.mu.Unlock()

	c.shutdown()
	<-c.writerDone
	if c.timer != nil {
		c.timer.Stop()
	}

	if err != nil {
		c.log.WithError(err).Warn("Connection failed")
		c.handler.OnError(c, err)
	} else {
		c.log.Debug("Connection closed")
	}
	c.handler.OnClose(c, err)
	close(c.done)
}
