package brontide

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWriteHighWaterMark is the number of queued outbound bytes after
	// which WriteMessage reports backpressure.
	DefaultWriteHighWaterMark = 64 * 1024

	// DefaultReadBufferSize is the size of a single socket read.
	DefaultReadBufferSize = 64 * 1024
)

// Config holds the tunables shared by Dial, NewConn and Listener. The zero
// value is usable.
type Config struct {
	// EphemeralKey produces the ephemeral key of each handshake. Nil
	// generates a fresh random key per connection.
	EphemeralKey EphemeralKeyFunc

	// HandshakeTimeout destroys connections whose handshake has not
	// completed in time. Zero disables the timeout.
	HandshakeTimeout time.Duration

	// DialTimeout bounds establishing the outbound TCP connection. Zero
	// leaves it to the context passed to Dial.
	DialTimeout time.Duration

	// Proxy is the host:port of a SOCKS5 proxy, such as Tor, used for
	// outbound connections.
	Proxy string

	// WriteHighWaterMark defaults to DefaultWriteHighWaterMark.
	WriteHighWaterMark int

	// ReadBufferSize defaults to DefaultReadBufferSize.
	ReadBufferSize int

	// Logger receives connection lifecycle entries. Nil discards them.
	Logger logrus.FieldLogger
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}()

// withDefaults validates c and returns a copy with defaults filled in.
func (c *Config) withDefaults() (*Config, error) {
	if err := ValidateConfig(c); err != nil {
		return nil, err
	}

	out := &Config{}
	if c != nil {
		*out = *c
	}
	if out.EphemeralKey == nil {
		out.EphemeralKey = GenerateKey
	}
	if out.WriteHighWaterMark == 0 {
		out.WriteHighWaterMark = DefaultWriteHighWaterMark
	}
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = DefaultReadBufferSize
	}
	if out.Logger == nil {
		out.Logger = discardLogger
	}
	return out, nil
}

func (c *Config) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.DialTimeout}
	if c.Proxy == "" {
		return dialer.DialContext(ctx, "tcp", address)
	}

	socks, err := proxy.SOCKS5("tcp", c.Proxy, nil, dialer)
	if err != nil {
		return nil, err
	}
	if cd, ok := socks.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", address)
	}
	return socks.Dial("tcp", address)
}

// Dial opens a TCP connection to host:port and starts the handshake as
// initiator against remotePub. It returns once the TCP connection is up;
// use WaitReady or Handler.OnReady to learn when the handshake finished.
func Dial(ctx context.Context, localStatic *secp256k1.PrivateKey, remotePub *secp256k1.PublicKey,
	host string, port int, config *Config, handler Handler) (*Conn, error) {

	if remotePub == nil {
		return nil, errors.New("dial requires the remote static key")
	}
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	ephemeral, err := config.EphemeralKey()
	if err != nil {
		return nil, err
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	raw, err := config.dial(ctx, address)
	if err != nil {
		config.Logger.WithFields(logrus.Fields{
			"address": address,
			"proxy":   config.Proxy,
		}).WithError(err).Warn("Dial failed")
		return nil, &TransportError{Op: "dial", Err: err}
	}

	c := newConn(raw, localStatic, remotePub, ephemeral, config)
	c.start(handler)
	return c, nil
}

// AcceptFunc is called for every inbound connection before its handshake
// starts and returns the Handler that will receive its signals.
type AcceptFunc func(c *Conn) Handler

// Listener accepts inbound connections and runs the responder side of the
// handshake on each, all sharing one static key.
type Listener struct {
	localStatic *secp256k1.PrivateKey
	config      *Config
	accept      AcceptFunc
	log         logrus.FieldLogger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[*Conn]struct{}
	maxConns int
	closed   bool

	group errgroup.Group
}

// NewListener creates a Listener. accept may be nil, in which case inbound
// messages are discarded.
func NewListener(localStatic *secp256k1.PrivateKey, config *Config, accept AcceptFunc) (*Listener, error) {
	if localStatic == nil {
		return nil, errors.New("listener requires a static key")
	}
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Listener{
		localStatic: localStatic,
		config:      config,
		accept:      accept,
		log: config.Logger.WithFields(logrus.Fields{
			"local_pub": EncodePublicKey(localStatic.PubKey()),
		}),
		conns: make(map[*Conn]struct{}),
	}, nil
}

// Listen binds host:port and starts accepting in the background. A port of
// 0 picks a free port; see Addr. backlog is accepted for API compatibility;
// Go always uses the operating system's default listen backlog.
func (l *Listener) Listen(host string, port int, backlog int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrListenerClosed
	}
	if l.ln != nil {
		return errors.New("listener already bound")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return &TransportError{Op: "listen", Err: err}
	}
	l.ln = ln

	l.log.WithFields(logrus.Fields{
		"address": ln.Addr().String(),
		"backlog": backlog,
	}).Info("Listening")

	l.group.Go(func() error { return l.serve(ln) })
	return nil
}

func (l *Listener) serve(ln net.Listener) error {
	var tempDelay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				l.log.WithError(err).Warnf("Accept error; retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			l.log.WithError(err).Error("Accept failed")
			return &TransportError{Op: "accept", Err: err}
		}
		tempDelay = 0
		l.handle(raw)
	}
}

func (l *Listener) handle(raw net.Conn) {
	log := l.log.WithField("remote_addr", raw.RemoteAddr().String())

	l.mu.Lock()
	full := l.maxConns > 0 && len(l.conns) >= l.maxConns
	l.mu.Unlock()
	if full {
		log.Warn("Rejecting connection: too many connections")
		raw.Close()
		return
	}

	ephemeral, err := l.config.EphemeralKey()
	if err != nil {
		log.WithError(err).Error("Failed to create ephemeral key")
		raw.Close()
		return
	}

	c := newConn(raw, l.localStatic, nil, ephemeral, l.config)
	var handler Handler
	if l.accept != nil {
		handler = l.accept(c)
	}

	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()

	l.group.Go(func() error {
		<-c.Done()
		l.mu.Lock()
		delete(l.conns, c)
		l.mu.Unlock()
		return nil
	})

	log.WithField("conn_id", c.ID()).Debug("Accepted connection")
	c.start(handler)
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting new connections. Established connections keep
// running; Wait blocks until they are gone. Close is idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.ln
	l.mu.Unlock()

	if ln == nil {
		return nil
	}
	l.log.Info("Listener closing")
	return ln.Close()
}

// Wait blocks until the accept loop has stopped and every connection it
// produced has closed. It returns the accept loop's error, if any.
func (l *Listener) Wait() error {
	return l.group.Wait()
}

// Shutdown closes the listener and waits for connections to drain. When ctx
// expires first, the remaining connections are destroyed with ctx's error.
func (l *Listener) Shutdown(ctx context.Context) error {
	if err := l.Close(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- l.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	l.mu.Lock()
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.Destroy(ctx.Err())
	}
	<-done
	return ctx.Err()
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ConnectionCount returns the number of live inbound connections.
func (l *Listener) ConnectionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// MaxConnections returns the connection limit; 0 means unlimited.
func (l *Listener) MaxConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxConns
}

// SetMaxConnections sets the connection limit. Sockets accepted while the
// limit is reached are closed before any handshake byte is exchanged.
// n <= 0 removes the limit.
func (l *Listener) SetMaxConnections(n int) {
	if n < 0 {
		n = 0
	}
	l.mu.Lock()
	l.maxConns = n
	l.mu.Unlock()
}
