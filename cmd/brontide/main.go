// Command brontide runs Lightning peer transport connections from the shell:
// it manages a node key, runs an echo server and pings remote nodes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fxpool/brontide"
	"github.com/ogier/pflag"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: brontide COMMAND [OPTION]... [ARG]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "    keygen                      print the node public key, creating the key file if needed")
	fmt.Fprintln(os.Stderr, "    listen                      run an echo server")
	fmt.Fprintln(os.Stderr, "    ping PUBKEY@HOST:PORT       send messages to a node and check the echoes")
	fmt.Fprintln(os.Stderr, "Long options take their value as --name=value, short options as -x value.")
	fmt.Fprintln(os.Stderr, "Example: brontide listen --config=brontide.toml")
	fmt.Fprintln(os.Stderr, "Run 'brontide COMMAND --help' for the options of a command.")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1], os.Args[2:], os.Stdout)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "brontide:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, out io.Writer) error {
	opts, rest, err := parseOptions(command, args)
	if err != nil {
		return err
	}
	logger, err := opts.logger()
	if err != nil {
		return err
	}

	switch command {
	case "keygen":
		return keygen(opts, out)
	case "listen":
		return listen(ctx, opts, logger, nil)
	case "ping":
		if len(rest) != 1 {
			return errors.New("ping needs exactly one PUBKEY@HOST:PORT argument")
		}
		return ping(ctx, opts, logger, rest[0], out)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func keygen(opts options, out io.Writer) error {
	key, err := brontide.LoadOrCreateKeyFile(opts.keyFile)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, brontide.EncodePublicKey(key.PubKey()))
	return nil
}

// listen runs an echo server until ctx is done. bound, if not nil, receives
// the listening address.
func listen(ctx context.Context, opts options, logger *logrus.Logger, bound func(net.Addr)) error {
	key, err := brontide.LoadOrCreateKeyFile(opts.keyFile)
	if err != nil {
		return err
	}
	host, portStr, err := net.SplitHostPort(opts.listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", opts.listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}

	listener, err := brontide.NewListener(key, opts.connConfig(logger), func(c *brontide.Conn) brontide.Handler {
		return brontide.HandlerFuncs{
			Ready: func(c *brontide.Conn) {
				logger.WithFields(logrus.Fields{
					"conn_id": c.ID(),
					"peer":    brontide.EncodePublicKey(c.RemotePub()),
				}).Info("Peer connected")
			},
			Message: func(c *brontide.Conn, msg []byte) bool {
				if _, err := c.WriteMessage(msg); err != nil {
					c.Destroy(err)
				}
				return true
			},
		}
	})
	if err != nil {
		return err
	}
	listener.SetMaxConnections(opts.maxConns)
	if err := listener.Listen(host, port, 0); err != nil {
		return err
	}

	logger.WithField("address", fmt.Sprintf("%s@%s", brontide.EncodePublicKey(key.PubKey()),
		listener.Addr())).Info("Echo server ready")
	if bound != nil {
		bound(listener.Addr())
	}

	var g errgroup.Group
	g.Go(listener.Wait)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := listener.Shutdown(shutdownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Connections did not drain in time")
			return nil
		}
		return err
	})
	return g.Wait()
}

func ping(ctx context.Context, opts options, logger *logrus.Logger, target string, out io.Writer) error {
	key, err := brontide.LoadOrCreateKeyFile(opts.keyFile)
	if err != nil {
		return err
	}
	pub, host, port, err := brontide.ParseNodeAddress(target)
	if err != nil {
		return err
	}

	inbox := brontide.NewInbox(1)
	conn, err := brontide.Dial(ctx, key, pub, host, port, opts.connConfig(logger), inbox)
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.WaitReady(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "handshake with %s took %v\n", target, time.Since(start))

	for i := 0; i < opts.count; i++ {
		msg := []byte(fmt.Sprintf("ping %d", i))
		start := time.Now()
		if _, err := conn.WriteMessage(msg); err != nil {
			return err
		}
		reply, err := inbox.Next(ctx)
		if err != nil {
			return err
		}
		if string(reply) != string(msg) {
			return fmt.Errorf("echo mismatch: sent %q, got %q", msg, reply)
		}
		fmt.Fprintf(out, "%d bytes from %s: seq=%d time=%v\n", len(reply), host, i, time.Since(start))
	}

	conn.End()
	select {
	case <-conn.Done():
		return conn.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
