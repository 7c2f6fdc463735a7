package example

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxpool/brontide"
	"github.com/sirupsen/logrus"
)

// echoServer starts a listener on a free loopback port that answers every
// message with prefix + message.
func echoServer(key *secp256k1.PrivateKey, config *brontide.Config, prefix string) (*brontide.Listener, int, error) {
	listener, err := brontide.NewListener(key, config, func(c *brontide.Conn) brontide.Handler {
		return brontide.HandlerFuncs{
			Message: func(c *brontide.Conn, msg []byte) bool {
				fmt.Printf("Server received: %s\n", msg)
				if _, err := c.WriteMessage(append([]byte(prefix), msg...)); err != nil {
					c.Destroy(err)
				}
				return true
			},
		}
	})
	if err != nil {
		return nil, 0, err
	}
	if err := listener.Listen("127.0.0.1", 0, 0); err != nil {
		return nil, 0, err
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}

// roundTrip sends msg and waits for the reply. The handshake must already
// be complete.
func roundTrip(ctx context.Context, conn *brontide.Conn, inbox *brontide.Inbox, msg string) (string, error) {
	if _, err := conn.WriteMessage([]byte(msg)); err != nil {
		return "", err
	}
	reply, err := inbox.Next(ctx)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// Example 1: Using fixed key pairs (both nodes use pre-generated keys)
func ExampleWithFixedKeys(ctx context.Context) error {
	fmt.Println("=== Example 1: Using Fixed Key Pairs ===")

	// Generate fixed key pairs (should be pre-generated and saved in real applications)
	serverKey, err := brontide.DecodePrivateKey("2121212121212121212121212121212121212121212121212121212121212121")
	if err != nil {
		return err
	}
	clientKey, err := brontide.DecodePrivateKey("1111111111111111111111111111111111111111111111111111111111111111")
	if err != nil {
		return err
	}

	listener, port, err := echoServer(serverKey, nil, "Fixed key server response: ")
	if err != nil {
		return err
	}
	defer listener.Close()
	fmt.Printf("Fixed key server %s listening on port %d\n",
		brontide.EncodePublicKey(serverKey.PubKey()), port)

	inbox := brontide.NewInbox(1)
	conn, err := brontide.Dial(ctx, clientKey, serverKey.PubKey(), "127.0.0.1", port, nil, inbox)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.WaitReady(ctx); err != nil {
		return err
	}

	reply, err := roundTrip(ctx, conn, inbox, "Hello from fixed key client")
	if err != nil {
		return err
	}
	fmt.Printf("Fixed key client received: %s\n", reply)
	return nil
}

// Example 2: Fresh node keys and the remote key learned from the handshake
func ExampleWithEphemeralKeys(ctx context.Context) error {
	fmt.Println("\n=== Example 2: Using Fresh Keys ===")

	serverKey, err := brontide.GenerateKey()
	if err != nil {
		return err
	}
	clientKey, err := brontide.GenerateKey()
	if err != nil {
		return err
	}

	peers := make(chan *secp256k1.PublicKey, 1)
	listener, err := brontide.NewListener(serverKey, nil, func(c *brontide.Conn) brontide.Handler {
		return brontide.HandlerFuncs{
			// The responder only learns who connected once act three arrives.
			Ready: func(c *brontide.Conn) { peers <- c.RemotePub() },
		}
	})
	if err != nil {
		return err
	}
	defer listener.Close()
	if err := listener.Listen("127.0.0.1", 0, 0); err != nil {
		return err
	}
	port := listener.Addr().(*net.TCPAddr).Port

	conn, err := brontide.Dial(ctx, clientKey, serverKey.PubKey(), "127.0.0.1", port, nil, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.WaitReady(ctx); err != nil {
		return err
	}

	select {
	case pub := <-peers:
		fmt.Printf("Server authenticated client: %s\n", brontide.EncodePublicKey(pub))
		if !pub.IsEqual(clientKey.PubKey()) {
			return fmt.Errorf("server saw %s, want %s",
				brontide.EncodePublicKey(pub), brontide.EncodePublicKey(clientKey.PubKey()))
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Example 3: Handshake failure when dialing the wrong node key
func ExampleWithWrongKey(ctx context.Context) error {
	fmt.Println("\n=== Example 3: Dialing the Wrong Key ===")

	serverKey, err := brontide.GenerateKey()
	if err != nil {
		return err
	}
	impostor, err := brontide.GenerateKey()
	if err != nil {
		return err
	}
	clientKey, err := brontide.GenerateKey()
	if err != nil {
		return err
	}

	listener, port, err := echoServer(serverKey, nil, "")
	if err != nil {
		return err
	}
	defer listener.Close()

	conn, err := brontide.Dial(ctx, clientKey, impostor.PubKey(), "127.0.0.1", port, nil, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.WaitReady(ctx)
	if err == nil {
		return fmt.Errorf("handshake with the wrong key succeeded")
	}
	fmt.Printf("Handshake rejected as expected: %v\n", err)
	return nil
}

// Example 4: Loading node keys from key files
func ExampleWithKeyFiles(ctx context.Context, dir string) error {
	fmt.Println("\n=== Example 4: Key File Usage ===")

	serverKey, err := brontide.LoadOrCreateKeyFile(filepath.Join(dir, "server.key"))
	if err != nil {
		return err
	}
	clientKey, err := brontide.LoadOrCreateKeyFile(filepath.Join(dir, "client.key"))
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(dir, "server.key"))
	if err != nil {
		return err
	}
	fmt.Printf("Server key file: %s", data)

	listener, port, err := echoServer(serverKey, nil, "Key file server response: ")
	if err != nil {
		return err
	}
	defer listener.Close()

	// Peers are usually given as pubkey@host:port.
	address := fmt.Sprintf("%s@127.0.0.1:%d", brontide.EncodePublicKey(serverKey.PubKey()), port)
	fmt.Printf("Dialing %s\n", address)
	pub, host, port, err := brontide.ParseNodeAddress(address)
	if err != nil {
		return err
	}

	inbox := brontide.NewInbox(1)
	conn, err := brontide.Dial(ctx, clientKey, pub, host, port, nil, inbox)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.WaitReady(ctx); err != nil {
		return err
	}

	reply, err := roundTrip(ctx, conn, inbox, "Hello from key file client")
	if err != nil {
		return err
	}
	fmt.Printf("Key file client received: %s\n", reply)
	return nil
}

// Example 5: Performance testing and concurrent connections
func ExamplePerformanceTest(ctx context.Context) error {
	fmt.Println("\n=== Example 5: Performance Test and Concurrency ===")

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	config := &brontide.Config{
		HandshakeTimeout: 5 * time.Second,
		Logger:           logger,
	}

	serverKey, err := brontide.GenerateKey()
	if err != nil {
		return err
	}
	listener, port, err := echoServer(serverKey, config, "")
	if err != nil {
		return err
	}
	defer listener.Close()

	const clients, messages = 3, 10
	errs := make(chan error, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			errs <- runClient(ctx, config, serverKey.PubKey(), port, clientID, messages)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func runClient(ctx context.Context, config *brontide.Config, serverPub *secp256k1.PublicKey,
	port, clientID, messages int) error {

	key, err := brontide.GenerateKey()
	if err != nil {
		return err
	}

	start := time.Now()
	inbox := brontide.NewInbox(1)
	conn, err := brontide.Dial(ctx, key, serverPub, "127.0.0.1", port, config, inbox)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.WaitReady(ctx); err != nil {
		return err
	}
	fmt.Printf("Client %d handshake time: %v\n", clientID, time.Since(start))

	for j := 0; j < messages; j++ {
		msg := fmt.Sprintf("Client %d message %d", clientID, j)
		reply, err := roundTrip(ctx, conn, inbox, msg)
		if err != nil {
			return err
		}
		if reply != msg {
			return fmt.Errorf("client %d: got %q, want %q", clientID, reply, msg)
		}
	}

	fmt.Printf("Client %d completed test\n", clientID)
	return nil
}
