// doc.go
// Package brontide provides the encrypted and mutually authenticated
// transport of the Lightning peer protocol (BOLT #8).
//
// Two nodes identified by long-term secp256k1 keys run a three act
// Noise_XK handshake (Noise_XK_secp256k1_ChaChaPoly_SHA256, prologue
// "lightning") and then exchange length-framed records encrypted with
// ChaCha20-Poly1305. Each direction ratchets its key with HKDF every 1000
// encryptions.
//
// Basic usage:
//
//	// Server side
//	key, _ := brontide.GenerateKey()
//	ln, _ := brontide.NewListener(key, nil, func(c *brontide.Conn) brontide.Handler {
//		return brontide.HandlerFuncs{Message: func(c *brontide.Conn, msg []byte) bool {
//			c.WriteMessage(msg)
//			return true
//		}}
//	})
//	ln.Listen("0.0.0.0", 9735, 0)
//
//	// Client side
//	inbox := brontide.NewInbox(16)
//	conn, _ := brontide.Dial(ctx, myKey, serverPub, "localhost", 9735, nil, inbox)
//	conn.WaitReady(ctx)
//	conn.WriteMessage([]byte("ping"))
//	reply, _ := inbox.Next(ctx)
//
// The pieces can also be used without sockets: HandshakeState produces and
// consumes the acts, TransportState frames records, and Machine combines
// both into a push/poll state machine.
//
// Every handshake, decryption or socket error is fatal for the connection.
// Nonces and the handshake hash only move forward, so a failed connection
// must be replaced by a new one with a new ephemeral key.
package brontide
