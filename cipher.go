package brontide

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MaxMessageSize is the largest plaintext a single record can carry.
	MaxMessageSize = math.MaxUint16

	// keyRotationInterval is the number of AEAD operations after which a
	// direction's key is ratcheted forward.
	keyRotationInterval = 1000

	macSize = 16

	lengthHeaderSize = 2

	// encHeaderSize is the size of an encrypted length prefix.
	encHeaderSize = lengthHeaderSize + macSize
)

// deriveKeys runs HKDF-SHA256 with salt and ikm and returns the first two
// 32-byte blocks of output.
func deriveKeys(salt, ikm []byte) (first, second [32]byte) {
	h := hkdf.New(sha256.New, ikm, salt, nil)
	// HKDF-SHA256 can emit up to 8160 bytes; 64 never fails.
	_, _ = io.ReadFull(h, first[:])
	_, _ = io.ReadFull(h, second[:])
	return first, second
}

// cipherState is one direction of ChaCha20-Poly1305 with a 64-bit nonce
// counter. salt is the chaining key used to ratchet secretKey.
type cipherState struct {
	nonce     uint64
	secretKey [32]byte
	salt      [32]byte
	aead      cipher.AEAD
}

func (c *cipherState) initKey(key [32]byte) {
	c.secretKey = key
	c.nonce = 0
	// chacha20poly1305.New only rejects keys of the wrong length.
	c.aead, _ = chacha20poly1305.New(c.secretKey[:])
}

func (c *cipherState) initKeyWithSalt(salt, key [32]byte) {
	c.salt = salt
	c.initKey(key)
}

func (c *cipherState) nonceBytes() []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], c.nonce)
	return nonce[:]
}

// encrypt seals plaintext, appending to dst, and advances the nonce.
func (c *cipherState) encrypt(ad, dst, plaintext []byte) []byte {
	out := c.aead.Seal(dst, c.nonceBytes(), plaintext, ad)
	c.advance()
	return out
}

// decrypt opens ciphertext, appending to dst. The nonce only advances on
// success; a failed open leaves the state unusable for the caller anyway.
func (c *cipherState) decrypt(ad, dst, ciphertext []byte) ([]byte, error) {
	out, err := c.aead.Open(dst, c.nonceBytes(), ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	c.advance()
	return out, nil
}

func (c *cipherState) advance() {
	c.nonce++
	if c.nonce == keyRotationInterval {
		c.rotateKey()
	}
}

// rotateKey sets (salt, key) = HKDF(salt, key) and resets the nonce.
func (c *cipherState) rotateKey() {
	salt, key := deriveKeys(c.salt[:], c.secretKey[:])
	c.initKeyWithSalt(salt, key)
}

// TransportState holds the post-handshake keys of a connection. It frames
// plaintexts into records of an encrypted 2-byte length followed by the
// encrypted body.
type TransportState struct {
	send cipherState
	recv cipherState
}

// NewTransportState builds a TransportState from the keys produced by a
// completed handshake. ck is the final chaining key; both directions start
// ratcheting from it.
func NewTransportState(sendKey, recvKey, ck [32]byte) *TransportState {
	t := &TransportState{}
	t.send.initKeyWithSalt(ck, sendKey)
	t.recv.initKeyWithSalt(ck, recvKey)
	return t
}

// EncryptRecord appends the framed and encrypted record for plaintext to dst.
func (t *TransportState) EncryptRecord(dst, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxMessageSize {
		return nil, ErrMaxMessageLengthExceeded
	}

	var length [lengthHeaderSize]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(plaintext)))

	dst = t.send.encrypt(nil, dst, length[:])
	return t.send.encrypt(nil, dst, plaintext), nil
}

// DecryptLength opens an encrypted length prefix and returns the body length.
func (t *TransportState) DecryptLength(header []byte) (uint16, error) {
	if len(header) != encHeaderSize {
		return 0, &DecryptionError{Part: "length", Err: io.ErrUnexpectedEOF}
	}
	length, err := t.recv.decrypt(nil, nil, header)
	if err != nil {
		return 0, &DecryptionError{Part: "length", Err: err}
	}
	return binary.BigEndian.Uint16(length), nil
}

// DecryptBody opens an encrypted record body, appending the plaintext to dst.
func (t *TransportState) DecryptBody(dst, body []byte) ([]byte, error) {
	out, err := t.recv.decrypt(nil, dst, body)
	if err != nil {
		return nil, &DecryptionError{Part: "body", Err: err}
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// SendNonce returns the next nonce of the sending direction.
func (t *TransportState) SendNonce() uint64 { return t.send.nonce }

// RecvNonce returns the next nonce of the receiving direction.
func (t *TransportState) RecvNonce() uint64 { return t.recv.nonce }
