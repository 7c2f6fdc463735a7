package brontide

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	protocolName = "Noise_XK_secp256k1_ChaChaPoly_SHA256"
	prologue     = "lightning"

	// HandshakeVersion is the only version byte this implementation speaks.
	HandshakeVersion byte = 0

	// ActOneSize is version | ephemeral key | tag.
	ActOneSize = 1 + PubKeySize + macSize

	// ActTwoSize is version | ephemeral key | tag.
	ActTwoSize = 1 + PubKeySize + macSize

	// ActThreeSize is version | encrypted static key | tag | tag.
	ActThreeSize = 1 + PubKeySize + 2*macSize
)

// symmetricState carries the handshake digest h and chaining key ck. The
// embedded cipherState holds the current temporary key.
type symmetricState struct {
	cipherState

	chainingKey     [32]byte
	handshakeDigest [32]byte
}

func (s *symmetricState) initialize() {
	s.handshakeDigest = sha256.Sum256([]byte(protocolName))
	s.chainingKey = s.handshakeDigest
	s.mixHash([]byte(prologue))
}

// mixKey sets (ck, temp_k) = HKDF(ck, input) and rekeys the cipher with temp_k.
func (s *symmetricState) mixKey(input []byte) {
	ck, tempKey := deriveKeys(s.chainingKey[:], input)
	s.chainingKey = ck
	s.initKey(tempKey)
}

func (s *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(s.handshakeDigest[:])
	h.Write(data)
	copy(s.handshakeDigest[:], h.Sum(nil))
}

func (s *symmetricState) encryptAndHash(plaintext []byte) []byte {
	ciphertext := s.encrypt(s.handshakeDigest[:], nil, plaintext)
	s.mixHash(ciphertext)
	return ciphertext
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	plaintext, err := s.decrypt(s.handshakeDigest[:], nil, ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return plaintext, nil
}

// HandshakeState runs one side of the Noise_XK handshake. It performs no I/O:
// callers move the act byte arrays over the wire themselves. Any error leaves
// the state unusable.
type HandshakeState struct {
	symmetricState

	initiator bool

	localStatic    *secp256k1.PrivateKey
	localEphemeral *secp256k1.PrivateKey

	remoteStatic    *secp256k1.PublicKey
	remoteEphemeral *secp256k1.PublicKey

	transport *TransportState
}

// NewHandshakeState creates the handshake for one side. A non-nil
// remoteStatic makes this side the initiator.
func NewHandshakeState(localStatic *secp256k1.PrivateKey, remoteStatic *secp256k1.PublicKey,
	localEphemeral *secp256k1.PrivateKey) *HandshakeState {

	hs := &HandshakeState{
		initiator:      remoteStatic != nil,
		localStatic:    localStatic,
		localEphemeral: localEphemeral,
		remoteStatic:   remoteStatic,
	}
	hs.initialize()

	// The responder's static key is known to both sides before act one.
	if hs.initiator {
		hs.mixHash(remoteStatic.SerializeCompressed())
	} else {
		hs.mixHash(localStatic.PubKey().SerializeCompressed())
	}
	return hs
}

// Initiator reports whether this side started the handshake.
func (hs *HandshakeState) Initiator() bool { return hs.initiator }

// RemoteStatic returns the peer's static key, or nil for a responder that
// has not yet processed act three.
func (hs *HandshakeState) RemoteStatic() *secp256k1.PublicKey { return hs.remoteStatic }

// Transport returns the transport keys once the handshake has completed.
func (hs *HandshakeState) Transport() *TransportState { return hs.transport }

// GenActOne builds act one: e, es.
func (hs *HandshakeState) GenActOne() ([ActOneSize]byte, error) {
	var act [ActOneSize]byte
	if !hs.initiator {
		return act, errors.New("act one is sent by the initiator")
	}

	ephemeral := hs.localEphemeral.PubKey().SerializeCompressed()
	hs.mixHash(ephemeral)

	es := ecdh(hs.localEphemeral, hs.remoteStatic)
	hs.mixKey(es[:])

	tag := hs.encryptAndHash(nil)

	act[0] = HandshakeVersion
	copy(act[1:], ephemeral)
	copy(act[1+PubKeySize:], tag)
	return act, nil
}

// RecvActOne validates act one on the responder.
func (hs *HandshakeState) RecvActOne(act [ActOneSize]byte) error {
	if hs.initiator {
		return &HandshakeError{Act: 1, Err: errors.New("act one is received by the responder")}
	}
	if act[0] != HandshakeVersion {
		return &HandshakeError{Act: 1, Err: fmt.Errorf("%w: %d", ErrUnknownVersion, act[0])}
	}

	remoteEphemeral, err := secp256k1.ParsePubKey(act[1 : 1+PubKeySize])
	if err != nil {
		return &HandshakeError{Act: 1, Err: fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)}
	}
	hs.remoteEphemeral = remoteEphemeral
	hs.mixHash(act[1 : 1+PubKeySize])

	es := ecdh(hs.localStatic, remoteEphemeral)
	hs.mixKey(es[:])

	if _, err := hs.decryptAndHash(act[1+PubKeySize:]); err != nil {
		return &HandshakeError{Act: 1, Err: err}
	}
	return nil
}

// GenActTwo builds act two on the responder: e, ee.
func (hs *HandshakeState) GenActTwo() ([ActTwoSize]byte, error) {
	var act [ActTwoSize]byte
	if hs.initiator {
		return act, errors.New("act two is sent by the responder")
	}
	if hs.remoteEphemeral == nil {
		return act, errors.New("act two requires a processed act one")
	}

	ephemeral := hs.localEphemeral.PubKey().SerializeCompressed()
	hs.mixHash(ephemeral)

	ee := ecdh(hs.localEphemeral, hs.remoteEphemeral)
	hs.mixKey(ee[:])

	tag := hs.encryptAndHash(nil)

	act[0] = HandshakeVersion
	copy(act[1:], ephemeral)
	copy(act[1+PubKeySize:], tag)
	return act, nil
}

// RecvActTwo validates act two on the initiator.
func (hs *HandshakeState) RecvActTwo(act [ActTwoSize]byte) error {
	if !hs.initiator {
		return &HandshakeError{Act: 2, Err: errors.New("act two is received by the initiator")}
	}
	if act[0] != HandshakeVersion {
		return &HandshakeError{Act: 2, Err: fmt.Errorf("%w: %d", ErrUnknownVersion, act[0])}
	}

	remoteEphemeral, err := secp256k1.ParsePubKey(act[1 : 1+PubKeySize])
	if err != nil {
		return &HandshakeError{Act: 2, Err: fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)}
	}
	hs.remoteEphemeral = remoteEphemeral
	hs.mixHash(act[1 : 1+PubKeySize])

	ee := ecdh(hs.localEphemeral, remoteEphemeral)
	hs.mixKey(ee[:])

	if _, err := hs.decryptAndHash(act[1+PubKeySize:]); err != nil {
		return &HandshakeError{Act: 2, Err: err}
	}
	return nil
}

// GenActThree builds act three on the initiator: s, se. On return the
// handshake is complete and Transport is available.
func (hs *HandshakeState) GenActThree() ([ActThreeSize]byte, error) {
	var act [ActThreeSize]byte
	if !hs.initiator {
		return act, errors.New("act three is sent by the initiator")
	}
	if hs.remoteEphemeral == nil {
		return act, errors.New("act three requires a processed act two")
	}

	ciphertext := hs.encryptAndHash(hs.localStatic.PubKey().SerializeCompressed())

	se := ecdh(hs.localStatic, hs.remoteEphemeral)
	hs.mixKey(se[:])

	tag := hs.encryptAndHash(nil)

	act[0] = HandshakeVersion
	copy(act[1:], ciphertext)
	copy(act[1+PubKeySize+macSize:], tag)

	hs.split()
	return act, nil
}

// RecvActThree validates act three on the responder and learns the
// initiator's static key.
func (hs *HandshakeState) RecvActThree(act [ActThreeSize]byte) error {
	if hs.initiator {
		return &HandshakeError{Act: 3, Err: errors.New("act three is received by the responder")}
	}
	if act[0] != HandshakeVersion {
		return &HandshakeError{Act: 3, Err: fmt.Errorf("%w: %d", ErrUnknownVersion, act[0])}
	}

	remotePub, err := hs.decryptAndHash(act[1 : 1+PubKeySize+macSize])
	if err != nil {
		return &HandshakeError{Act: 3, Err: err}
	}
	remoteStatic, err := secp256k1.ParsePubKey(remotePub)
	if err != nil {
		return &HandshakeError{Act: 3, Err: fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)}
	}

	se := ecdh(hs.localEphemeral, remoteStatic)
	hs.mixKey(se[:])

	if _, err := hs.decryptAndHash(act[1+PubKeySize+macSize:]); err != nil {
		return &HandshakeError{Act: 3, Err: err}
	}

	hs.remoteStatic = remoteStatic
	hs.split()
	return nil
}

// split derives the two transport keys from the final chaining key.
func (hs *HandshakeState) split() {
	first, second := deriveKeys(hs.chainingKey[:], nil)
	if hs.initiator {
		hs.transport = NewTransportState(first, second, hs.chainingKey)
	} else {
		hs.transport = NewTransportState(second, first, hs.chainingKey)
	}
}
