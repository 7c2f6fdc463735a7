package brontide

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Keys and expected outputs from the BOLT #8 test vectors.
const (
	initiatorStaticHex    = "1111111111111111111111111111111111111111111111111111111111111111"
	initiatorEphemeralHex = "1212121212121212121212121212121212121212121212121212121212121212"
	responderStaticHex    = "2121212121212121212121212121212121212121212121212121212121212121"
	responderEphemeralHex = "2222222222222222222222222222222222222222222222222222222222222222"

	initiatorStaticPubHex = "034f355bdcb7cc0af728ef3cceb9615d90684bb5b2ca5f859ab0f0b704075871aa"
	responderStaticPubHex = "028d7500dd4c12685d1f568b4c2b5048e8534b873319f3a8daa612b469132ec7f7"

	actOneHex   = "00036360e856310ce5d294e8be33fc807077dc56ac80d95d9cd4ddbd21325eff73f70df6086551151f58b8afe6c195782c6a"
	actTwoHex   = "0002466d7fcae563e5cb09a0d1870bb580344804617879a14949cf22285f1bae3f276e2470b93aac583c9ef6eafca3f730ae"
	actThreeHex = "00b9e3a702e93e3a9948c2ed6e5fd7590a6e1c3a0344cfc9d5b57357049aa22355361aa02e55a8fc28fef5bd6d71ad0c38228dc68b1c466263b47fdf31e560e139ba"

	initiatorSendKeyHex = "969ab31b4d288cedf6218839b27a3e2140827047f2c0f01bf5c04435d43511a9"
	initiatorRecvKeyHex = "bb9020b8965f4df047e07f955f3c4b88418984aadc5cdb35096b9ea8fa5c3442"
)

type vectorKeys struct {
	initiatorStatic    *secp256k1.PrivateKey
	initiatorEphemeral *secp256k1.PrivateKey
	responderStatic    *secp256k1.PrivateKey
	responderEphemeral *secp256k1.PrivateKey
}

func mustDecodeKey(t *testing.T, s string) *secp256k1.PrivateKey {
	t.Helper()
	key, err := DecodePrivateKey(s)
	require.NoError(t, err)
	return key
}

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func loadVectorKeys(t *testing.T) vectorKeys {
	t.Helper()
	return vectorKeys{
		initiatorStatic:    mustDecodeKey(t, initiatorStaticHex),
		initiatorEphemeral: mustDecodeKey(t, initiatorEphemeralHex),
		responderStatic:    mustDecodeKey(t, responderStaticHex),
		responderEphemeral: mustDecodeKey(t, responderEphemeralHex),
	}
}

func vectorHandshakes(t *testing.T) (initiator, responder *HandshakeState) {
	t.Helper()
	keys := loadVectorKeys(t)
	initiator = NewHandshakeState(keys.initiatorStatic, keys.responderStatic.PubKey(), keys.initiatorEphemeral)
	responder = NewHandshakeState(keys.responderStatic, nil, keys.responderEphemeral)
	return initiator, responder
}

func TestVectorStaticKeys(t *testing.T) {
	keys := loadVectorKeys(t)
	assert.Equal(t, initiatorStaticPubHex, EncodePublicKey(keys.initiatorStatic.PubKey()))
	assert.Equal(t, responderStaticPubHex, EncodePublicKey(keys.responderStatic.PubKey()))
}

func TestHandshakeVectors(t *testing.T) {
	initiator, responder := vectorHandshakes(t)
	assert.True(t, initiator.Initiator())
	assert.False(t, responder.Initiator())
	assert.Nil(t, responder.RemoteStatic())

	actOne, err := initiator.GenActOne()
	require.NoError(t, err)
	assert.Equal(t, actOneHex, hex.EncodeToString(actOne[:]))

	require.NoError(t, responder.RecvActOne(actOne))
	actTwo, err := responder.GenActTwo()
	require.NoError(t, err)
	assert.Equal(t, actTwoHex, hex.EncodeToString(actTwo[:]))

	require.NoError(t, initiator.RecvActTwo(actTwo))
	assert.Nil(t, initiator.Transport())
	actThree, err := initiator.GenActThree()
	require.NoError(t, err)
	assert.Equal(t, actThreeHex, hex.EncodeToString(actThree[:]))

	require.NoError(t, responder.RecvActThree(actThree))
	assert.Equal(t, initiatorStaticPubHex, EncodePublicKey(responder.RemoteStatic()))

	initTS, respTS := initiator.Transport(), responder.Transport()
	require.NotNil(t, initTS)
	require.NotNil(t, respTS)

	assert.Equal(t, initiatorSendKeyHex, hex.EncodeToString(initTS.send.secretKey[:]))
	assert.Equal(t, initiatorRecvKeyHex, hex.EncodeToString(initTS.recv.secretKey[:]))
	assert.Equal(t, initTS.send.secretKey, respTS.recv.secretKey)
	assert.Equal(t, initTS.recv.secretKey, respTS.send.secretKey)
	assert.Equal(t, initTS.send.salt, respTS.recv.salt)
	assert.Zero(t, initTS.SendNonce())
	assert.Zero(t, respTS.RecvNonce())
}

func TestHandshakeActSizes(t *testing.T) {
	assert.Equal(t, 50, ActOneSize)
	assert.Equal(t, 50, ActTwoSize)
	assert.Equal(t, 66, ActThreeSize)
}

func TestHandshakeRoleMisuse(t *testing.T) {
	initiator, responder := vectorHandshakes(t)

	_, err := responder.GenActOne()
	assert.Error(t, err)
	_, err = initiator.GenActTwo()
	assert.Error(t, err)
	_, err = responder.GenActThree()
	assert.Error(t, err)

	var hsErr *HandshakeError
	assert.ErrorAs(t, initiator.RecvActOne([ActOneSize]byte{}), &hsErr)
	assert.ErrorAs(t, responder.RecvActTwo([ActTwoSize]byte{}), &hsErr)
	assert.ErrorAs(t, initiator.RecvActThree([ActThreeSize]byte{}), &hsErr)

	// Act two cannot be produced before act one was received.
	_, err = responder.GenActTwo()
	assert.Error(t, err)
}

func TestRecvActOneFailures(t *testing.T) {
	valid := mustDecodeHex(t, actOneHex)

	tests := []struct {
		name   string
		mutate func(act []byte)
		cause  error
	}{
		{"bad version", func(act []byte) { act[0] = 1 }, ErrUnknownVersion},
		{"bad key serialization", func(act []byte) { act[1] = 0x04 }, ErrInvalidPublicKey},
		{"bad tag", func(act []byte) { act[ActOneSize-1] ^= 0x01 }, ErrAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, responder := vectorHandshakes(t)

			var act [ActOneSize]byte
			copy(act[:], valid)
			tt.mutate(act[:])

			err := responder.RecvActOne(act)
			var hsErr *HandshakeError
			require.ErrorAs(t, err, &hsErr)
			assert.Equal(t, 1, hsErr.Act)
			assert.True(t, errors.Is(err, tt.cause), "got %v", err)
		})
	}
}

func TestRecvActTwoFailures(t *testing.T) {
	valid := mustDecodeHex(t, actTwoHex)

	tests := []struct {
		name   string
		mutate func(act []byte)
		cause  error
	}{
		{"bad version", func(act []byte) { act[0] = 1 }, ErrUnknownVersion},
		{"bad key serialization", func(act []byte) { act[1] = 0x04 }, ErrInvalidPublicKey},
		{"bad tag", func(act []byte) { act[ActTwoSize-1] ^= 0x01 }, ErrAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initiator, _ := vectorHandshakes(t)
			_, err := initiator.GenActOne()
			require.NoError(t, err)

			var act [ActTwoSize]byte
			copy(act[:], valid)
			tt.mutate(act[:])

			err = initiator.RecvActTwo(act)
			var hsErr *HandshakeError
			require.ErrorAs(t, err, &hsErr)
			assert.Equal(t, 2, hsErr.Act)
			assert.True(t, errors.Is(err, tt.cause), "got %v", err)
		})
	}
}

func TestRecvActThreeFailures(t *testing.T) {
	valid := mustDecodeHex(t, actThreeHex)

	tests := []struct {
		name   string
		mutate func(act []byte)
		cause  error
	}{
		{"bad version", func(act []byte) { act[0] = 1 }, ErrUnknownVersion},
		{"bad static key ciphertext", func(act []byte) { act[1] ^= 0x01 }, ErrAuthFailed},
		{"bad final tag", func(act []byte) { act[ActThreeSize-1] ^= 0x01 }, ErrAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, responder := vectorHandshakes(t)

			var actOne [ActOneSize]byte
			copy(actOne[:], mustDecodeHex(t, actOneHex))
			require.NoError(t, responder.RecvActOne(actOne))
			_, err := responder.GenActTwo()
			require.NoError(t, err)

			var act [ActThreeSize]byte
			copy(act[:], valid)
			tt.mutate(act[:])

			err = responder.RecvActThree(act)
			var hsErr *HandshakeError
			require.ErrorAs(t, err, &hsErr)
			assert.Equal(t, 3, hsErr.Act)
			assert.True(t, errors.Is(err, tt.cause), "got %v", err)
			assert.Nil(t, responder.Transport())
			assert.Nil(t, responder.RemoteStatic())
		})
	}
}

func TestHandshakeWrongResponderKey(t *testing.T) {
	keys := loadVectorKeys(t)
	stranger, err := GenerateKey()
	require.NoError(t, err)

	initiator := NewHandshakeState(keys.initiatorStatic, stranger.PubKey(), keys.initiatorEphemeral)
	responder := NewHandshakeState(keys.responderStatic, nil, keys.responderEphemeral)

	actOne, err := initiator.GenActOne()
	require.NoError(t, err)
	err = responder.RecvActOne(actOne)
	assert.True(t, errors.Is(err, ErrAuthFailed), "got %v", err)
}

func TestHandshakeRandomKeys(t *testing.T) {
	newKey := func() *secp256k1.PrivateKey {
		k, err := GenerateKey()
		require.NoError(t, err)
		return k
	}
	initStatic, respStatic := newKey(), newKey()

	initiator := NewHandshakeState(initStatic, respStatic.PubKey(), newKey())
	responder := NewHandshakeState(respStatic, nil, newKey())

	actOne, err := initiator.GenActOne()
	require.NoError(t, err)
	require.NoError(t, responder.RecvActOne(actOne))
	actTwo, err := responder.GenActTwo()
	require.NoError(t, err)
	require.NoError(t, initiator.RecvActTwo(actTwo))
	actThree, err := initiator.GenActThree()
	require.NoError(t, err)
	require.NoError(t, responder.RecvActThree(actThree))

	assert.True(t, initStatic.PubKey().IsEqual(responder.RemoteStatic()))
	assert.Equal(t, initiator.Transport().send.secretKey, responder.Transport().recv.secretKey)
}
