package brontide

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorMachines(t *testing.T) (initiator, responder *Machine) {
	t.Helper()
	keys := loadVectorKeys(t)
	initiator = NewMachine(keys.initiatorStatic, keys.responderStatic.PubKey(), keys.initiatorEphemeral)
	responder = NewMachine(keys.responderStatic, nil, keys.responderEphemeral)
	return initiator, responder
}

// drain polls m until it needs more input.
func drain(t *testing.T, m *Machine) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := m.Poll()
		require.NoError(t, err)
		if ev.Kind == EventNone {
			return events
		}
		events = append(events, ev)
	}
}

func readyMachines(t *testing.T) (initiator, responder *Machine) {
	t.Helper()
	initiator, responder = vectorMachines(t)

	actOne, err := initiator.Start()
	require.NoError(t, err)
	responder.Push(actOne)
	events := drain(t, responder)
	require.Len(t, events, 1)
	require.Equal(t, EventSend, events[0].Kind)

	initiator.Push(events[0].Data)
	events = drain(t, initiator)
	require.Len(t, events, 2)
	require.Equal(t, EventSend, events[0].Kind)
	require.Equal(t, EventReady, events[1].Kind)

	responder.Push(events[0].Data)
	events = drain(t, responder)
	require.Len(t, events, 1)
	require.Equal(t, EventReady, events[0].Kind)
	return initiator, responder
}

func TestMachineHandshake(t *testing.T) {
	initiator, responder := vectorMachines(t)
	assert.True(t, initiator.Initiator())
	assert.False(t, responder.Initiator())
	assert.Equal(t, InitiatorStart, initiator.HandshakeState())
	assert.Equal(t, AwaitingInitiator, responder.HandshakeState())
	assert.Nil(t, responder.RemoteStatic())

	// A responder has nothing to send when the stream connects.
	out, err := responder.Start()
	require.NoError(t, err)
	assert.Nil(t, out)

	actOne, err := initiator.Start()
	require.NoError(t, err)
	assert.Equal(t, actOneHex, hex.EncodeToString(actOne))
	assert.Equal(t, AwaitingResponderReply, initiator.HandshakeState())

	// Act one trickles in byte by byte.
	for i := 0; i < len(actOne)-1; i++ {
		responder.Push(actOne[i : i+1])
		assert.Empty(t, drain(t, responder))
	}
	responder.Push(actOne[len(actOne)-1:])
	events := drain(t, responder)
	require.Len(t, events, 1)
	assert.Equal(t, actTwoHex, hex.EncodeToString(events[0].Data))
	assert.Equal(t, AwaitingInitiatorReply, responder.HandshakeState())

	initiator.Push(events[0].Data)
	events = drain(t, initiator)
	require.Len(t, events, 2)
	assert.Equal(t, actThreeHex, hex.EncodeToString(events[0].Data))
	assert.Equal(t, EventReady, events[1].Kind)
	assert.Equal(t, Ready, initiator.HandshakeState())

	responder.Push(events[0].Data)
	events = drain(t, responder)
	require.Len(t, events, 1)
	assert.Equal(t, EventReady, events[0].Kind)
	assert.Equal(t, Ready, responder.HandshakeState())
	assert.Equal(t, AwaitingLength, responder.ReadState())
	assert.Equal(t, initiatorStaticPubHex, EncodePublicKey(responder.RemoteStatic()))
	assert.NotNil(t, responder.Transport())

	_, err = initiator.Start()
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestMachineNoPrematureDelivery(t *testing.T) {
	initiator, responder := vectorMachines(t)

	actOne, err := initiator.Start()
	require.NoError(t, err)
	responder.Push(actOne)
	events := drain(t, responder)
	initiator.Push(events[0].Data)
	events = drain(t, initiator)
	actThree := events[0].Data

	// The initiator may send records right behind act three.
	first, err := initiator.Encrypt([]byte("first"))
	require.NoError(t, err)
	second, err := initiator.Encrypt([]byte("second"))
	require.NoError(t, err)

	// Until act three is complete nothing is delivered.
	responder.Push(actThree[:ActThreeSize-1])
	assert.Empty(t, drain(t, responder))
	assert.Equal(t, AwaitingInitiatorReply, responder.HandshakeState())

	chunk := append([]byte{actThree[ActThreeSize-1]}, first...)
	chunk = append(chunk, second...)
	responder.Push(chunk)

	events = drain(t, responder)
	require.Len(t, events, 3)
	assert.Equal(t, EventReady, events[0].Kind)
	assert.Equal(t, Event{Kind: EventMessage, Data: []byte("first")}, events[1])
	assert.Equal(t, Event{Kind: EventMessage, Data: []byte("second")}, events[2])
}

func TestMachineEncryptBeforeReady(t *testing.T) {
	initiator, responder := vectorMachines(t)
	_, err := initiator.Encrypt([]byte("early"))
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = responder.Encrypt([]byte("early"))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestMachineStrictSequencing(t *testing.T) {
	t.Run("data before initiation", func(t *testing.T) {
		initiator, _ := vectorMachines(t)
		initiator.Push([]byte{0x00})
		_, err := initiator.Poll()
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, "InitiatorStart", protoErr.State)
	})

	t.Run("data after act one", func(t *testing.T) {
		initiator, responder := vectorMachines(t)
		actOne, err := initiator.Start()
		require.NoError(t, err)

		responder.Push(append(actOne, 0x00))
		_, err = responder.Poll()
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, "AwaitingInitiator", protoErr.State)
	})

	t.Run("record after act two", func(t *testing.T) {
		_, responder := readyMachines(t)
		record, err := responder.Encrypt([]byte("too soon"))
		require.NoError(t, err)

		// A fresh initiator that has only sent act one receives act two
		// followed by a record it cannot have been sent yet.
		keys := loadVectorKeys(t)
		fresh := NewMachine(keys.initiatorStatic, keys.responderStatic.PubKey(), keys.initiatorEphemeral)
		_, err = fresh.Start()
		require.NoError(t, err)
		actTwo := mustDecodeHex(t, actTwoHex)

		fresh.Push(append(actTwo, record...))
		_, err = fresh.Poll()
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, "AwaitingResponderReply", protoErr.State)
	})

	t.Run("record in place of act three", func(t *testing.T) {
		initiator, _ := readyMachines(t)
		record, err := initiator.Encrypt(bytes.Repeat([]byte{0x42}, ActThreeSize))
		require.NoError(t, err)

		// Records may follow act three in the same read, so the responder
		// parses the first bytes as act three and rejects them as such.
		fresh, responder := vectorMachines(t)
		actOne, err := fresh.Start()
		require.NoError(t, err)
		responder.Push(actOne)
		events := drain(t, responder)
		require.Len(t, events, 1)
		assert.Equal(t, AwaitingInitiatorReply, responder.HandshakeState())

		responder.Push(record)
		_, err = responder.Poll()
		var hsErr *HandshakeError
		require.ErrorAs(t, err, &hsErr)
		assert.Equal(t, 3, hsErr.Act)
	})
}

func TestMachineErrorsAreSticky(t *testing.T) {
	initiator, responder := readyMachines(t)

	record, err := initiator.Encrypt([]byte("hello"))
	require.NoError(t, err)
	record[len(record)-1] ^= 0x01
	responder.Push(record)

	_, failErr := responder.Poll()
	var decErr *DecryptionError
	require.ErrorAs(t, failErr, &decErr)
	assert.Equal(t, "body", decErr.Part)
	assert.Equal(t, failErr, responder.Err())
	assert.Zero(t, responder.Buffered())

	// Nothing can be recovered afterwards.
	good, err := initiator.Encrypt([]byte("again"))
	require.NoError(t, err)
	responder.Push(good)
	_, err = responder.Poll()
	assert.Equal(t, failErr, err)
	_, err = responder.Encrypt([]byte("reply"))
	assert.Equal(t, failErr, err)
}

func TestMachineBackpressure(t *testing.T) {
	initiator, responder := readyMachines(t)

	var stream []byte
	for _, msg := range []string{"one", "two", "three"} {
		record, err := initiator.Encrypt([]byte(msg))
		require.NoError(t, err)
		stream = append(stream, record...)
	}
	responder.Push(stream)

	ev, err := responder.Poll()
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), ev.Data)

	// The consumer refuses more: no further decryption happens.
	responder.Block()
	assert.Equal(t, Blocked, responder.ReadState())
	nonce := responder.Transport().RecvNonce()
	for i := 0; i < 3; i++ {
		ev, err = responder.Poll()
		require.NoError(t, err)
		assert.Equal(t, EventNone, ev.Kind)
	}
	assert.Equal(t, nonce, responder.Transport().RecvNonce())

	assert.True(t, responder.Resume())
	assert.False(t, responder.Resume())

	events := drain(t, responder)
	require.Len(t, events, 2)
	assert.Equal(t, []byte("two"), events[0].Data)
	assert.Equal(t, []byte("three"), events[1].Data)
}

func TestMachineBlockOnlyBetweenRecords(t *testing.T) {
	_, pending := vectorMachines(t)
	pending.Block()
	assert.Equal(t, AwaitingInitiator, pending.HandshakeState())
	assert.Equal(t, AwaitingLength, pending.ReadState())

	initiator, responder := readyMachines(t)
	record, err := initiator.Encrypt([]byte("partial"))
	require.NoError(t, err)

	responder.Push(record[:encHeaderSize])
	assert.Empty(t, drain(t, responder))
	assert.Equal(t, AwaitingBody, responder.ReadState())

	responder.Block()
	assert.Equal(t, AwaitingBody, responder.ReadState())

	responder.Push(record[encHeaderSize:])
	events := drain(t, responder)
	require.Len(t, events, 1)
	assert.Equal(t, []byte("partial"), events[0].Data)
}

func TestMachineEmptyAndMaxMessages(t *testing.T) {
	initiator, responder := readyMachines(t)

	big := make([]byte, MaxMessageSize)
	for i := range big {
		big[i] = byte(i)
	}
	for _, msg := range [][]byte{{}, big} {
		record, err := initiator.Encrypt(msg)
		require.NoError(t, err)
		responder.Push(record)
		events := drain(t, responder)
		require.Len(t, events, 1)
		assert.Equal(t, msg, events[0].Data)
	}

	_, err := initiator.Encrypt(make([]byte, MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrMaxMessageLengthExceeded)
}
