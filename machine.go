package brontide

import (
	"bytes"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// HandshakeFsmState is the handshake half of a connection's state.
type HandshakeFsmState uint8

const (
	InitiatorStart HandshakeFsmState = iota
	AwaitingResponderReply
	AwaitingInitiator
	AwaitingInitiatorReply
	Ready
)

func (s HandshakeFsmState) String() string {
	switch s {
	case InitiatorStart:
		return "InitiatorStart"
	case AwaitingResponderReply:
		return "AwaitingResponderReply"
	case AwaitingInitiator:
		return "AwaitingInitiator"
	case AwaitingInitiatorReply:
		return "AwaitingInitiatorReply"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("HandshakeFsmState(%d)", uint8(s))
	}
}

// ReadFsmState is the record-reading half of a connection's state. It is only
// meaningful once the handshake is Ready.
type ReadFsmState uint8

const (
	AwaitingLength ReadFsmState = iota
	AwaitingBody
	Blocked
)

func (s ReadFsmState) String() string {
	switch s {
	case AwaitingLength:
		return "AwaitingLength"
	case AwaitingBody:
		return "AwaitingBody"
	case Blocked:
		return "Blocked"
	default:
		return fmt.Sprintf("ReadFsmState(%d)", uint8(s))
	}
}

// EventKind identifies what a call to Machine.Poll produced.
type EventKind uint8

const (
	// EventNone means no progress is possible with the buffered bytes.
	EventNone EventKind = iota

	// EventSend carries handshake bytes that must be written to the peer.
	EventSend

	// EventReady signals that the handshake completed.
	EventReady

	// EventMessage carries one decrypted record.
	EventMessage
)

// Event is the result of one Machine.Poll step.
type Event struct {
	Kind EventKind
	Data []byte
}

// Machine is the I/O-free connection state machine. Inbound bytes are added
// with Push and consumed by Poll, which advances the handshake or decrypts
// one record per returned event. Machine is not safe for concurrent use.
type Machine struct {
	initiator bool
	hsState   HandshakeFsmState
	readState ReadFsmState

	hs *HandshakeState
	ts *TransportState

	remoteStatic *secp256k1.PublicKey

	inbuf   bytes.Buffer
	bodyLen uint16

	pending []Event
	err     error
}

// NewMachine creates the state machine for one connection. A non-nil
// remoteStatic makes it the initiator.
func NewMachine(localStatic *secp256k1.PrivateKey, remoteStatic *secp256k1.PublicKey,
	localEphemeral *secp256k1.PrivateKey) *Machine {

	m := &Machine{
		initiator:    remoteStatic != nil,
		hs:           NewHandshakeState(localStatic, remoteStatic, localEphemeral),
		remoteStatic: remoteStatic,
	}
	if m.initiator {
		m.hsState = InitiatorStart
	} else {
		m.hsState = AwaitingInitiator
	}
	return m
}

// Initiator reports the role fixed at construction.
func (m *Machine) Initiator() bool { return m.initiator }

// HandshakeState returns the current handshake state.
func (m *Machine) HandshakeState() HandshakeFsmState { return m.hsState }

// ReadState returns the current record reading state.
func (m *Machine) ReadState() ReadFsmState { return m.readState }

// RemoteStatic returns the peer's static key once known.
func (m *Machine) RemoteStatic() *secp256k1.PublicKey { return m.remoteStatic }

// Transport returns the transport state, nil before Ready.
func (m *Machine) Transport() *TransportState { return m.ts }

// Err returns the error that poisoned the machine, if any.
func (m *Machine) Err() error { return m.err }

// Start is called once the underlying stream is connected. For an initiator
// it returns act one, which must be written before anything else; for a
// responder it returns nil.
func (m *Machine) Start() ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	switch m.hsState {
	case AwaitingInitiator:
		return nil, nil
	case InitiatorStart:
	default:
		return nil, m.fail(&ProtocolError{State: m.hsState.String(), Msg: "handshake already started"})
	}

	act, err := m.hs.GenActOne()
	if err != nil {
		return nil, m.fail(err)
	}
	m.hsState = AwaitingResponderReply
	return act[:], nil
}

// Push buffers bytes received from the peer.
func (m *Machine) Push(data []byte) {
	if m.err != nil {
		return
	}
	m.inbuf.Write(data)
}

// Buffered returns the number of received bytes not yet consumed.
func (m *Machine) Buffered() int { return m.inbuf.Len() }

// Poll advances the machine by at most one externally visible event. It
// returns EventNone without error when more bytes are needed or the reader is
// Blocked. Errors are fatal: every later call returns the same error.
func (m *Machine) Poll() (Event, error) {
	for {
		if m.err != nil {
			return Event{}, m.err
		}
		if len(m.pending) > 0 {
			ev := m.pending[0]
			m.pending = m.pending[1:]
			return ev, nil
		}

		var (
			progressed bool
			ev         Event
			err        error
		)
		if m.hsState != Ready {
			progressed, err = m.stepHandshake()
		} else {
			progressed, ev, err = m.stepTransport()
		}
		switch {
		case err != nil:
			return Event{}, m.fail(err)
		case ev.Kind != EventNone:
			return ev, nil
		case !progressed:
			return Event{}, nil
		}
	}
}

func (m *Machine) stepHandshake() (bool, error) {
	switch m.hsState {
	case InitiatorStart:
		if m.inbuf.Len() > 0 {
			return false, &ProtocolError{State: m.hsState.String(), Msg: "data received before handshake was initiated"}
		}
		return false, nil

	case AwaitingInitiator:
		if m.inbuf.Len() < ActOneSize {
			return false, nil
		}
		// The initiator waits for act two before sending anything else.
		if m.inbuf.Len() > ActOneSize {
			return false, &ProtocolError{State: m.hsState.String(), Msg: "unexpected data after act one"}
		}
		var actOne [ActOneSize]byte
		m.inbuf.Read(actOne[:])
		if err := m.hs.RecvActOne(actOne); err != nil {
			return false, err
		}
		actTwo, err := m.hs.GenActTwo()
		if err != nil {
			return false, err
		}
		m.pending = append(m.pending, Event{Kind: EventSend, Data: actTwo[:]})
		m.hsState = AwaitingInitiatorReply
		return true, nil

	case AwaitingResponderReply:
		if m.inbuf.Len() < ActTwoSize {
			return false, nil
		}
		// The responder waits for act three before sending records.
		if m.inbuf.Len() > ActTwoSize {
			return false, &ProtocolError{State: m.hsState.String(), Msg: "unexpected data after act two"}
		}
		var actTwo [ActTwoSize]byte
		m.inbuf.Read(actTwo[:])
		if err := m.hs.RecvActTwo(actTwo); err != nil {
			return false, err
		}
		actThree, err := m.hs.GenActThree()
		if err != nil {
			return false, err
		}
		m.pending = append(m.pending, Event{Kind: EventSend, Data: actThree[:]})
		m.becomeReady()
		return true, nil

	case AwaitingInitiatorReply:
		if m.inbuf.Len() < ActThreeSize {
			return false, nil
		}
		var actThree [ActThreeSize]byte
		m.inbuf.Read(actThree[:])
		if err := m.hs.RecvActThree(actThree); err != nil {
			return false, err
		}
		m.becomeReady()
		return true, nil

	default:
		return false, &ProtocolError{State: m.hsState.String(), Msg: "unknown handshake state"}
	}
}

func (m *Machine) becomeReady() {
	m.ts = m.hs.Transport()
	m.remoteStatic = m.hs.RemoteStatic()
	m.hs = nil
	m.hsState = Ready
	m.readState = AwaitingLength
	m.pending = append(m.pending, Event{Kind: EventReady})
}

func (m *Machine) stepTransport() (bool, Event, error) {
	switch m.readState {
	case AwaitingLength:
		if m.inbuf.Len() < encHeaderSize {
			return false, Event{}, nil
		}
		length, err := m.ts.DecryptLength(m.inbuf.Next(encHeaderSize))
		if err != nil {
			return false, Event{}, err
		}
		m.bodyLen = length
		m.readState = AwaitingBody
		return true, Event{}, nil

	case AwaitingBody:
		need := int(m.bodyLen) + macSize
		if m.inbuf.Len() < need {
			return false, Event{}, nil
		}
		msg, err := m.ts.DecryptBody(nil, m.inbuf.Next(need))
		if err != nil {
			return false, Event{}, err
		}
		m.readState = AwaitingLength
		return true, Event{Kind: EventMessage, Data: msg}, nil

	case Blocked:
		return false, Event{}, nil

	default:
		return false, Event{}, &ProtocolError{State: m.readState.String(), Msg: "unknown read state"}
	}
}

// Block stops record decryption until Resume. It is a no-op unless the
// machine is Ready and between records.
func (m *Machine) Block() {
	if m.hsState == Ready && m.readState == AwaitingLength {
		m.readState = Blocked
	}
}

// Resume leaves the Blocked state and reports whether the machine was blocked.
func (m *Machine) Resume() bool {
	if m.readState != Blocked {
		return false
	}
	m.readState = AwaitingLength
	return true
}

// Encrypt frames and encrypts an outbound message. It fails before Ready.
func (m *Machine) Encrypt(msg []byte) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.hsState != Ready {
		return nil, ErrNotReady
	}
	if len(msg) > MaxMessageSize {
		return nil, ErrMaxMessageLengthExceeded
	}
	return m.ts.EncryptRecord(make([]byte, 0, encHeaderSize+len(msg)+macSize), msg)
}

// fail poisons the machine and drops everything buffered.
func (m *Machine) fail(err error) error {
	if m.err == nil {
		m.err = err
	}
	m.inbuf.Reset()
	m.pending = nil
	return m.err
}
