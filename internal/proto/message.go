// Package proto defines the replication wire messages and the stream framing
// used by the QUIC transport.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

type Type uint8

const (
	TypeInvalid Type = iota
	TypeIAm
	TypePing
	TypePong
	TypeState
	TypeDeltaState
	TypeEvent1
	TypeEvent2
	TypeEvent3
	TypeEvent4
	TypeRelay
	TypeMasquerade
	TypeBye
)

const (
	MessageSize = 1024
	HeaderSize  = 5
	// EnvelopeOverhead is what a relay envelope adds around an inner message.
	EnvelopeOverhead = HeaderSize + 1 + 8 + 8 + 2
	// MaxInnerSize bounds every message that may be relayed.
	MaxInnerSize = MessageSize - EnvelopeOverhead
	// MaxBodySize is the payload capacity left for state data or event objects.
	MaxBodySize = MaxInnerSize - HeaderSize - stateFixedSize - 4

	MaxEventsPerMessage = 4
	MaxRelayHops        = 1

	stateFixedSize = 1 + 12 + 4 + 2
	EventFixedSize = 4 + 2 + 1
)

var (
	ErrShort       = errors.New("short message")
	ErrUnknownType = errors.New("unknown message type")
	ErrTooLarge    = errors.New("message too large")
	ErrNested      = errors.New("nested envelope")
)

// Message is the tagged union of every wire message. Only the fields of the
// active Type are meaningful.
type Message struct {
	Type Type
	Time float32

	// IAm
	Seq      uint8
	GlobalID uint64

	// Ping / Pong
	Stamp   float32
	Latency float32

	// State / DeltaState
	HasOrigin bool
	Origin    [3]float32
	RefTime   float32
	Data      []byte

	// Event1..Event4
	Events []EventRecord

	// Relay / Masquerade
	Hop    uint8
	From   uint64
	Target uint64
	Inner  []byte
}

// EventRecord is one event object slot inside an event message. Object holds
// the codec encoding of the application object.
type EventRecord struct {
	Time      float32
	ID        uint16
	Broadcast bool
	Object    []byte
}

// EventType returns the message type declaring n event objects.
func EventType(n int) (Type, error) {
	if n < 1 || n > MaxEventsPerMessage {
		return TypeInvalid, fmt.Errorf("event count %d out of range", n)
	}
	return TypeEvent1 + Type(n-1), nil
}

// IsEvent reports whether t carries event objects.
func (t Type) IsEvent() bool {
	return t >= TypeEvent1 && t <= TypeEvent4
}

// Reliable reports whether messages of type t travel on the reliable
// channel, including when they are relayed.
func (t Type) Reliable() bool {
	return t.IsEvent() || t == TypeBye
}

func (t Type) IsEnvelope() bool {
	return t == TypeRelay || t == TypeMasquerade
}

func (t Type) String() string {
	switch t {
	case TypeIAm:
		return "iam"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeState:
		return "state"
	case TypeDeltaState:
		return "delta_state"
	case TypeEvent1, TypeEvent2, TypeEvent3, TypeEvent4:
		return fmt.Sprintf("event%d", int(t-TypeEvent1)+1)
	case TypeRelay:
		return "relay"
	case TypeMasquerade:
		return "masquerade"
	case TypeBye:
		return "bye"
	}
	return "invalid"
}

// EventRecordSize is the encoded size of one event slot with an object of
// objLen bytes.
func EventRecordSize(objLen int) int {
	return EventFixedSize + objLen
}

// Encode appends the wire form of m to dst.
func Encode(dst []byte, m *Message) ([]byte, error) {
	start := len(dst)
	dst = append(dst, byte(m.Type))
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(m.Time))
	switch m.Type {
	case TypeIAm:
		dst = append(dst, m.Seq)
		dst = binary.BigEndian.AppendUint64(dst, m.GlobalID)
	case TypePing, TypePong:
		dst = appendFloat(dst, m.Stamp)
		dst = appendFloat(dst, m.Latency)
	case TypeState, TypeDeltaState:
		if len(m.Data) > MaxBodySize {
			return dst[:start], ErrTooLarge
		}
		var flags byte
		if m.HasOrigin {
			flags |= 1
		}
		dst = append(dst, flags)
		for _, v := range m.Origin {
			dst = appendFloat(dst, v)
		}
		dst = appendFloat(dst, m.Latency)
		if m.Type == TypeDeltaState {
			dst = appendFloat(dst, m.RefTime)
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.Data)))
		dst = append(dst, m.Data...)
	case TypeEvent1, TypeEvent2, TypeEvent3, TypeEvent4:
		want := int(m.Type-TypeEvent1) + 1
		if len(m.Events) != want {
			return dst[:start], fmt.Errorf("%s carries %d events", m.Type, len(m.Events))
		}
		for _, ev := range m.Events {
			dst = appendFloat(dst, ev.Time)
			dst = binary.BigEndian.AppendUint16(dst, ev.ID)
			var flags byte
			if ev.Broadcast {
				flags |= 1
			}
			dst = append(dst, flags)
			dst = append(dst, ev.Object...)
		}
	case TypeRelay:
		dst = append(dst, m.Hop)
		dst = binary.BigEndian.AppendUint64(dst, m.From)
		dst = binary.BigEndian.AppendUint64(dst, m.Target)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.Inner)))
		dst = append(dst, m.Inner...)
	case TypeMasquerade:
		dst = binary.BigEndian.AppendUint64(dst, m.From)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.Inner)))
		dst = append(dst, m.Inner...)
	case TypeBye:
	default:
		return dst[:start], ErrUnknownType
	}
	if m.Type.IsEnvelope() {
		if len(m.Inner) > MaxInnerSize {
			return dst[:start], ErrTooLarge
		}
		if len(m.Inner) < HeaderSize {
			return dst[:start], ErrShort
		}
		if Type(m.Inner[0]).IsEnvelope() {
			return dst[:start], ErrNested
		}
	}
	limit := MessageSize
	if !m.Type.IsEnvelope() {
		limit = MaxInnerSize
	}
	if len(dst)-start > limit {
		return dst[:start], ErrTooLarge
	}
	return dst, nil
}

// Decode parses one message. Event objects and envelope payloads alias b.
// Event objects are not split here; see SplitEvents.
func Decode(b []byte) (Message, error) {
	var m Message
	if len(b) < HeaderSize {
		return m, ErrShort
	}
	if len(b) > MessageSize {
		return m, ErrTooLarge
	}
	m.Type = Type(b[0])
	m.Time = math.Float32frombits(binary.BigEndian.Uint32(b[1:5]))
	r := reader{b: b[HeaderSize:]}
	switch m.Type {
	case TypeIAm:
		m.Seq = r.u8()
		m.GlobalID = r.u64()
	case TypePing, TypePong:
		m.Stamp = r.f32()
		m.Latency = r.f32()
	case TypeState, TypeDeltaState:
		m.HasOrigin = r.u8()&1 != 0
		for i := range m.Origin {
			m.Origin[i] = r.f32()
		}
		m.Latency = r.f32()
		if m.Type == TypeDeltaState {
			m.RefTime = r.f32()
		}
		n := int(r.u16())
		m.Data = r.bytes(n)
	case TypeEvent1, TypeEvent2, TypeEvent3, TypeEvent4:
		// Object boundaries are owned by the codec; keep the raw region.
		m.Data = r.rest()
	case TypeRelay:
		m.Hop = r.u8()
		m.From = r.u64()
		m.Target = r.u64()
		m.Inner = r.bytes(int(r.u16()))
	case TypeMasquerade:
		m.From = r.u64()
		m.Inner = r.bytes(int(r.u16()))
	case TypeBye:
	default:
		return m, ErrUnknownType
	}
	if r.err != nil {
		return m, r.err
	}
	if m.Type.IsEnvelope() {
		if len(m.Inner) < HeaderSize {
			return m, ErrShort
		}
		if Type(m.Inner[0]).IsEnvelope() {
			return m, ErrNested
		}
	}
	return m, nil
}

// EventHeader reads the fixed part of one event slot from b and returns the
// remaining bytes, which start with the codec object.
func EventHeader(b []byte) (EventRecord, []byte, error) {
	if len(b) < EventFixedSize {
		return EventRecord{}, nil, ErrShort
	}
	r := reader{b: b}
	rec := EventRecord{
		Time: r.f32(),
		ID:   r.u16(),
	}
	rec.Broadcast = r.u8()&1 != 0
	return rec, r.rest(), nil
}

func appendFloat(dst []byte, v float32) []byte {
	return binary.BigEndian.AppendUint32(dst, math.Float32bits(v))
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = ErrShort
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) f32() float32 {
	if b := r.take(4); b != nil {
		return math.Float32frombits(binary.BigEndian.Uint32(b))
	}
	return 0
}

func (r *reader) bytes(n int) []byte {
	return r.take(n)
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	out := r.b
	r.b = nil
	return out
}
