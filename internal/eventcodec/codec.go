// Package eventcodec encodes application event objects into the bounded
// event slots of replication messages.
//
// Every object is written as
//
//	type u16 | len u16 | body
//
// and decoded through a table of registered constructors, so the receiving
// side only materializes variants it knows about.
package eventcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// HeaderSize is the per-object framing overhead.
const HeaderSize = 4

// Object is an event payload known to a Registry.
type Object interface {
	EventType() uint16
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

var (
	ErrUnregistered = errors.New("event type not registered")
	ErrShort        = errors.New("short event object")
	ErrTooLarge     = errors.New("event object too large")
)

type Registry struct {
	mu        sync.RWMutex
	factories map[uint16]func() Object
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[uint16]func() Object)}
}

// Register binds typ to a constructor. A type may only be registered once.
func (r *Registry) Register(typ uint16, factory func() Object) error {
	if factory == nil {
		return fmt.Errorf("missing factory for type %d", typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typ]; ok {
		return fmt.Errorf("event type %d already registered", typ)
	}
	r.factories[typ] = factory
	return nil
}

func (r *Registry) Types() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint16, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) known(typ uint16) (func() Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Append writes obj to dst. max bounds the encoded size including the object
// header; zero means unbounded.
func (r *Registry) Append(dst []byte, obj Object, max int) ([]byte, error) {
	if obj == nil {
		return dst, fmt.Errorf("nil event object")
	}
	typ := obj.EventType()
	if _, ok := r.known(typ); !ok {
		return dst, fmt.Errorf("%w: %d", ErrUnregistered, typ)
	}
	body, err := obj.MarshalBinary()
	if err != nil {
		return dst, fmt.Errorf("marshal event %d: %w", typ, err)
	}
	if len(body) > 0xffff || (max > 0 && HeaderSize+len(body) > max) {
		return dst, ErrTooLarge
	}
	dst = binary.BigEndian.AppendUint16(dst, typ)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(body)))
	return append(dst, body...), nil
}

// Decode reads one object from b and returns the number of bytes consumed.
func (r *Registry) Decode(b []byte) (Object, int, error) {
	if len(b) < HeaderSize {
		return nil, 0, ErrShort
	}
	typ := binary.BigEndian.Uint16(b[0:2])
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < HeaderSize+n {
		return nil, 0, ErrShort
	}
	factory, ok := r.known(typ)
	if !ok {
		return nil, HeaderSize + n, fmt.Errorf("%w: %d", ErrUnregistered, typ)
	}
	obj := factory()
	if err := obj.UnmarshalBinary(b[HeaderSize : HeaderSize+n]); err != nil {
		return nil, HeaderSize + n, fmt.Errorf("unmarshal event %d: %w", typ, err)
	}
	return obj, HeaderSize + n, nil
}
