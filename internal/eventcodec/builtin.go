package eventcodec

import (
	"encoding/binary"
	"fmt"
)

// Built-in event types used by ghost-node. Applications register their own
// types above TypeUser.
const (
	TypeText   uint16 = 1
	TypeScene  uint16 = 2
	TypeUser   uint16 = 256
	maxTextLen        = 512
)

// Text is a free-form message.
type Text struct {
	Body string
}

func (*Text) EventType() uint16 { return TypeText }

func (t *Text) MarshalBinary() ([]byte, error) {
	if len(t.Body) > maxTextLen {
		return nil, fmt.Errorf("text length %d exceeds %d", len(t.Body), maxTextLen)
	}
	return []byte(t.Body), nil
}

func (t *Text) UnmarshalBinary(b []byte) error {
	if len(b) > maxTextLen {
		return fmt.Errorf("text length %d exceeds %d", len(b), maxTextLen)
	}
	t.Body = string(b)
	return nil
}

// Scene announces the scene a peer is hosting or has left.
type Scene struct {
	ID     uint64
	Active bool
	Label  string
}

func (*Scene) EventType() uint16 { return TypeScene }

func (s *Scene) MarshalBinary() ([]byte, error) {
	if len(s.Label) > 255 {
		return nil, fmt.Errorf("scene label too long")
	}
	out := make([]byte, 0, 10+len(s.Label))
	out = binary.BigEndian.AppendUint64(out, s.ID)
	if s.Active {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(len(s.Label)))
	return append(out, s.Label...), nil
}

func (s *Scene) UnmarshalBinary(b []byte) error {
	if len(b) < 10 {
		return ErrShort
	}
	n := int(b[9])
	if len(b) != 10+n {
		return fmt.Errorf("scene label length mismatch")
	}
	s.ID = binary.BigEndian.Uint64(b[0:8])
	s.Active = b[8] == 1
	s.Label = string(b[10:])
	return nil
}

// RegisterBuiltins adds Text and Scene to r.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(TypeText, func() Object { return &Text{} }); err != nil {
		return err
	}
	return r.Register(TypeScene, func() Object { return &Scene{} })
}
