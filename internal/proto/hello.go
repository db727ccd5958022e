package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypeHello = "hello"
	ProtoVersion = "ghost/1"
	MaxHelloSize = 2 << 10
	// MaxKnownAddrs bounds the peer addresses shared in one hello.
	MaxKnownAddrs = 16
)

// HelloMsg is the first frame on a QUIC control stream. It tells the other
// side who is behind the connection and which other peers it can reach.
type HelloMsg struct {
	Type         string   `json:"type"`
	ProtoVersion string   `json:"proto_version"`
	Name         string   `json:"name"`
	GlobalID     uint64   `json:"global_id"`
	ListenAddr   string   `json:"listen_addr,omitempty"`
	Known        []string `json:"known,omitempty"`
}

func EncodeHelloMsg(m HelloMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHello
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	return json.Marshal(m)
}

func DecodeHelloMsg(data []byte) (HelloMsg, error) {
	if len(data) > MaxHelloSize {
		return HelloMsg{}, fmt.Errorf("hello too large")
	}
	var m HelloMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloMsg{}, err
	}
	if m.Type != MsgTypeHello {
		return HelloMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.ProtoVersion != ProtoVersion {
		return HelloMsg{}, fmt.Errorf("unsupported proto_version: %s", m.ProtoVersion)
	}
	if m.GlobalID == 0 {
		return HelloMsg{}, fmt.Errorf("missing global_id")
	}
	if len(m.Known) > MaxKnownAddrs {
		return HelloMsg{}, fmt.Errorf("too many known addrs: %d", len(m.Known))
	}
	return m, nil
}
