// Package node owns the persisted local identity of a ghostnet process.
package node

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"ghostnet/internal/crypto"
	"ghostnet/internal/proto"
)

const (
	identityFile = "identity.json"
	MaxNameLen   = 64
)

var ErrBadHello = errors.New("invalid hello")

type Node struct {
	Name     string
	GlobalID uint64
	Home     string
	salt     []byte
}

type Options struct {
	// Name overrides the stored name. The global id is kept either way.
	Name string
}

type identity struct {
	Name     string `json:"name"`
	Salt     string `json:"salt"`
	GlobalID uint64 `json:"global_id"`
}

// NewNode loads the identity stored in home, creating one on first use.
func NewNode(home string, opts Options) (*Node, error) {
	if home == "" {
		return nil, fmt.Errorf("missing home")
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(home, identityFile)
	id, err := loadIdentity(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		id, err = newIdentity(opts.Name)
		if err != nil {
			return nil, err
		}
		if err := saveIdentity(path, id); err != nil {
			return nil, err
		}
	} else if opts.Name != "" && opts.Name != id.Name {
		id.Name = opts.Name
		if err := saveIdentity(path, id); err != nil {
			return nil, err
		}
	}
	salt, err := hex.DecodeString(id.Salt)
	if err != nil {
		return nil, fmt.Errorf("identity salt: %w", err)
	}
	return &Node{Name: id.Name, GlobalID: id.GlobalID, Home: home, salt: salt}, nil
}

func newIdentity(name string) (identity, error) {
	u := uuid.New()
	if name == "" {
		name = "ghost-" + strings.SplitN(u.String(), "-", 2)[0]
	}
	if err := checkName(name); err != nil {
		return identity{}, err
	}
	gid, err := crypto.GlobalID(name, u[:])
	if err != nil {
		return identity{}, err
	}
	return identity{Name: name, Salt: hex.EncodeToString(u[:]), GlobalID: gid}, nil
}

func loadIdentity(path string) (identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return identity{}, err
	}
	var id identity
	if err := json.Unmarshal(data, &id); err != nil {
		return identity{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if id.GlobalID == 0 {
		return identity{}, fmt.Errorf("parse %s: missing global_id", path)
	}
	return id, nil
}

func saveIdentity(path string, id identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func checkName(name string) error {
	if name == "" || len(name) > MaxNameLen {
		return fmt.Errorf("name must be 1..%d bytes", MaxNameLen)
	}
	return nil
}

// Hello builds the control-stream greeting for this node.
func (n *Node) Hello(listenAddr string) proto.HelloMsg {
	return proto.HelloMsg{
		Type:         proto.MsgTypeHello,
		ProtoVersion: proto.ProtoVersion,
		Name:         n.Name,
		GlobalID:     n.GlobalID,
		ListenAddr:   listenAddr,
	}
}

// VerifyHello rejects greetings that cannot identify a peer, including one
// claiming our own global id.
func (n *Node) VerifyHello(m proto.HelloMsg) error {
	if m.GlobalID == 0 {
		return fmt.Errorf("%w: missing global_id", ErrBadHello)
	}
	if m.GlobalID == n.GlobalID {
		return fmt.Errorf("%w: global_id collides with local node", ErrBadHello)
	}
	if err := checkName(m.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHello, err)
	}
	return nil
}
