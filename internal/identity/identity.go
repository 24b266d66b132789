// Package identity loads or creates the node's persistent key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var ErrBadKey = errors.New("identity key unreadable")

type Identity struct {
	ID      peer.ID
	PrivKey crypto.PrivKey
}

// LoadOrCreate reads a hex-encoded protobuf private key from path, creating
// and persisting a fresh ed25519 key when the file does not exist.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return decode(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return fromPrivKey(priv)
}

func decode(data []byte) (*Identity, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return fromPrivKey(priv)
}

func fromPrivKey(priv crypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return &Identity{ID: id, PrivKey: priv}, nil
}

// Ed25519 exposes the raw key for TLS certificates.
func (i *Identity) Ed25519() (ed25519.PrivateKey, error) {
	if i == nil || i.PrivKey == nil {
		return nil, ErrBadKey
	}
	if i.PrivKey.Type() != crypto.Ed25519 {
		return nil, fmt.Errorf("%w: key type %v", ErrBadKey, i.PrivKey.Type())
	}
	raw, err := i.PrivKey.Raw()
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: raw size %d", ErrBadKey, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

func PathFor(dir, name string) string {
	return filepath.Join(dir, name+"_id")
}
