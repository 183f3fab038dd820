package transport

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cuemby/hutch/pkg/ids"
	"golang.org/x/crypto/nacl/box"
)

// ErrDecrypt is returned when a sealed payload does not open.
var ErrDecrypt = errors.New("message does not decrypt")

// Codec seals and opens inter-vat payloads with the node keypair.
//
// Nonces are never random: each (peer, message number, direction) names
// exactly one nonce. The low bit disambiguates the two directions of a
// pair (the party with the greater public key uses the odd values), and
// byte 15 separates acks from messages, so no nonce is ever used for
// two different plaintexts.
type Codec struct {
	vatID string
	pub   [32]byte
	priv  [32]byte
}

// NewCodec wraps a box keypair.
func NewCodec(pub, priv []byte) (*Codec, error) {
	if len(pub) != 32 || len(priv) != 32 {
		return nil, fmt.Errorf("box keys must be 32 bytes, got %d/%d", len(pub), len(priv))
	}
	c := &Codec{vatID: ids.VatID(pub)}
	copy(c.pub[:], pub)
	copy(c.priv[:], priv)
	return c, nil
}

// VatID returns the self-certifying identity of this codec's keypair.
func (c *Codec) VatID() string { return c.vatID }

const nonceAckFlag = 15

func nonceFor(sealerPub, otherPub []byte, msgnum uint64, ack bool) *[24]byte {
	var n [24]byte
	v := 2 * msgnum
	if bytes.Compare(sealerPub, otherPub) > 0 {
		v++
	}
	binary.BigEndian.PutUint64(n[16:], v)
	if ack {
		n[nonceAckFlag] = 1
	}
	return &n
}

func (c *Codec) peerKey(peerVat string) (*[32]byte, error) {
	raw, err := ids.DecodeVatID(peerVat)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("peer key for %s has %d bytes", peerVat, len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// Seal encrypts a message numbered msgnum for peerVat.
func (c *Codec) Seal(peerVat string, msgnum uint64, plaintext []byte) ([]byte, error) {
	return c.seal(peerVat, msgnum, plaintext, false)
}

// SealAck encrypts the acknowledgment of the peer's message msgnum.
func (c *Codec) SealAck(peerVat string, msgnum uint64, plaintext []byte) ([]byte, error) {
	return c.seal(peerVat, msgnum, plaintext, true)
}

func (c *Codec) seal(peerVat string, msgnum uint64, plaintext []byte, ack bool) ([]byte, error) {
	peer, err := c.peerKey(peerVat)
	if err != nil {
		return nil, err
	}
	nonce := nonceFor(c.pub[:], peer[:], msgnum, ack)
	return box.Seal(nil, plaintext, nonce, peer, &c.priv), nil
}

// Open decrypts a message numbered msgnum sealed by peerVat.
func (c *Codec) Open(peerVat string, msgnum uint64, ciphertext []byte) ([]byte, error) {
	return c.open(peerVat, msgnum, ciphertext, false)
}

// OpenAck decrypts peerVat's acknowledgment of our message msgnum.
func (c *Codec) OpenAck(peerVat string, msgnum uint64, ciphertext []byte) ([]byte, error) {
	return c.open(peerVat, msgnum, ciphertext, true)
}

func (c *Codec) open(peerVat string, msgnum uint64, ciphertext []byte, ack bool) ([]byte, error) {
	peer, err := c.peerKey(peerVat)
	if err != nil {
		return nil, err
	}
	nonce := nonceFor(peer[:], c.pub[:], msgnum, ack)
	plaintext, ok := box.Open(nil, ciphertext, nonce, peer, &c.priv)
	if !ok {
		return nil, fmt.Errorf("from %s msgnum %d: %w", peerVat, msgnum, ErrDecrypt)
	}
	return plaintext, nil
}

// NewKeypair mints a box keypair for a new node.
func NewKeypair() (pub, priv []byte, err error) {
	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pk[:], sk[:], nil
}
