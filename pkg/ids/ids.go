package ids

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// Swissnum prefixes for the persistent entity kinds. Vat ids are derived
// from the node keypair, not minted here.
const (
	VatPrefix     = "vat-"
	UrbjectPrefix = "urb-"
	PowerPrefix   = "pow-"
	MemoryPrefix  = "mem-"
)

// enc is unpadded standard base32; EncodeKey lowercases its output, which
// is the on-disk spelling of all swissnums.
var enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// Gen mints a fresh swissnum: prefix + base32 of 256 random bits. Swissnums
// are unforgeable and never reused; holding one is holding the authority.
func Gen(prefix string) string {
	return prefix + EncodeKey(randBytes(32))
}

// NewUrbjectID mints an urbject swissnum.
func NewUrbjectID() string { return Gen(UrbjectPrefix) }

// NewPowerID mints a power swissnum.
func NewPowerID() string { return Gen(PowerPrefix) }

// NewMemoryID mints a memory swissnum.
func NewMemoryID() string { return Gen(MemoryPrefix) }

// VatID derives the vat identity from a public key.
func VatID(pubkey []byte) string {
	return VatPrefix + EncodeKey(pubkey)
}

// DecodeVatID recovers the public key a vat id names. Vat ids are
// self-certifying: the id is the key.
func DecodeVatID(vatid string) ([]byte, error) {
	if !strings.HasPrefix(vatid, VatPrefix) {
		return nil, fmt.Errorf("not a vat id: %q", vatid)
	}
	key, err := enc.DecodeString(strings.ToUpper(strings.TrimPrefix(vatid, VatPrefix)))
	if err != nil {
		return nil, fmt.Errorf("bad vat id %q: %w", vatid, err)
	}
	return key, nil
}

// EncodeKey renders raw bytes in the swissnum base32 spelling.
func EncodeKey(b []byte) string {
	return strings.ToLower(enc.EncodeToString(b))
}

// Nonce returns a fresh random token for the web control port.
func Nonce() string {
	return EncodeKey(randBytes(32))
}

// PackNonce returns the one-time key name the serializer uses in place of
// the reserved __power__ marker while guest data is being encoded.
func PackNonce() string {
	return "__power_" + EncodeKey(randBytes(16)) + "__"
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the platform is broken; nothing
		// sensible can continue without entropy.
		panic(fmt.Sprintf("ids: entropy unavailable: %v", err))
	}
	return b
}
