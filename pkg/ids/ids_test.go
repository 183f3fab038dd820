package ids

import (
	"strings"
	"testing"
)

func TestGen(t *testing.T) {
	tests := []struct {
		name   string
		mint   func() string
		prefix string
	}{
		{name: "urbject", mint: NewUrbjectID, prefix: "urb-"},
		{name: "power", mint: NewPowerID, prefix: "pow-"},
		{name: "memory", mint: NewMemoryID, prefix: "mem-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.mint()
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("id %q missing prefix %q", id, tt.prefix)
			}
			// 256 bits of base32 is 52 characters
			if got := len(id) - len(tt.prefix); got != 52 {
				t.Errorf("id body length = %d, want 52", got)
			}
			if id == tt.mint() {
				t.Error("two mints produced the same swissnum")
			}
			if strings.ContainsAny(id[len(tt.prefix):], "=") {
				t.Errorf("id %q contains padding", id)
			}
		})
	}
}

func TestVatIDRoundTrip(t *testing.T) {
	key := randBytes(32)
	vatid := VatID(key)
	if !strings.HasPrefix(vatid, "vat-") {
		t.Fatalf("vat id %q missing prefix", vatid)
	}
	got, err := DecodeVatID(vatid)
	if err != nil {
		t.Fatalf("DecodeVatID: %v", err)
	}
	if string(got) != string(key) {
		t.Error("decoded key does not match original")
	}
}

func TestDecodeVatIDRejectsOtherPrefixes(t *testing.T) {
	if _, err := DecodeVatID("urb-aaaa"); err == nil {
		t.Error("expected error for non-vat prefix")
	}
}

func TestPackNonce(t *testing.T) {
	n := PackNonce()
	if !strings.HasPrefix(n, "__power_") || !strings.HasSuffix(n, "__") {
		t.Errorf("nonce key %q has wrong shape", n)
	}
	if n == "__power__" {
		t.Error("nonce key collides with the reserved marker")
	}
	if n == PackNonce() {
		t.Error("nonce keys must be one-time")
	}
}
