package types

import (
	"encoding/json"
	"testing"
)

func TestSpidRoundTrip(t *testing.T) {
	vatid := "vat-aaaabbbb"
	urbjid := "urb-ccccdddd"
	spid := MakeSpid(vatid, urbjid)
	gotVat, gotUrb, err := ParseSpid(spid)
	if err != nil {
		t.Fatalf("ParseSpid(%q): %v", spid, err)
	}
	if gotVat != vatid || gotUrb != urbjid {
		t.Errorf("round trip = (%q, %q), want (%q, %q)", gotVat, gotUrb, vatid, urbjid)
	}
}

func TestParseSpidRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		spid string
	}{
		{name: "no colon", spid: "vat-aaaa"},
		{name: "wrong prefixes", spid: "mem-aaaa:pow-bbbb"},
		{name: "empty", spid: ""},
		{name: "bare urbjid", spid: "urb-bbbb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseSpid(tt.spid); err == nil {
				t.Errorf("ParseSpid(%q) accepted garbage", tt.spid)
			}
		})
	}
}

func TestTagShapes(t *testing.T) {
	doc, err := EncodeTags(map[string]any{
		"memory":       MemoryTag("mem-x"),
		"make_urbject": NativeTag(NativeMakeUrbject),
		"friend":       ReferenceTag(RefID{Vat: "vat-v", Urbject: "urb-u"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]map[string]any
	if err := json.Unmarshal([]byte(doc), &back); err != nil {
		t.Fatal(err)
	}
	if back["memory"][PowerMarker] != "memory" || back["memory"]["swissnum"] != "mem-x" {
		t.Errorf("bad memory tag: %v", back["memory"])
	}
	if back["make_urbject"][PowerMarker] != "native" {
		t.Errorf("bad native tag: %v", back["make_urbject"])
	}
	ref, ok := back["friend"]["swissnum"].([]any)
	if !ok || len(ref) != 2 || ref[0] != "vat-v" || ref[1] != "urb-u" {
		t.Errorf("bad reference swissnum: %v", back["friend"]["swissnum"])
	}
}
