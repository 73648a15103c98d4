package msgbus

import (
	"bytes"
	"testing"

	"pipebus/pkg/codec"
)

func TestEncodeDecodeBodyJSON(t *testing.T) {
	reg := codec.NewRegistry()
	in := map[string]any{"x": 1.0, "y": "z"}
	b, err := EncodeBody(reg, codec.FormatJSON, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b[0] != byte(codec.FormatJSON) {
		t.Fatalf("format prefix mismatch")
	}
	var out map[string]any
	f, err := DecodeBody(reg, b, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f != codec.FormatJSON {
		t.Fatalf("format = %v", f)
	}
	if out["y"] != "z" {
		t.Fatalf("value mismatch: %v", out)
	}
}

func TestEncodeDecodeBodyCBOR(t *testing.T) {
	reg := codec.NewRegistry()
	// CBOR resolves through the fallback even without registration.
	in := map[string][]byte{"blob": bytes.Repeat([]byte{0x5a}, 32)}
	b, err := EncodeBody(reg, codec.FormatCBOR, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out map[string][]byte
	if _, err := DecodeBody(reg, b, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out["blob"], in["blob"]) {
		t.Fatalf("value mismatch")
	}
}

func TestDecodeBodyRejectsEmptyAndUnknown(t *testing.T) {
	reg := codec.NewRegistry()
	var out any
	if _, err := DecodeBody(reg, nil, &out); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := DecodeBody(reg, []byte{0xFF, 0x01}, &out); err == nil {
		t.Fatalf("expected error for unknown format byte")
	}
}
