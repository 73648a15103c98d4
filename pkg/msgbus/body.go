package msgbus

import (
	"fmt"

	"pipebus/pkg/codec"
)

// Typed payload helpers. The bus carries opaque bytes; callers that exchange
// structured task data prefix the payload with a one-byte format tag and use
// the codec registry to pick the encoding.

// codecFor resolves a codec for f, falling back to the built-ins when the
// registry has no entry.
func codecFor(r *codec.Registry, f codec.Format) (codec.Codec, error) {
	if c := r.Get(f); c != nil {
		return c, nil
	}
	switch f {
	case codec.FormatJSON:
		return codec.JSON(), nil
	case codec.FormatCBOR:
		return codec.CBOR()
	case codec.FormatProto:
		return codec.Proto(), nil
	default:
		return nil, fmt.Errorf("msgbus: unknown payload format: %d", f)
	}
}

// EncodeBody serializes v with the codec for f and prefixes the result with
// the format byte, producing a payload ready for SendData.Data.
func EncodeBody(r *codec.Registry, f codec.Format, v any) ([]byte, error) {
	c, err := codecFor(r, f)
	if err != nil {
		return nil, err
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(f)
	copy(out[1:], b)
	return out, nil
}

// DecodeBody decodes a payload produced by EncodeBody into v and reports the
// format it carried.
func DecodeBody(r *codec.Registry, payload []byte, v any) (codec.Format, error) {
	if len(payload) == 0 {
		return codec.FormatUnknown, fmt.Errorf("msgbus: empty payload")
	}
	f := codec.Format(payload[0])
	c, err := codecFor(r, f)
	if err != nil {
		return f, err
	}
	if err := c.Unmarshal(payload[1:], v); err != nil {
		return f, err
	}
	return f, nil
}
