// Package codec provides the payload codecs callers layer on top of the
// message bus. The bus itself is type-agnostic; these codecs give senders and
// receivers a shared, deterministic encoding keyed by a one-byte format tag.
package codec

// Format is the compact on-wire indicator of a payload encoding. It travels
// as the first byte of an encoded body.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCBOR:
		return "application/cbor"
	case FormatProto:
		return "application/x-protobuf"
	default:
		return "application/octet-stream"
	}
}

// Codec marshals typed messages. Implementations should be deterministic and
// safe for cross-process exchange.
type Codec interface {
	Format() Format
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps formats to codecs.
type Registry struct{ byFormat map[Format]Codec }

// NewRegistry constructs a registry preloaded with the codecs that need no
// initialization: JSON and Protobuf. CBOR is added via Register(CBOR()).
func NewRegistry() *Registry {
	r := &Registry{byFormat: make(map[Format]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	return r
}

// Register adds a codec, replacing any previous one for its format.
func (r *Registry) Register(c Codec) { r.byFormat[c.Format()] = c }

// Get returns the codec for f, or nil.
func (r *Registry) Get(f Format) Codec { return r.byFormat[f] }
