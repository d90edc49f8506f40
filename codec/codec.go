package codec

import (
	"fmt"
	"strings"

	"github.com/unkn0wn-root/docmirror/store"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName returns a document codec by its config name: json, cbor, msgpack or protobuf.
// An empty name selects json.
func ByName(name string) (Codec[store.Document], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON[store.Document]{}, nil
	case "cbor":
		c, err := NewCBOR[store.Document](false)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "msgpack":
		return Msgpack[store.Document]{}, nil
	case "protobuf", "proto":
		return StructPB{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
