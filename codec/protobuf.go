package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/unkn0wn-root/docmirror/store"
)

// StructPB encodes documents as google.protobuf.Struct messages.
// Only JSON-compatible values survive: numbers decode as float64 and values that
// structpb cannot represent make Encode fail.
type StructPB struct{}

var _ Codec[store.Document] = StructPB{}

func (StructPB) Encode(doc store.Document) ([]byte, error) {
	s, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (StructPB) Decode(b []byte) (store.Document, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}
