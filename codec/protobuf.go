package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

// Protobuf stores proto messages in wire format. Deterministic marshaling keeps
// map fields byte-stable. The default KV equality compares messages with
// protocmp, so decoded messages compare by content.
type Protobuf[T proto.Message] struct {
	new func() T // e.g. func() *pb.Account { return &pb.Account{} }
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

var marshal = proto.MarshalOptions{Deterministic: true}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	if any(v) == nil {
		return nil, errors.New("codec: nil proto message")
	}
	return marshal.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
