package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Protobuf encodes payloads as a google.protobuf.Value. Values that are
// already proto messages are marshaled directly.
type Protobuf struct{}

func (Protobuf) ContentType() string { return "application/x-protobuf" }

func (Protobuf) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	// Round-trip through JSON so struct tags decide field names.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	value, err := structpb.NewValue(generic)
	if err != nil {
		return nil, fmt.Errorf("convert to protobuf value: %w", err)
	}
	return proto.Marshal(value)
}

func (Protobuf) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	var value structpb.Value
	if err := proto.Unmarshal(data, &value); err != nil {
		return err
	}
	raw, err := json.Marshal(value.AsInterface())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
