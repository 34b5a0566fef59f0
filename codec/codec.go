// Package codec holds the per-method serialization boundary.
//
// The call engine never inspects user values: it moves opaque request and
// response bundles through a pair of user-supplied functions. A Codec is
// that pair plus the codec name carried in the content-type
// (application/grpc+<name>).
package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Serializer turns one caller-visible value into payload bytes.
type Serializer func(v any) ([]byte, error)

// Deserializer turns payload bytes back into a value.
type Deserializer func(data []byte) (any, error)

// Codec is a typed holder for one direction pair of a method. Name is the
// content-type suffix ("proto", "json").
type Codec struct {
	Name      string
	Marshal   Serializer
	Unmarshal Deserializer
}

// JSON returns a codec that marshals with encoding/json and unmarshals into
// a fresh value produced by newValue. Multi-argument calls pack their
// arguments as a single JSON array before reaching the codec.
func JSON(newValue func() any) Codec {
	return Codec{
		Name:    "json",
		Marshal: func(v any) ([]byte, error) { return json.Marshal(v) },
		Unmarshal: func(data []byte) (any, error) {
			v := newValue()
			if err := json.Unmarshal(data, v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Proto returns a codec for protobuf messages. newMessage allocates the
// concrete message type to unmarshal into.
func Proto(newMessage func() proto.Message) Codec {
	return Codec{
		Name: "proto",
		Marshal: func(v any) ([]byte, error) {
			m, ok := v.(proto.Message)
			if !ok {
				return nil, fmt.Errorf("codec: %T is not a proto.Message", v)
			}
			return proto.Marshal(m)
		},
		Unmarshal: func(data []byte) (any, error) {
			m := newMessage()
			if err := proto.Unmarshal(data, m); err != nil {
				return nil, err
			}
			return m, nil
		},
	}
}

// Raw passes payload bytes through untouched. Useful for gateways and tests.
func Raw(name string) Codec {
	return Codec{
		Name: name,
		Marshal: func(v any) ([]byte, error) {
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("codec: raw codec needs []byte, got %T", v)
			}
			return b, nil
		},
		Unmarshal: func(data []byte) (any, error) {
			return data, nil
		},
	}
}
