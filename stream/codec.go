package stream

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec name constants, matched against the client's negotiation request.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// Codec serializes frames for the streaming socket.
type Codec interface {
	Encode(frame *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
	Name() string
}

// CodecByName returns the codec for a negotiated name. Unknown names
// fall back to JSON, which every client speaks.
func CodecByName(name string) Codec {
	if name == CodecNameMsgpack {
		return &MsgpackCodec{}
	}
	return &JSONCodec{}
}

// JSONCodec encodes/decodes frames as JSON.
type JSONCodec struct{}

func (c *JSONCodec) Encode(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (c *JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes/decodes frames as MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(frame *Frame) ([]byte, error) {
	return msgpack.Marshal(frame)
}

func (c *MsgpackCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
