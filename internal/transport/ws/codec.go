package ws

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/revmetrix/watchlink/internal/bridge"
)

// Request is one application call.
type Request struct {
	ID     uint64      `json:"id" cbor:"id"`
	Method string      `json:"method" cbor:"method"`
	Args   bridge.Args `json:"args" cbor:"args"`
}

// Reply answers the Request with the same ID.
type Reply struct {
	ID     uint64        `json:"id" cbor:"id"`
	Status bridge.Status `json:"status" cbor:"status"`
	Code   string        `json:"code,omitempty" cbor:"code,omitempty"`
	Error  string        `json:"error,omitempty" cbor:"error,omitempty"`
}

// Event is pushed to every client.
type Event struct {
	Event string `json:"event" cbor:"event"`
	Args  any    `json:"args,omitempty" cbor:"args,omitempty"`
}

func newReply(id uint64, r bridge.Result) Reply {
	rep := Reply{ID: id, Status: r.Status, Code: r.Code}
	if r.Status != bridge.StatusSuccess {
		rep.Error = r.Message
	}
	return rep
}

// Codec encodes envelopes for one websocket frame type.
type Codec interface {
	Name() string
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) FrameType() int                     { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) FrameType() int                     { return websocket.BinaryMessage }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

// JSON carries bytes as base64 in text frames; CBOR carries them natively in
// binary frames.
var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// CodecByName returns the codec called name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("ws: unknown codec %q", name)
	}
}

func codecForFrame(frameType int) (Codec, bool) {
	switch frameType {
	case websocket.TextMessage:
		return JSON, true
	case websocket.BinaryMessage:
		return CBOR, true
	default:
		return nil, false
	}
}
