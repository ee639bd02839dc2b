// Package codec encodes wire frames. The broker speaks JSON text frames
// by default; brokers that negotiate binary framing get msgpack.
package codec

import (
	"encoding/json"
	"fmt"

	"carelink/internal/models"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

type Codec interface {
	Name() string
	// MessageType is the websocket frame type the codec produces.
	MessageType() int
	Encode(f models.Frame) ([]byte, error)
	Decode(data []byte) (models.Frame, error)
}

func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return Msgpack{}, nil
	}
	return nil, fmt.Errorf("unknown wire format %q", name)
}

type JSON struct{}

func (JSON) Name() string     { return "json" }
func (JSON) MessageType() int { return websocket.TextMessage }

func (JSON) Encode(f models.Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (JSON) Decode(data []byte) (models.Frame, error) {
	var f models.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return models.Frame{}, fmt.Errorf("decoding json frame: %w", err)
	}
	return f, nil
}

type Msgpack struct{}

func (Msgpack) Name() string     { return "msgpack" }
func (Msgpack) MessageType() int { return websocket.BinaryMessage }

func (Msgpack) Encode(f models.Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

func (Msgpack) Decode(data []byte) (models.Frame, error) {
	var f models.Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return models.Frame{}, fmt.Errorf("decoding msgpack frame: %w", err)
	}
	return f, nil
}
