package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Operations sent to the bridge
const (
	OpSubscribe = "subscribe"
	OpPublish   = "publish"
	OpAdvertise = "advertise"
)

// ErrMalformedFrame is returned by ParseFrame for frames without a topic
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is an outbound control frame: {op, topic, type, msg?}
type Envelope struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Type  string          `json:"type,omitempty"`
	Msg   json.RawMessage `json:"msg,omitempty"`
}

// Frame is an inbound message: {topic, msg}. Other fields sent by the
// bridge (op, id) are ignored.
type Frame struct {
	Topic string          `json:"topic"`
	Msg   json.RawMessage `json:"msg"`
}

// ParseFrame decodes one inbound frame
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Topic == "" {
		return Frame{}, fmt.Errorf("%w: missing topic", ErrMalformedFrame)
	}
	return f, nil
}
