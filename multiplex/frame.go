package multiplex

import (
	"errors"
	"strings"
)

// ErrMalformedFrame is returned by ParseFrame for messages without a type
// and topic.
var ErrMalformedFrame = errors.New("malformed multiplex frame")

// FrameType is the operation carried by a multiplex frame.
type FrameType string

const (
	// Subscribe opens a channel.
	Subscribe FrameType = "sub"
	// Message carries a payload for an open channel.
	Message FrameType = "msg"
	// Unsubscribe closes a channel.
	Unsubscribe FrameType = "uns"
)

// Frame is one multiplexed message, encoded as "type,topic,payload". The
// payload may itself contain commas.
type Frame struct {
	Type    FrameType
	Topic   string
	Payload string
}

// ParseFrame decodes a session message into a Frame.
func ParseFrame(msg string) (Frame, error) {
	parts := strings.SplitN(msg, ",", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Frame{}, ErrMalformedFrame
	}
	f := Frame{Type: FrameType(parts[0]), Topic: parts[1]}
	if len(parts) == 3 {
		f.Payload = parts[2]
	}
	return f, nil
}

func (f Frame) String() string {
	if f.Type == Message {
		return string(f.Type) + "," + f.Topic + "," + f.Payload
	}
	return string(f.Type) + "," + f.Topic
}
