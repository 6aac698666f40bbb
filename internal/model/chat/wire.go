package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Push channel frame types.
const (
	FrameSendMessage = "send_message"
	FrameNewMessage  = "new_message"
)

// WireUser is the nested user object of a message payload.
type WireUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// WireMessage is the JSON form of a message shared by the REST API and the push channel.
type WireMessage struct {
	ID        int64     `json:"id"`
	Room      string    `json:"room,omitempty"`
	User      WireUser  `json:"user"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Edited    bool      `json:"edited"`
}

// ToMessage converts the payload into a confirmed remote entry for room.
func (w WireMessage) ToMessage(room string) Message {
	if room == "" {
		room = w.Room
	}
	return Message{
		Ref:               ServerRef(w.ID),
		RoomSlug:          room,
		SenderID:          w.User.ID,
		SenderDisplayName: w.User.Username,
		Content:           w.Content,
		Timestamp:         w.Timestamp,
		Origin:            OriginRemote,
		State:             StateConfirmed,
	}
}

// MessagePage is one page of a room's history as returned by the REST API.
// Results are newest first.
type MessagePage struct {
	Results []WireMessage `json:"results"`
	Next    *string       `json:"next"`
}

// Frame is the envelope of every push channel event.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SendPayload is the body of a send_message frame and of the REST create call.
type SendPayload struct {
	Content string `json:"content"`
}

// EncodeSend builds a send_message frame.
func EncodeSend(content string) ([]byte, error) {
	data, err := json.Marshal(SendPayload{Content: content})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: FrameSendMessage, Data: data})
}

// EncodeNewMessage builds a new_message frame.
func EncodeNewMessage(msg WireMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: FrameNewMessage, Data: data})
}

// DecodeFrame parses a raw push payload.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return frame, nil
}

// DecodeNewMessage extracts the message carried by a new_message frame.
func DecodeNewMessage(frame Frame) (WireMessage, error) {
	if frame.Type != FrameNewMessage {
		return WireMessage{}, fmt.Errorf("unexpected frame type %q", frame.Type)
	}
	var msg WireMessage
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		return WireMessage{}, fmt.Errorf("decode new_message: %w", err)
	}
	if msg.ID == 0 {
		return WireMessage{}, fmt.Errorf("decode new_message: missing id")
	}
	return msg, nil
}
