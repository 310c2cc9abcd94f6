package kernel

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the messaging protocol version sent in every header.
const ProtocolVersion = "5.3"

// Channel names used on the multiplexed websocket.
const (
	ChannelShell = "shell"
	ChannelIOPub = "iopub"
)

// Header is a message header.
type Header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
	Date     string `json:"date"`
}

// Message is one frame of the kernel websocket. Content is decoded lazily
// according to the header's msg_type.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader Header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel"`
	Buffers      []any           `json:"buffers"`
}

type executeRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type dataContent struct {
	Data           map[string]any `json:"data"`
	ExecutionCount int            `json:"execution_count"`
}

type errorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

type replyContent struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
	errorContent
}

func newMessage(session, username, msgType string, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Username: username,
			Session:  session,
			MsgType:  msgType,
			Version:  ProtocolVersion,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
		},
		Metadata: map[string]any{},
		Content:  raw,
		Channel:  ChannelShell,
		Buffers:  []any{},
	}, nil
}

// MarshalJSON writes an empty object for a zero parent header, as kernels
// expect.
func (m *Message) MarshalJSON() ([]byte, error) {
	type alias Message
	out := struct {
		*alias
		ParentHeader any `json:"parent_header"`
	}{alias: (*alias)(m)}
	if m.ParentHeader == (Header{}) {
		out.ParentHeader = map[string]any{}
	} else {
		out.ParentHeader = m.ParentHeader
	}
	return json.Marshal(out)
}
