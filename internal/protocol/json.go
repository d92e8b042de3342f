package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a JSON control message.
type MessageType string

// Client-originated message types.
const (
	TypeHello     MessageType = "hello"
	TypeListen    MessageType = "listen"
	TypeAbort     MessageType = "abort"
	TypeMCP       MessageType = "mcp"
	TypeGoodbye   MessageType = "goodbye"
	TypeHeartbeat MessageType = "heartbeat"
)

// Server-originated message types.
const (
	TypeSTT    MessageType = "stt"
	TypeTTS    MessageType = "tts"
	TypeLLM    MessageType = "llm"
	TypeSystem MessageType = "system"
	TypeError  MessageType = "error"
)

// Listen states carried by listen messages.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

// TTS states carried by server tts messages.
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSStop          = "stop"
)

// AudioParams are the audio settings negotiated at hello time.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// UDPInfo describes the UDP audio side-channel issued in the server hello.
// Key and nonce are hex-encoded, generated once per session, never reused.
type UDPInfo struct {
	Server string `json:"server"`
	Port   int    `json:"port"`
	Key    string `json:"key"`
	Nonce  string `json:"nonce"`
}

// RPCRequest is the JSON-RPC 2.0-shaped payload of an mcp message.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is the error member of an RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCResponse is the reply envelope for an mcp message.
// Exactly one of Result and Error is set.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Message is the decoded JSON control envelope. Type is always populated;
// the remaining fields are set only when present on the wire. Unknown type
// values decode successfully — "no handler for this type" is a dispatcher
// outcome, not a parse error.
type Message struct {
	Type      MessageType  `json:"type"`
	Version   int          `json:"version,omitempty"`
	Transport string       `json:"transport,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	State     string       `json:"state,omitempty"`
	Text      string       `json:"text,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
	Audio     *AudioParams `json:"audio_params,omitempty"`
	UDP       *UDPInfo     `json:"udp,omitempty"`
	Payload   *RPCRequest  `json:"payload,omitempty"`

	// Server-only fields.
	Emotion string `json:"emotion,omitempty"`
	Command string `json:"command,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseMessage decodes one UTF-8 text frame into a [Message].
// A missing type field is a parse error; an unrecognised one is not.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode control message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("protocol: control message has no type field")
	}
	return m, nil
}

// EncodeMessage serialises m for sending as a text frame.
func EncodeMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode control message: %w", err)
	}
	return data, nil
}

// ServerHello builds the hello reply sent after a successful handshake.
func ServerHello(transport, sessionID string, params AudioParams, udp *UDPInfo) Message {
	return Message{
		Type:      TypeHello,
		Transport: transport,
		SessionID: sessionID,
		Audio:     &params,
		UDP:       udp,
	}
}

// EncodeMCPReply serialises an mcp reply carrying a JSON-RPC response
// payload.
func EncodeMCPReply(sessionID string, resp RPCResponse) ([]byte, error) {
	reply := struct {
		Type      MessageType `json:"type"`
		SessionID string      `json:"session_id,omitempty"`
		Payload   RPCResponse `json:"payload"`
	}{TypeMCP, sessionID, resp}

	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode mcp reply: %w", err)
	}
	return data, nil
}

// ErrorMessage builds a server error message.
func ErrorMessage(text string) Message {
	return Message{Type: TypeError, Message: text}
}
