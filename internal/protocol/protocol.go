// Package protocol translates between WebSocket text frames and the typed
// commands and events the gateway understands. It holds no state.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// Inbound message types
const (
	TypeAuthenticate = "authenticate"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
)

// Outbound message types
const (
	TypeConnection      = "connection"
	TypeAuthentication  = "authentication"
	TypeSubscription    = "subscription"
	TypeUnsubscription  = "unsubscription"
	TypePong            = "pong"
	TypeError           = "error"
	TypeDashboardUpdate = "dashboard_update"
	TypeAlert           = "alert"
	TypeMetricUpdate    = "metric_update"
)

// Status values
const (
	StatusConnected = "connected"
	StatusSuccess   = "success"
	StatusPartial   = "partial"
	StatusError     = "error"
)

// Error codes carried by error frames
const (
	CodeInvalidMessageFormat   = "INVALID_MESSAGE_FORMAT"
	CodeUnknownMessageType     = "UNKNOWN_MESSAGE_TYPE"
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeAuthenticationFailed   = "AUTHENTICATION_FAILED"
	CodeAlreadyAuthenticated   = "ALREADY_AUTHENTICATED"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeTenantConnectionLimit  = "TENANT_CONNECTION_LIMIT"
	CodeChannelsRequired       = "CHANNELS_REQUIRED"
)

// Error is a recoverable protocol failure reported back to the sender
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

var (
	errInvalidFormat    = &Error{Code: CodeInvalidMessageFormat, Message: "invalid message format"}
	errUnknownType      = &Error{Code: CodeUnknownMessageType, Message: "unknown message type"}
	errChannelsRequired = &Error{Code: CodeChannelsRequired, Message: "channels required"}
)

// Command is a decoded inbound frame
type Command struct {
	Type     string
	Token    string
	Channels []string
}

type inbound struct {
	Type     string   `json:"type"`
	Token    string   `json:"token"`
	Channels []string `json:"channels"`
}

// Decode parses one inbound text frame. Authenticate commands may carry an
// empty token; the gateway answers that with an authentication error rather
// than a protocol error.
func Decode(data []byte) (Command, *Error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Command{}, errInvalidFormat
	}
	if msg.Type == "" {
		return Command{}, errInvalidFormat
	}

	cmd := Command{Type: msg.Type}
	switch msg.Type {
	case TypeAuthenticate:
		cmd.Token = msg.Token
	case TypeSubscribe, TypeUnsubscribe:
		channels := make([]string, 0, len(msg.Channels))
		seen := make(map[string]struct{}, len(msg.Channels))
		for _, ch := range msg.Channels {
			if ch == "" {
				continue
			}
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			channels = append(channels, ch)
		}
		if len(channels) == 0 {
			return Command{}, errChannelsRequired
		}
		cmd.Channels = channels
	case TypePing:
	default:
		return Command{}, errUnknownType
	}
	return cmd, nil
}

// Timestamp is the wire representation of t: Unix milliseconds
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// ConnectionFrame acknowledges a new socket
type ConnectionFrame struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	ConnectionID int64  `json:"connection_id"`
	Timestamp    int64  `json:"timestamp"`
}

// AuthenticationFrame answers an authenticate command
type AuthenticationFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// DeniedChannel explains one refused subscription
type DeniedChannel struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

// SubscriptionFrame answers a subscribe command. Channels lists the granted
// subset; Denied is present only when something was refused.
type SubscriptionFrame struct {
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Channels  []string        `json:"channels"`
	Requested []string        `json:"requested"`
	Denied    []DeniedChannel `json:"denied,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// UnsubscriptionFrame answers an unsubscribe command, or tells the client a
// subscription was revoked (Reason set)
type UnsubscriptionFrame struct {
	Type              string   `json:"type"`
	Status            string   `json:"status"`
	Channels          []string `json:"channels"`
	RemainingChannels []string `json:"remaining_channels"`
	Reason            string   `json:"reason,omitempty"`
	Timestamp         int64    `json:"timestamp"`
}

// PongFrame answers a ping
type PongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame reports a recoverable failure
type ErrorFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewErrorFrame builds an error frame
func NewErrorFrame(code, message string, now time.Time) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message, Timestamp: Timestamp(now)}
}

// FrameFor converts a protocol error into its frame
func (e *Error) FrameFor(now time.Time) ErrorFrame {
	return NewErrorFrame(e.Code, e.Message, now)
}

// Encode marshals an outbound frame
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

// EncodeEvent builds a domain event frame. Object payloads are spread into
// the frame next to type, channel and timestamp, which always win over
// payload keys of the same name. Any other payload is placed under "data".
func EncodeEvent(eventType, channel string, payload json.RawMessage, now time.Time) ([]byte, error) {
	frame := make(map[string]any)

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			frame[k] = v
		}
	} else if len(trimmed) > 0 {
		if !json.Valid(trimmed) {
			return nil, errInvalidFormat
		}
		frame["data"] = json.RawMessage(trimmed)
	}

	frame["type"] = eventType
	if channel != "" {
		frame["channel"] = channel
	}
	frame["timestamp"] = Timestamp(now)
	return json.Marshal(frame)
}
