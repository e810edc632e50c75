package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the discriminator carried in every envelope.
type Type string

// Update vocabulary pushed by collaborators after they mutate tenant-visible data.
const (
	TypePostsUpdate      Type = "POSTS_UPDATE"
	TypeSiteConfigUpdate Type = "SITE_CONFIG_UPDATE"
	TypeMediaUpdate      Type = "MEDIA_UPDATE"
	TypeMediaDelete      Type = "MEDIA_DELETE"
	TypePicsUpdate       Type = "PICS_UPDATE"
	TypePicsDelete       Type = "PICS_DELETE"
)

// Control types exchanged between a session and the hub.
const (
	TypeConnected Type = "connected"
	TypePing      Type = "ping"
	TypePong      Type = "pong"
	TypeEcho      Type = "echo"
	TypeError     Type = "error"
)

// InvalidMessageFormat is the text of the error reply sent for unparseable frames.
const InvalidMessageFormat = "Invalid message format"

var (
	ErrMissingType = errors.New("message type is required")
	ErrInvalidJSON = errors.New("frame is not valid JSON")
)

// Message is the envelope sent over the socket.
type Message struct {
	Type         Type            `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	Domain       string          `json:"domain,omitempty"`
	SessionCount *int            `json:"sessionCount,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// New builds an update message, marshalling data into the envelope.
func New(t Type, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Data: raw}, nil
}

func Connected(domain string, sessionCount int) Message {
	return Message{Type: TypeConnected, Domain: domain, SessionCount: &sessionCount}
}

func Ping() Message {
	return Message{Type: TypePing}
}

func Pong(domain string) Message {
	return Message{Type: TypePong, Domain: domain}
}

func ErrorReply(domain, text string) Message {
	return Message{Type: TypeError, Domain: domain, Message: text}
}

// Parse decodes a raw frame. The type must be present.
func Parse(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}

// InboundType reads the type of a frame sent by a session. Only frames that are not valid
// JSON are an error; valid JSON without a string type yields an empty Type.
func InboundType(raw []byte) (Type, error) {
	if !json.Valid(raw) {
		return "", ErrInvalidJSON
	}
	var head struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", nil
	}
	t, _ := head.Type.(string)
	return Type(t), nil
}

// Encode serializes the envelope for wire transfer.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return b, nil
}

// WithDomain returns a copy stamped with the given domain.
func (m Message) WithDomain(domain string) Message {
	m.Domain = domain
	return m
}

// CanonicalData returns the compact form of Data, used as the dedup fingerprint.
// Absent data serializes as "null".
func (m Message) CanonicalData() (string, error) {
	if len(bytes.TrimSpace(m.Data)) == 0 {
		return "null", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, m.Data); err != nil {
		return "", fmt.Errorf("compact %s payload: %w", m.Type, err)
	}
	return buf.String(), nil
}

// DataDomain returns data.domain when the payload is an object carrying a string domain.
func (m Message) DataDomain() string {
	if len(m.Data) == 0 {
		return ""
	}
	var probe struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(m.Data, &probe); err != nil {
		return ""
	}
	return probe.Domain
}

// IsUpdate reports whether t belongs to the collaborator vocabulary.
func IsUpdate(t Type) bool {
	switch t {
	case TypePostsUpdate, TypeSiteConfigUpdate, TypeMediaUpdate, TypeMediaDelete, TypePicsUpdate, TypePicsDelete:
		return true
	default:
		return false
	}
}
