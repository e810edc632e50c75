package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed view of a message. Each variant corresponds to one Type.
type Payload interface {
	MessageType() Type
}

type Post struct {
	ID        any    `json:"id"`
	Title     string `json:"title,omitempty"`
	Slug      string `json:"slug,omitempty"`
	Published bool   `json:"published,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type PostsUpdate struct {
	Posts  []Post `json:"posts"`
	Domain string `json:"domain,omitempty"`
}

type SiteConfigUpdate struct {
	Config map[string]any `json:"config"`
	Domain string         `json:"domain,omitempty"`
}

type MediaItem struct {
	ID          any    `json:"id"`
	URL         string `json:"url,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type MediaUpdate struct {
	Media  []MediaItem `json:"media"`
	Domain string      `json:"domain,omitempty"`
}

type MediaDelete struct {
	ID     any    `json:"id"`
	Domain string `json:"domain,omitempty"`
}

type Picture struct {
	ID       any    `json:"id"`
	URL      string `json:"url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Position int    `json:"position,omitempty"`
}

type PicsUpdate struct {
	Pics   []Picture `json:"pics"`
	Domain string    `json:"domain,omitempty"`
}

type PicsDelete struct {
	ID     any    `json:"id"`
	Domain string `json:"domain,omitempty"`
}

type ConnectedInfo struct {
	Domain       string
	SessionCount int
}

type PingRequest struct{}

type PongReply struct {
	Domain string
}

type Echo struct {
	Data json.RawMessage
}

type ErrorInfo struct {
	Domain  string
	Message string
}

// Unknown keeps types this build does not know about.
type Unknown struct {
	Type Type
	Raw  json.RawMessage
}

func (PostsUpdate) MessageType() Type      { return TypePostsUpdate }
func (SiteConfigUpdate) MessageType() Type { return TypeSiteConfigUpdate }
func (MediaUpdate) MessageType() Type      { return TypeMediaUpdate }
func (MediaDelete) MessageType() Type      { return TypeMediaDelete }
func (PicsUpdate) MessageType() Type       { return TypePicsUpdate }
func (PicsDelete) MessageType() Type       { return TypePicsDelete }
func (ConnectedInfo) MessageType() Type    { return TypeConnected }
func (PingRequest) MessageType() Type      { return TypePing }
func (PongReply) MessageType() Type        { return TypePong }
func (Echo) MessageType() Type             { return TypeEcho }
func (ErrorInfo) MessageType() Type        { return TypeError }
func (u Unknown) MessageType() Type        { return u.Type }

// Decode returns the typed payload for m. Update types whose data does not match the
// schema are an error; unrecognized types decode to Unknown.
func Decode(m Message) (Payload, error) {
	switch m.Type {
	case TypePostsUpdate:
		return decodeData[PostsUpdate](m)
	case TypeSiteConfigUpdate:
		return decodeData[SiteConfigUpdate](m)
	case TypeMediaUpdate:
		return decodeData[MediaUpdate](m)
	case TypeMediaDelete:
		return decodeData[MediaDelete](m)
	case TypePicsUpdate:
		return decodeData[PicsUpdate](m)
	case TypePicsDelete:
		return decodeData[PicsDelete](m)
	case TypeConnected:
		info := ConnectedInfo{Domain: m.Domain}
		if m.SessionCount != nil {
			info.SessionCount = *m.SessionCount
		}
		return info, nil
	case TypePing:
		return PingRequest{}, nil
	case TypePong:
		return PongReply{Domain: m.Domain}, nil
	case TypeEcho:
		return Echo{Data: m.Data}, nil
	case TypeError:
		return ErrorInfo{Domain: m.Domain, Message: m.Message}, nil
	default:
		return Unknown{Type: m.Type, Raw: m.Data}, nil
	}
}

func decodeData[T Payload](m Message) (Payload, error) {
	var p T
	if len(m.Data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(m.Data, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return p, nil
}
