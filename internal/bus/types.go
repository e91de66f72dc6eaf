package bus

// Direction marks which way an envelope is travelling through the gateway.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role identifies the author kind of an envelope.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChannelSystem is the reserved channel label for internal announcements
// (async bot invocations reporting back). For system envelopes the ChatID
// encodes the origin as "<origin_channel>:<origin_chat_id>".
const ChannelSystem = "system"

// MessageEnvelope is a single message in transit, inbound or outbound.
// After broker ingestion every envelope carries a non-empty RoomID.
type MessageEnvelope struct {
	Channel    string            `json:"channel"`
	ChatID     string            `json:"chat_id"`
	RoomID     string            `json:"room_id,omitempty"`
	SenderID   string            `json:"sender_id"`
	SenderRole Role              `json:"sender_role,omitempty"`
	Direction  Direction         `json:"direction"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Meta returns a metadata value, tolerating a nil map.
func (e *MessageEnvelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map on first use.
func (e *MessageEnvelope) SetMeta(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

// DedupeKey identifies an envelope for duplicate suppression. Returns ""
// when the adapter supplied no platform message ID; repeated identical input
// from such channels is legitimate, not a redelivery.
func (e *MessageEnvelope) DedupeKey() string {
	id := e.Meta("message_id")
	if id == "" {
		return ""
	}
	return e.Channel + "|" + e.ChatID + "|" + e.SenderID + "|" + id
}

// SystemOrigin splits the "<channel>:<chat_id>" encoding used by system
// envelopes. Returns ("", "") when the ChatID is not in that form.
func (e *MessageEnvelope) SystemOrigin() (channel, chatID string) {
	if e.Channel != ChannelSystem {
		return "", ""
	}
	for i := 0; i < len(e.ChatID); i++ {
		if e.ChatID[i] == ':' {
			return e.ChatID[:i], e.ChatID[i+1:]
		}
	}
	return "", ""
}
