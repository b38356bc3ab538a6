package bus

// Peer identifies who a message is routed to: a direct chat or a group.
type Peer struct {
	Kind string `json:"kind"` // "direct" | "group"
	ID   string `json:"id"`
}

// InboundMessage is the context handed to the bot framework for every
// message that passed routing.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	SenderID    string            `json:"sender_id"`
	ChatID      string            `json:"chat_id"`
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"`
	Media       []string          `json:"media,omitempty"`
	Peer        Peer              `json:"peer"`
	MessageID   string            `json:"message_id,omitempty"`
	MediaScope  string            `json:"media_scope,omitempty"`
	SessionKey  string            `json:"session_key"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Outbound kinds understood by the wx849 channel.
const (
	OutboundText   = ""
	OutboundAppXML = "app_xml"
)

type OutboundMessage struct {
	Channel string   `json:"channel"`
	ChatID  string   `json:"chat_id"`
	Content string   `json:"content"`
	Media   []string `json:"media,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	// AppType is the appmsg type used when Kind is OutboundAppXML.
	AppType int `json:"app_type,omitempty"`
}
