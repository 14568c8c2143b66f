package bus

import (
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
)

// Metadata keys set by transports and read by the gateway.
const (
	MetaUsername  = "username"
	MetaFirstName = "first_name"
	MetaMessageID = "message_id"
)

type InboundMessage struct {
	Channel       string
	SenderID      string
	ChatID        string
	Content       string
	Timestamp     time.Time
	Media         []string
	Metadata      map[string]any
	ContentBlocks []model.ContentBlock // images and documents attached to the message
}

// SessionKey identifies the conversation for the generation runtime.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// UserID is the memory key for the sender. Senders are scoped by channel so
// ids from different transports never collide.
func (m *InboundMessage) UserID() string {
	return m.Channel + ":" + m.SenderID
}

func (m *InboundMessage) Username() string  { return m.metaString(MetaUsername) }
func (m *InboundMessage) FirstName() string { return m.metaString(MetaFirstName) }

func (m *InboundMessage) metaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

type OutboundMessage struct {
	Channel       string
	ChatID        string
	Content       string
	ReplyTo       string
	Media         []string
	Metadata      map[string]any
	ContentBlocks []model.ContentBlock
}
