package chat

import (
	"time"

	"github.com/suPer8Hu/portfolio-chat/internal/identity"
)

// Conversation is the durable record of a two-party thread (chats/{key}).
type Conversation struct {
	Key               string     `gorm:"column:chat_key;primaryKey;type:varchar(80)" json:"id"`
	ParticipantA      string     `gorm:"type:varchar(36);index;not null" json:"-"`
	ParticipantB      string     `gorm:"type:varchar(36);index;not null" json:"-"`
	LastMessageText   *string    `gorm:"type:text" json:"-"`
	LastMessageSender *string    `gorm:"type:varchar(36)" json:"-"`
	LastMessageAt     *time.Time `gorm:"index" json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"-"`
}

func (Conversation) TableName() string { return "chats" }

// Member is one participant's view of a conversation: the unread counter and
// a cached copy of the participant's profile. The cache is refreshed every
// time the thread is opened and is only used for display.
type Member struct {
	ChatKey         string `gorm:"primaryKey;type:varchar(80)"`
	UserID          string `gorm:"primaryKey;type:varchar(36);index"`
	Unread          int    `gorm:"not null;default:0"`
	DisplayName     string `gorm:"type:varchar(120)"`
	Email           string `gorm:"type:varchar(190)"`
	ProfileSyncedAt time.Time
}

func (Member) TableName() string { return "chat_members" }

// Message is immutable except for IsRead, which only goes false -> true.
type Message struct {
	ID        string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	ChatKey   string    `gorm:"type:varchar(80);not null;index:idx_chat_msg_order,priority:1;index:idx_chat_msg_unread,priority:1" json:"-"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	SenderID  string    `gorm:"type:varchar(36);not null;index:idx_chat_msg_unread,priority:2" json:"senderId"`
	CreatedAt time.Time `gorm:"not null;index:idx_chat_msg_order,priority:2" json:"timestamp"`
	IsRead    bool      `gorm:"not null;default:false;index:idx_chat_msg_unread,priority:3" json:"read"`
}

func (Message) TableName() string { return "chat_messages" }

// Models lists the tables owned by this package, for migrations.
func Models() []any {
	return []any{&Conversation{}, &Member{}, &Message{}}
}

type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

// Document is the JSON shape of a conversation as clients see it.
type Document struct {
	ID                  string                      `json:"id"`
	Participants        []string                    `json:"participants"`
	ParticipantProfiles map[string]identity.Profile `json:"participantProfiles"`
	UnreadCount         map[string]int              `json:"unreadCount"`
	LastMessage         *LastMessage                `json:"lastMessage,omitempty"`
	CreatedAt           time.Time                   `json:"createdAt"`
}

func (c Conversation) lastMessage() *LastMessage {
	if c.LastMessageAt == nil || c.LastMessageText == nil {
		return nil
	}
	lm := &LastMessage{Text: *c.LastMessageText, Timestamp: *c.LastMessageAt}
	if c.LastMessageSender != nil {
		lm.SenderID = *c.LastMessageSender
	}
	return lm
}

func (c Conversation) document(members []Member) Document {
	d := Document{
		ID:                  c.Key,
		Participants:        []string{c.ParticipantA, c.ParticipantB},
		ParticipantProfiles: make(map[string]identity.Profile, 2),
		UnreadCount:         map[string]int{c.ParticipantA: 0, c.ParticipantB: 0},
		LastMessage:         c.lastMessage(),
		CreatedAt:           c.CreatedAt,
	}
	for _, m := range members {
		if m.ChatKey != c.Key {
			continue
		}
		d.UnreadCount[m.UserID] = m.Unread
		d.ParticipantProfiles[m.UserID] = identity.Profile{ID: m.UserID, DisplayName: m.DisplayName, Email: m.Email}
	}
	return d
}

// other returns the participant that is not me.
func (c Conversation) other(me string) (string, bool) {
	switch me {
	case c.ParticipantA:
		return c.ParticipantB, true
	case c.ParticipantB:
		return c.ParticipantA, true
	}
	return "", false
}
