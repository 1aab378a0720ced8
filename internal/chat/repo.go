package chat

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/portfolio-chat/internal/identity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// EnsureConversation creates the conversation and both member rows when
// missing and refreshes the cached participant profiles. Unread counters of
// existing members are left untouched. created reports whether the
// conversation row was inserted by this call.
func (r *Repo) EnsureConversation(ctx context.Context, key string, a, b identity.Profile) (created bool, err error) {
	pa, pb := a, b
	if pb.ID < pa.ID {
		pa, pb = pb, pa
	}
	now := time.Now().UTC()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv := Conversation{Key: key, ParticipantA: pa.ID, ParticipantB: pb.ID}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected > 0
		members := []Member{
			{ChatKey: key, UserID: pa.ID, DisplayName: pa.DisplayName, Email: pa.Email, ProfileSyncedAt: now},
			{ChatKey: key, UserID: pb.ID, DisplayName: pb.DisplayName, Email: pb.Email, ProfileSyncedAt: now},
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_key"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "email", "profile_synced_at"}),
		}).Create(&members).Error
	})
	return created, err
}

func (r *Repo) GetConversation(ctx context.Context, key string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, "chat_key = ?", key).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) Members(ctx context.Context, keys ...string) ([]Member, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var ms []Member
	if err := r.db.WithContext(ctx).
		Where("chat_key IN ?", keys).
		Order("chat_key ASC, user_id ASC").
		Find(&ms).Error; err != nil {
		return nil, err
	}
	return ms, nil
}

// InsertMessage appends m, moves the last-message pointer and bumps the
// recipient's unread counter in one transaction.
func (r *Repo) InsertMessage(ctx context.Context, m *Message, recipient string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		res := tx.Model(&Conversation{}).
			Where("chat_key = ?", m.ChatKey).
			Updates(map[string]any{
				"last_message_text":   m.Text,
				"last_message_sender": m.SenderID,
				"last_message_at":     m.CreatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		res = tx.Model(&Member{}).
			Where("chat_key = ? AND user_id = ?", m.ChatKey, recipient).
			Update("unread", gorm.Expr("unread + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotParticipant
		}
		return nil
	})
}

// ListMessages returns the whole thread in (created_at, id) ascending order.
func (r *Repo) ListMessages(ctx context.Context, key string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_key = ?", key).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkRead flips every unread message of sender to read and zeroes reader's
// counter. It reports how many rows changed in total.
func (r *Repo) MarkRead(ctx context.Context, key, reader, sender string) (int64, error) {
	var changed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Message{}).
			Where("chat_key = ? AND sender_id = ? AND is_read = ?", key, sender, false).
			Update("is_read", true)
		if res.Error != nil {
			return res.Error
		}
		changed += res.RowsAffected

		res = tx.Model(&Member{}).
			Where("chat_key = ? AND user_id = ? AND unread <> ?", key, reader, 0).
			Update("unread", 0)
		if res.Error != nil {
			return res.Error
		}
		changed += res.RowsAffected
		return nil
	})
	return changed, err
}

// ListForUser returns every conversation userID takes part in, unordered.
func (r *Repo) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	var cs []Conversation
	if err := r.db.WithContext(ctx).
		Joins("JOIN chat_members ON chat_members.chat_key = chats.chat_key AND chat_members.user_id = ?", userID).
		Find(&cs).Error; err != nil {
		return nil, err
	}
	return cs, nil
}

// CountUnread counts messages in key that reader has not read yet.
func (r *Repo) CountUnread(ctx context.Context, key, reader string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("chat_key = ? AND sender_id <> ? AND is_read = ?", key, reader, false).
		Count(&n).Error
	return n, err
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
