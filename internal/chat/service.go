package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/suPer8Hu/portfolio-chat/internal/common"
	"github.com/suPer8Hu/portfolio-chat/internal/identity"
	"github.com/suPer8Hu/portfolio-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
)

// Directory resolves participant ids to identities.
type Directory interface {
	Lookup(ctx context.Context, id string) (identity.Identity, error)
}

// EventPublisher receives committed messages for offline delivery.
type EventPublisher interface {
	PublishMessage(ctx context.Context, ev rabbitmq.MessageEvent) error
}

type Service struct {
	repo   *Repo
	rt     *redisstore.Store
	dir    Directory
	events EventPublisher
}

func NewService(repo *Repo, rt *redisstore.Store, dir Directory) *Service {
	return &Service{repo: repo, rt: rt, dir: dir}
}

// WithEvents enables message events; p may be nil.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

func ChatTopic(key string) string     { return "chat/" + key }
func UserChatsTopic(id string) string { return "user-chats/" + id }

func callbackCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *Service) notify(ctx context.Context, topics ...string) {
	for _, t := range topics {
		if err := s.rt.Notify(ctx, t); err != nil {
			log.Printf("[chat] notify topic=%s err=%v", t, err)
		}
	}
}

func (s *Service) lookupPeer(ctx context.Context, peerID string) (identity.Identity, error) {
	peer, err := s.dir.Lookup(ctx, peerID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return identity.Identity{}, ErrPeerNotFound
		}
		return identity.Identity{}, err
	}
	return peer, nil
}

// Open derives the key for (me, peerID) and makes sure the conversation
// record exists with fresh participant profiles.
func (s *Service) Open(ctx context.Context, me identity.Identity, peerID string) (string, identity.Identity, error) {
	key, err := Key(me.ID, peerID)
	if err != nil {
		return "", identity.Identity{}, err
	}
	peer, err := s.lookupPeer(ctx, peerID)
	if err != nil {
		return "", identity.Identity{}, err
	}
	created, err := s.repo.EnsureConversation(ctx, key, me.Profile(), peer.Profile())
	if err != nil {
		return "", identity.Identity{}, fmt.Errorf("ensure conversation %s: %w", key, err)
	}
	if created {
		s.notify(ctx, UserChatsTopic(me.ID), UserChatsTopic(peer.ID))
	}
	return key, peer, nil
}

// Send appends text from me to the conversation with peerID. Blank text is
// rejected before anything is written.
func (s *Service) Send(ctx context.Context, me identity.Identity, peerID, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	key, peer, err := s.Open(ctx, me, peerID)
	if err != nil {
		return nil, err
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	m := &Message{
		ID:        id,
		ChatKey:   key,
		Text:      text,
		SenderID:  me.ID,
		CreatedAt: time.Now().UTC(),
		IsRead:    false,
	}
	if err := s.repo.InsertMessage(ctx, m, peer.ID); err != nil {
		return nil, fmt.Errorf("send to %s: %w", key, err)
	}
	s.notify(ctx, ChatTopic(key), UserChatsTopic(me.ID), UserChatsTopic(peer.ID))

	if s.events != nil {
		ev := rabbitmq.MessageEvent{ChatKey: key, MessageID: m.ID, SenderID: me.ID, RecipientID: peer.ID}
		if err := s.events.PublishMessage(ctx, ev); err != nil {
			log.Printf("[chat] publish message event key=%s msg=%s err=%v", key, m.ID, err)
		}
	}
	return m, nil
}

// Reconcile marks every message reader has received in key as read and
// zeroes reader's unread counter. Watchers are only notified when something
// changed, so running it on every snapshot settles after one extra pass.
func (s *Service) Reconcile(ctx context.Context, key, reader string) (int64, error) {
	a, b, ok := Participants(key)
	if !ok {
		return 0, ErrNotParticipant
	}
	var sender string
	switch reader {
	case a:
		sender = b
	case b:
		sender = a
	default:
		return 0, ErrNotParticipant
	}
	changed, err := s.repo.MarkRead(ctx, key, reader, sender)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", key, err)
	}
	if changed > 0 {
		s.notify(ctx, ChatTopic(key), UserChatsTopic(reader), UserChatsTopic(sender))
	}
	return changed, nil
}

func (s *Service) Messages(ctx context.Context, key string) ([]Message, error) {
	return s.repo.ListMessages(ctx, key)
}

// History opens the thread, reconciles it for me and returns the messages.
func (s *Service) History(ctx context.Context, me identity.Identity, peerID string) (string, identity.Identity, []Message, error) {
	key, peer, err := s.Open(ctx, me, peerID)
	if err != nil {
		return "", identity.Identity{}, nil, err
	}
	if _, err := s.Reconcile(ctx, key, me.ID); err != nil {
		return "", identity.Identity{}, nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, key)
	if err != nil {
		return "", identity.Identity{}, nil, err
	}
	return key, peer, msgs, nil
}

// Document returns the client view of a conversation.
func (s *Service) Document(ctx context.Context, key string) (Document, error) {
	c, err := s.repo.GetConversation(ctx, key)
	if err != nil {
		if notFound(err) {
			return Document{}, ErrConversationNotFound
		}
		return Document{}, err
	}
	ms, err := s.repo.Members(ctx, key)
	if err != nil {
		return Document{}, err
	}
	return c.document(ms), nil
}

// Item is one registry row.
type Item struct {
	Key         string           `json:"chatId"`
	Peer        identity.Profile `json:"peer"`
	LastMessage *LastMessage     `json:"lastMessage,omitempty"`
	FromMe      bool             `json:"fromMe"`
	Unread      int              `json:"unread"`
}

func (it Item) sortTime() time.Time {
	if it.LastMessage == nil {
		return time.Unix(0, 0)
	}
	return it.LastMessage.Timestamp
}

// Conversations lists me's conversations, newest activity first. Rows whose
// counterpart cannot be resolved are left out.
func (s *Service) Conversations(ctx context.Context, me string) ([]Item, error) {
	convs, err := s.repo.ListForUser(ctx, me)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(convs))
	for _, c := range convs {
		keys = append(keys, c.Key)
	}
	members, err := s.repo.Members(ctx, keys...)
	if err != nil {
		return nil, err
	}
	unread := make(map[string]int, len(members))
	for _, m := range members {
		if m.UserID == me {
			unread[m.ChatKey] = m.Unread
		}
	}

	items := make([]Item, 0, len(convs))
	for _, c := range convs {
		otherID, ok := c.other(me)
		if !ok {
			continue
		}
		peer, err := s.dir.Lookup(ctx, otherID)
		if err != nil {
			if !errors.Is(err, identity.ErrNotFound) {
				log.Printf("[chat] registry lookup peer=%s err=%v", otherID, err)
			}
			continue
		}
		it := Item{
			Key:         c.Key,
			Peer:        peer.Profile(),
			LastMessage: c.lastMessage(),
			Unread:      unread[c.Key],
		}
		if it.LastMessage != nil {
			it.FromMe = it.LastMessage.SenderID == me
		}
		items = append(items, it)
	}

	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := items[i].sortTime(), items[j].sortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return items[i].Key < items[j].Key
	})
	return items, nil
}

// WatchConversations calls fn with the registry of me now and after every
// change to one of me's conversations.
func (s *Service) WatchConversations(ctx context.Context, me string, fn func([]Item)) (*redisstore.Subscription, error) {
	return s.rt.Watch(ctx, UserChatsTopic(me), func() {
		cctx, cancel := callbackCtx()
		defer cancel()
		items, err := s.Conversations(cctx, me)
		if err != nil {
			log.Printf("[chat] registry snapshot user=%s err=%v", me, err)
			return
		}
		fn(items)
	})
}
