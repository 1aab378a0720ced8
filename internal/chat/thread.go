package chat

import (
	"context"
	"log"

	"github.com/suPer8Hu/portfolio-chat/internal/identity"
	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
)

// Snapshot is the full message list of a thread at one point in time.
type Snapshot struct {
	Key      string           `json:"chatId"`
	Peer     identity.Profile `json:"peer"`
	Messages []Message        `json:"messages"`
}

// Thread is an open chat window between me and one counterpart.
type Thread struct {
	svc  *Service
	me   identity.Identity
	peer identity.Identity
	key  string
	sub  *redisstore.Subscription
}

// OpenThread creates the conversation if needed, then subscribes to its
// messages. fn receives every snapshot, after which the reconciler runs for
// me.
func (s *Service) OpenThread(ctx context.Context, me identity.Identity, peerID string, fn func(Snapshot)) (*Thread, error) {
	key, peer, err := s.Open(ctx, me, peerID)
	if err != nil {
		return nil, err
	}
	th := &Thread{svc: s, me: me, peer: peer, key: key}
	profile := peer.Profile()
	sub, err := s.rt.Watch(ctx, ChatTopic(key), func() {
		cctx, cancel := callbackCtx()
		defer cancel()
		msgs, err := s.repo.ListMessages(cctx, key)
		if err != nil {
			log.Printf("[chat] thread snapshot key=%s err=%v", key, err)
			return
		}
		fn(Snapshot{Key: key, Peer: profile, Messages: msgs})
		if _, err := s.Reconcile(cctx, key, me.ID); err != nil {
			log.Printf("[chat] reconcile key=%s reader=%s err=%v", key, me.ID, err)
		}
	})
	if err != nil {
		return nil, err
	}
	th.sub = sub
	return th, nil
}

func (t *Thread) Key() string             { return t.key }
func (t *Thread) Peer() identity.Identity { return t.peer }

func (t *Thread) Send(ctx context.Context, text string) (*Message, error) {
	return t.svc.Send(ctx, t.me, t.peer.ID, text)
}

// Close stops the subscription. No snapshot is delivered after it returns.
func (t *Thread) Close() error {
	return t.sub.Close()
}
