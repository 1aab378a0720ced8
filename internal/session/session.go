// Package session runs the chat view of one connected client: it follows
// the client's identity, keeps its presence, streams the registry and at
// most one open thread with the counterpart's presence and typing flag.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/suPer8Hu/portfolio-chat/internal/chat"
	"github.com/suPer8Hu/portfolio-chat/internal/identity"
	"github.com/suPer8Hu/portfolio-chat/internal/presence"
	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
	"github.com/suPer8Hu/portfolio-chat/internal/typing"
)

var (
	ErrClosed     = errors.New("session closed")
	ErrNoThread   = errors.New("no open thread")
	ErrBadCommand = errors.New("unknown command")
)

// Command types sent by the client.
const (
	CmdOpen    = "open"
	CmdTyping  = "typing"
	CmdSend    = "send"
	CmdLeave   = "leave"
	CmdSignOut = "signout"
)

// Event types sent to the client.
const (
	EvIdentity      = "identity"
	EvConversations = "conversations"
	EvThread        = "thread"
	EvPeer          = "peer"
	EvSent          = "sent"
	EvError         = "error"
)

type Command struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId,omitempty"`
	Text   string `json:"text,omitempty"`
}

type Event struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// PeerState is the thread header: typing preempts the presence label.
type PeerState struct {
	PeerID   string `json:"peerId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
	Typing   bool   `json:"typing"`
	Label    string `json:"label"`
}

type Deps struct {
	Identity *identity.Provider
	Chat     *chat.Service
	RT       *redisstore.Store

	// Primary is the site owner every other identity is routed to.
	Primary identity.Identity

	Heartbeat      time.Duration
	TypingDebounce time.Duration
	TypingTTL      time.Duration
	Location       *time.Location
	Now            func() time.Time
}

type Session struct {
	deps    Deps
	holder  *identity.Holder
	conn    *redisstore.Conn
	tracker *presence.Tracker

	out  chan Event
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	me       identity.Identity
	authSub  *redisstore.Subscription
	registry *redisstore.Subscription
	view     *view
}

// view is the open thread with everything it owns.
type view struct {
	thread    *chat.Thread
	indicator *typing.Indicator
	presence  *redisstore.Subscription
	typing    *redisstore.Subscription

	mu     sync.Mutex
	status presence.Status
	isTyp  bool
}

// Start resolves the identity of auth, marks it online and starts the
// registry. Non-primary identities get their thread with the primary
// identity opened right away.
func Start(ctx context.Context, deps Deps, auth identity.Session) (*Session, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Session{
		deps:   deps,
		holder: identity.NewHolder(),
		out:    make(chan Event, 64),
		done:   make(chan struct{}),
		me:     auth.Identity,
	}
	s.holder.OnChange(s.onIdentity)

	sub, err := s.holder.Follow(ctx, deps.Identity, auth)
	if err != nil {
		return nil, fmt.Errorf("follow identity: %w", err)
	}
	s.mu.Lock()
	s.authSub = sub
	s.mu.Unlock()

	me, err := s.holder.Wait(ctx)
	if err != nil || me == nil {
		// a nil first state already started Close; sub is ours to stop either way
		_ = sub.Close()
		s.Close()
		if err == nil {
			err = identity.ErrUnauthenticated
		}
		return nil, err
	}

	conn, err := deps.RT.Connect(ctx, deps.Heartbeat)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("realtime connect: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.tracker = presence.Start(deps.RT, conn, me.ID)
	s.mu.Unlock()

	reg, err := deps.Chat.WatchConversations(ctx, me.ID, func(items []chat.Item) {
		s.emit(Event{Type: EvConversations, Data: items})
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("watch conversations: %w", err)
	}
	s.mu.Lock()
	s.registry = reg
	s.mu.Unlock()

	if !me.IsPrimary() && deps.Primary.ID != "" {
		if err := s.Open(ctx, deps.Primary.ID); err != nil {
			log.Printf("[session] auto-open primary user=%s err=%v", me.ID, err)
			s.emit(Event{Type: EvError, Error: err.Error()})
		}
	}
	return s, nil
}

// Events is the outgoing stream. It is never closed; stop reading once
// Done is closed.
func (s *Session) Events() <-chan Event { return s.out }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) emit(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- ev:
	case <-s.done:
	}
}

func (s *Session) current() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.me
}

func (s *Session) onIdentity(id *identity.Identity) {
	if id == nil {
		s.emit(Event{Type: EvIdentity, Data: nil})
		// Close waits for this callback's subscription.
		go s.Close()
		return
	}
	s.mu.Lock()
	s.me = *id
	s.mu.Unlock()
	s.emit(Event{Type: EvIdentity, Data: *id})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Handle runs one client command.
func (s *Session) Handle(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CmdOpen:
		return s.Open(ctx, cmd.PeerID)
	case CmdTyping:
		return s.Typing(ctx)
	case CmdSend:
		_, err := s.Send(ctx, cmd.Text)
		return err
	case CmdLeave:
		s.Leave()
		return nil
	case CmdSignOut:
		return s.SignOut(ctx)
	}
	return fmt.Errorf("%w: %q", ErrBadCommand, cmd.Type)
}

// Open switches the view to the thread with peerID.
func (s *Session) Open(ctx context.Context, peerID string) error {
	if s.closed() {
		return ErrClosed
	}
	s.Leave()

	me := s.current()
	v := &view{}
	th, err := s.deps.Chat.OpenThread(ctx, me, peerID, func(snap chat.Snapshot) {
		s.emit(Event{Type: EvThread, Data: snap})
	})
	if err != nil {
		return err
	}
	v.thread = th
	v.indicator = typing.NewIndicator(s.deps.RT, th.Key(), me.ID, s.deps.TypingDebounce, s.deps.TypingTTL).
		WithConn(s.conn)

	peer := th.Peer().ID
	v.presence, err = presence.Watch(ctx, s.deps.RT, peer, func(st presence.Status) {
		v.mu.Lock()
		v.status = st
		v.mu.Unlock()
		s.emitPeer(peer, v)
	})
	if err != nil {
		s.closeView(v)
		return err
	}
	v.typing, err = typing.Watch(ctx, s.deps.RT, th.Key(), peer, func(on bool) {
		v.mu.Lock()
		v.isTyp = on
		v.mu.Unlock()
		s.emitPeer(peer, v)
	})
	if err != nil {
		s.closeView(v)
		return err
	}

	s.mu.Lock()
	if s.closed() || s.view != nil {
		s.mu.Unlock()
		s.closeView(v)
		if s.closed() {
			return ErrClosed
		}
		return errors.New("another thread was opened concurrently")
	}
	s.view = v
	s.mu.Unlock()
	return nil
}

func (s *Session) emitPeer(peer string, v *view) {
	v.mu.Lock()
	status, on := v.status, v.isTyp
	v.mu.Unlock()

	st := PeerState{
		PeerID:   peer,
		Online:   status.IsOnline,
		LastSeen: status.LastSeen,
		Typing:   on,
		Label:    "typing…",
	}
	if !on {
		st.Label = presence.Humanize(status, s.deps.Now(), s.deps.Location)
	}
	s.emit(Event{Type: EvPeer, Data: st})
}

func (s *Session) openView() *view {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Typing records a keystroke in the open thread.
func (s *Session) Typing(ctx context.Context) error {
	v := s.openView()
	if v == nil {
		return ErrNoThread
	}
	return v.indicator.Keystroke(ctx)
}

// Send posts text to the open thread. On failure the draft is echoed back
// so the client can keep it.
func (s *Session) Send(ctx context.Context, text string) (*chat.Message, error) {
	v := s.openView()
	if v == nil {
		return nil, ErrNoThread
	}
	m, err := v.thread.Send(ctx, text)
	if err != nil {
		s.emit(Event{Type: EvError, Error: err.Error(), Data: map[string]string{"draft": text}})
		return nil, err
	}
	if err := v.indicator.Sent(ctx); err != nil {
		log.Printf("[session] reset typing key=%s err=%v", v.thread.Key(), err)
	}
	s.emit(Event{Type: EvSent, Data: m})
	return m, nil
}

// Leave closes the open thread, if any, with its timer and watches.
func (s *Session) Leave() {
	s.mu.Lock()
	v := s.view
	s.view = nil
	s.mu.Unlock()
	s.closeView(v)
}

func (s *Session) closeView(v *view) {
	if v == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if v.indicator != nil {
		if err := v.indicator.Close(ctx); err != nil {
			log.Printf("[session] typing close err=%v", err)
		}
	}
	for _, sub := range []*redisstore.Subscription{v.typing, v.presence} {
		if sub != nil {
			_ = sub.Close()
		}
	}
	if v.thread != nil {
		_ = v.thread.Close()
	}
}

// SignOut marks the identity offline, revokes its tokens and ends the
// session.
func (s *Session) SignOut(ctx context.Context) error {
	me := s.current()
	s.mu.Lock()
	tr := s.tracker
	s.mu.Unlock()
	if tr != nil {
		if err := tr.SignOut(ctx); err != nil {
			log.Printf("[session] presence sign out user=%s err=%v", me.ID, err)
		}
	}
	if err := s.deps.Identity.SignOut(ctx, me.ID); err != nil {
		return err
	}
	s.Close()
	return nil
}

// Close tears down everything the session owns. The realtime connection is
// dropped last so its on-disconnect action marks the identity offline.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		v := s.view
		s.view = nil
		reg, auth := s.registry, s.authSub
		s.registry, s.authSub = nil, nil
		tr, conn := s.tracker, s.conn
		s.mu.Unlock()

		s.closeView(v)
		if reg != nil {
			_ = reg.Close()
		}
		if auth != nil {
			_ = auth.Close()
		}
		if tr != nil {
			tr.Close()
		}
		if conn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := conn.Disconnect(ctx); err != nil {
				log.Printf("[session] disconnect conn=%s err=%v", conn.ID(), err)
			}
		}
	})
}
