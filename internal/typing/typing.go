// Package typing carries the ephemeral "is typing" flag of a conversation
// participant at typing/{key}/{id}.
package typing

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
)

const (
	DefaultDebounce = 2 * time.Second
	DefaultTTL      = 10 * time.Second
)

type Flag struct {
	IsTyping bool `json:"isTyping"`
}

func Path(key, id string) string { return "typing/" + key + "/" + id }

// Indicator owns the typing flag of one identity in one conversation and the
// debounce timer that clears it.
type Indicator struct {
	rt       *redisstore.Store
	conn     *redisstore.Conn
	path     string
	debounce time.Duration
	ttl      time.Duration

	mu        sync.Mutex
	active    bool
	lastWrite time.Time
	timer     *time.Timer
	gen       uint64
	closed    bool
	// armed is true while conn holds an on-disconnect revert for path
	armed bool
}

func NewIndicator(rt *redisstore.Store, key, me string, debounce, ttl time.Duration) *Indicator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if ttl < debounce {
		ttl = 5 * debounce
	}
	return &Indicator{rt: rt, path: Path(key, me), debounce: debounce, ttl: ttl}
}

// WithConn ties the flag to a realtime connection: while it is raised, the
// connection carries an on-disconnect action that lowers it, so watchers
// see false when the owning process dies instead of the value silently
// lapsing through its TTL.
func (in *Indicator) WithConn(c *redisstore.Conn) *Indicator {
	in.conn = c
	return in
}

func (in *Indicator) write(ctx context.Context, typing bool) error {
	if typing && in.conn != nil && !in.armed {
		if err := in.conn.OnDisconnect(ctx, in.path, Flag{IsTyping: false}); err != nil {
			return err
		}
		in.armed = true
	}
	in.lastWrite = time.Now()
	if err := in.rt.SetTTL(ctx, in.path, Flag{IsTyping: typing}, in.ttl); err != nil {
		return err
	}
	if !typing && in.armed {
		in.armed = false
		return in.conn.CancelOnDisconnect(ctx, in.path)
	}
	return nil
}

// Keystroke opens a typing window if none is active and restarts the
// debounce. The flag is rewritten before its TTL can lapse during long
// bursts of typing.
func (in *Indicator) Keystroke(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.restartTimer()

	if in.active && time.Since(in.lastWrite) < in.ttl/2 {
		return nil
	}
	in.active = true
	return in.write(ctx, true)
}

func (in *Indicator) restartTimer() {
	if in.timer != nil {
		in.timer.Stop()
	}
	in.gen++
	g := in.gen
	in.timer = time.AfterFunc(in.debounce, func() { in.expire(g) })
}

func (in *Indicator) expire(g uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if g != in.gen || !in.active {
		return
	}
	in.active = false
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := in.write(ctx, false); err != nil {
		log.Printf("[typing] clear %s err=%v", in.path, err)
	}
}

// stopTimer cancels the pending debounce; the caller holds mu.
func (in *Indicator) stopTimer() {
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	in.gen++
}

// Sent clears the timer and forces the flag to false.
func (in *Indicator) Sent(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.stopTimer()
	in.active = false
	return in.write(ctx, false)
}

// Close stops the timer and reverts the flag if it is still raised. The
// indicator ignores every call after Close.
func (in *Indicator) Close(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	in.stopTimer()
	if !in.active {
		return nil
	}
	in.active = false
	return in.write(ctx, false)
}

// Watch follows the flag of id in the conversation key read-only. A missing
// or expired flag reads as not typing.
func Watch(ctx context.Context, rt *redisstore.Store, key, id string, fn func(bool)) (*redisstore.Subscription, error) {
	return rt.Subscribe(ctx, Path(key, id), func(raw []byte) {
		var f Flag
		if raw != nil {
			if err := json.Unmarshal(raw, &f); err != nil {
				log.Printf("[typing] decode %s err=%v", Path(key, id), err)
				return
			}
		}
		fn(f.IsTyping)
	})
}
