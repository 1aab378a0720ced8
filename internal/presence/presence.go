// Package presence keeps status/{id} current for the signed-in identity and
// reads it for everybody else.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
)

// Status is the presence record. LastSeen is unix milliseconds.
type Status struct {
	IsOnline bool  `json:"isOnline"`
	LastSeen int64 `json:"lastSeen"`
}

func Path(id string) string { return "status/" + id }

var offlineAction = map[string]any{
	"isOnline": false,
	"lastSeen": redisstore.ServerTimestamp,
}

// Tracker writes the presence of one identity over one realtime connection.
// It never touches another identity's record.
type Tracker struct {
	rt   *redisstore.Store
	conn *redisstore.Conn
	me   string

	mu       sync.Mutex
	stopped  bool
	unlisten func()
}

// Start marks me online every time conn reports connected and arms the
// server-side offline write for when the connection drops.
func Start(rt *redisstore.Store, conn *redisstore.Conn, me string) *Tracker {
	t := &Tracker{rt: rt, conn: conn, me: me}
	unlisten := conn.OnState(t.onState)
	t.mu.Lock()
	t.unlisten = unlisten
	t.mu.Unlock()
	return t
}

func (t *Tracker) onState(connected bool) {
	if !connected {
		return
	}
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.conn.OnDisconnect(ctx, Path(t.me), offlineAction); err != nil {
		log.Printf("[presence] register on-disconnect id=%s err=%v", t.me, err)
	}
	if err := t.rt.Set(ctx, Path(t.me), Status{IsOnline: true, LastSeen: time.Now().UnixMilli()}); err != nil {
		log.Printf("[presence] write online id=%s err=%v", t.me, err)
	}
}

func (t *Tracker) stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if t.unlisten != nil {
		t.unlisten()
	}
	return true
}

// Close stops listening. The armed on-disconnect action stays in place and
// runs when the connection goes away.
func (t *Tracker) Close() {
	t.stop()
}

// SignOut writes offline right away and disarms the on-disconnect action.
func (t *Tracker) SignOut(ctx context.Context) error {
	t.stop()
	if err := t.conn.CancelOnDisconnect(ctx, Path(t.me)); err != nil {
		return err
	}
	return t.rt.Set(ctx, Path(t.me), Status{IsOnline: false, LastSeen: time.Now().UnixMilli()})
}

// Get reads id's presence once. A missing record is reported as offline.
func Get(ctx context.Context, rt *redisstore.Store, id string) (Status, error) {
	var s Status
	if _, err := rt.Get(ctx, Path(id), &s); err != nil {
		return Status{}, err
	}
	return s, nil
}

// Watch follows id's presence read-only.
func Watch(ctx context.Context, rt *redisstore.Store, id string, fn func(Status)) (*redisstore.Subscription, error) {
	return rt.Subscribe(ctx, Path(id), func(raw []byte) {
		var s Status
		if raw != nil {
			if err := json.Unmarshal(raw, &s); err != nil {
				log.Printf("[presence] decode id=%s err=%v", id, err)
				return
			}
		}
		fn(s)
	})
}

// Humanize renders s for a header: "online", "last seen today at 14:05",
// "last seen yesterday at 09:30" or "last seen on 02/01/2025 at 18:00".
func Humanize(s Status, now time.Time, loc *time.Location) string {
	if s.IsOnline {
		return "online"
	}
	if s.LastSeen <= 0 {
		return "offline"
	}
	if loc == nil {
		loc = time.Local
	}
	seen := time.UnixMilli(s.LastSeen).In(loc)
	now = now.In(loc)
	clock := seen.Format("15:04")

	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)
	yesterday := today.AddDate(0, 0, -1)
	switch {
	case !seen.Before(today):
		return fmt.Sprintf("last seen today at %s", clock)
	case !seen.Before(yesterday):
		return fmt.Sprintf("last seen yesterday at %s", clock)
	default:
		return fmt.Sprintf("last seen on %s at %s", seen.Format("02/01/2006"), clock)
	}
}
