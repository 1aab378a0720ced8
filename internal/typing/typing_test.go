package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
)

func newTestStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rt := redisstore.New(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, mr
}

type recorder struct {
	mu   sync.Mutex
	vals []bool
}

func (r *recorder) add(v bool) {
	r.mu.Lock()
	r.vals = append(r.vals, v)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.vals...)
}

func (r *recorder) last() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.vals) == 0 {
		return false, false
	}
	return r.vals[len(r.vals)-1], true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func read(t *testing.T, rt *redisstore.Store, key, id string) bool {
	t.Helper()
	var f Flag
	if _, err := rt.Get(context.Background(), Path(key, id), &f); err != nil {
		t.Fatalf("get: %v", err)
	}
	return f.IsTyping
}

func TestIndicator_ExpiresAfterDebounce(t *testing.T) {
	rt, _ := newTestStore(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := Watch(ctx, rt, "a_b", "a", rec.add)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()

	in := NewIndicator(rt, "a_b", "a", 100*time.Millisecond, time.Second)
	defer in.Close(ctx)

	if err := in.Keystroke(ctx); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	if !read(t, rt, "a_b", "a") {
		t.Fatalf("expected typing=true after keystroke")
	}

	waitFor(t, "automatic false", func() bool {
		v, ok := rec.last()
		return ok && !v && len(rec.snapshot()) >= 3
	})
	vals := rec.snapshot()
	if vals[0] || !vals[1] || vals[len(vals)-1] {
		t.Fatalf("unexpected flag sequence %v", vals)
	}
}

func TestIndicator_KeystrokesExtendWindowWithoutRewrites(t *testing.T) {
	rt, _ := newTestStore(t)
	ctx := context.Background()

	rec := &recorder{}
	sub, err := Watch(ctx, rt, "a_b", "a", rec.add)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()
	waitFor(t, "initial value", func() bool { return len(rec.snapshot()) == 1 })

	in := NewIndicator(rt, "a_b", "a", 150*time.Millisecond, 10*time.Second)
	defer in.Close(ctx)
	for i := 0; i < 5; i++ {
		if err := in.Keystroke(ctx); err != nil {
			t.Fatalf("keystroke: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !read(t, rt, "a_b", "a") {
		t.Fatalf("window closed while typing")
	}
	if got := rec.snapshot(); len(got) != 2 {
		t.Fatalf("expected a single true write, got %v", got)
	}
}

func TestIndicator_SentForcesFalse(t *testing.T) {
	rt, _ := newTestStore(t)
	ctx := context.Background()

	in := NewIndicator(rt, "a_b", "a", time.Hour, 2*time.Hour)
	if err := in.Keystroke(ctx); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	if err := in.Sent(ctx); err != nil {
		t.Fatalf("sent: %v", err)
	}
	if read(t, rt, "a_b", "a") {
		t.Fatalf("expected typing=false after send")
	}
	if err := in.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestIndicator_CloseRevertsAndCancelsTimer(t *testing.T) {
	rt, _ := newTestStore(t)
	ctx := context.Background()

	in := NewIndicator(rt, "a_b", "a", 80*time.Millisecond, time.Second)
	if err := in.Keystroke(ctx); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	if err := in.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if read(t, rt, "a_b", "a") {
		t.Fatalf("expected typing=false after close")
	}

	// another tab of the same identity raises the flag; the dead timer must not clear it
	if err := rt.SetTTL(ctx, Path("a_b", "a"), Flag{IsTyping: true}, time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if !read(t, rt, "a_b", "a") {
		t.Fatalf("timer fired after close")
	}
	if err := in.Keystroke(ctx); err != nil {
		t.Fatalf("keystroke after close: %v", err)
	}
}

func TestIndicator_FlagExpiresWithTTL(t *testing.T) {
	rt, mr := newTestStore(t)
	ctx := context.Background()

	in := NewIndicator(rt, "a_b", "a", time.Hour, 2*time.Hour)
	defer in.Close(ctx)
	if err := in.Keystroke(ctx); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	mr.FastForward(3 * time.Hour)
	if read(t, rt, "a_b", "a") {
		t.Fatalf("expected flag to expire")
	}
}

func TestIndicator_CrashedConnectionLowersFlag(t *testing.T) {
	rt, mr := newTestStore(t)
	ctx := context.Background()

	conn, err := rt.Connect(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Disconnect(context.Background()) })

	rec := &recorder{}
	sub, err := Watch(ctx, rt, "a_b", "a", rec.add)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()

	// the debounce never fires: the process dies mid-burst
	in := NewIndicator(rt, "a_b", "a", time.Hour, 2*time.Hour).WithConn(conn)
	if err := in.Keystroke(ctx); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	waitFor(t, "typing=true", func() bool { v, ok := rec.last(); return ok && v })

	mr.Del("rt:conn/" + conn.ID())
	if n, err := rt.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	waitFor(t, "typing=false", func() bool { v, ok := rec.last(); return ok && !v })
	if read(t, rt, "a_b", "a") {
		t.Fatalf("expected flag lowered after the connection was reaped")
	}
}

func TestIndicator_LoweredFlagDisarmsConnection(t *testing.T) {
	rt, mr := newTestStore(t)
	ctx := context.Background()

	conn, err := rt.Connect(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Disconnect(context.Background()) })
	actions := "rt:ondisconnect/" + conn.ID()

	in := NewIndicator(rt, "a_b", "a", time.Hour, 2*time.Hour).WithConn(conn)
	defer in.Close(ctx)
	if err := in.Keystroke(ctx); err != nil {
		t.Fatalf("keystroke: %v", err)
	}
	if !mr.Exists(actions) {
		t.Fatalf("expected an on-disconnect revert while typing")
	}
	if err := in.Sent(ctx); err != nil {
		t.Fatalf("sent: %v", err)
	}
	if mr.Exists(actions) {
		t.Fatalf("expected the revert to be cancelled once the flag is down")
	}
}
