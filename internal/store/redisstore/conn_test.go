package redisstore

import (
	"context"
	"testing"
	"time"
)

func TestConn_DisconnectAppliesActions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, err := s.Connect(ctx, time.Minute)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Set(ctx, "status/a", status{IsOnline: true, LastSeen: 1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.OnDisconnect(ctx, "status/a", map[string]any{"isOnline": false, "lastSeen": ServerTimestamp}); err != nil {
		t.Fatalf("on disconnect: %v", err)
	}

	before := time.Now().UnixMilli()
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	var got status
	if ok, err := s.Get(ctx, "status/a", &got); err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.IsOnline {
		t.Fatalf("expected offline after disconnect")
	}
	if got.LastSeen < before {
		t.Fatalf("expected server timestamp >= %d, got %d", before, got.LastSeen)
	}
	if c.Connected() {
		t.Fatalf("expected conn state to be down")
	}
}

func TestConn_CancelOnDisconnect(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, err := s.Connect(ctx, time.Minute)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = s.Set(ctx, "status/a", status{IsOnline: true, LastSeen: 1})
	_ = c.OnDisconnect(ctx, "status/a", map[string]any{"isOnline": false, "lastSeen": ServerTimestamp})
	if err := c.CancelOnDisconnect(ctx, "status/a"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	var got status
	_, _ = s.Get(ctx, "status/a", &got)
	if !got.IsOnline {
		t.Fatalf("cancelled action should not run")
	}
}

// A crashed client never calls Disconnect: only the expired heartbeat tells.
func TestSweep_ReapsExpiredConnections(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	c, err := s.Connect(ctx, 3*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = s.Set(ctx, "status/a", status{IsOnline: true, LastSeen: 1})
	_ = c.OnDisconnect(ctx, "status/a", map[string]any{"isOnline": false, "lastSeen": ServerTimestamp})

	// simulate the process dying: the heartbeat stops without running actions
	c.halt()

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("live connection reaped")
	}

	mr.FastForward(4 * time.Second)
	n, err = s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one reaped connection, got %d", n)
	}

	var got status
	_, _ = s.Get(ctx, "status/a", &got)
	if got.IsOnline || got.LastSeen <= 1 {
		t.Fatalf("expected offline with server time, got %+v", got)
	}

	// neither a second sweep nor a direct claim may reapply
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Fatalf("connection reaped twice")
	}
	if ok, _ := s.fire(ctx, c.ID()); ok {
		t.Fatalf("actions fired twice")
	}
}

func TestConn_OnStateReportsCurrentAndChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, err := s.Connect(ctx, time.Minute)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	var states []bool
	stop := c.OnState(func(up bool) { states = append(states, up) })
	defer stop()

	if len(states) != 1 || !states[0] {
		t.Fatalf("expected immediate connected=true, got %v", states)
	}
	_ = c.Disconnect(ctx)
	if len(states) != 2 || states[1] {
		t.Fatalf("expected connected=false after disconnect, got %v", states)
	}
}
