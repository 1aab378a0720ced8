package redisstore

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	connSetKey    = "rt:conns"
	connKeyPrefix = "rt:conn/"
	onDiscPrefix  = "rt:ondisconnect/"
)

// ServerTimestamp is replaced by the server clock in milliseconds when an
// on-disconnect action runs.
var ServerTimestamp = map[string]string{".sv": "timestamp"}

// Conn is one client's connection to the realtime store. While the
// heartbeat key lives the connection counts as up; once it is gone, either
// through Disconnect or because the heartbeat expired and Sweep found it,
// the registered on-disconnect actions are applied.
type Conn struct {
	store     *Store
	id        string
	heartbeat time.Duration

	mu        sync.Mutex
	connected bool
	listeners map[int]func(bool)
	nextID    int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Connect registers a new connection and starts its heartbeat.
func (s *Store) Connect(ctx context.Context, heartbeat time.Duration) (*Conn, error) {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	c := &Conn{
		store:     s,
		id:        uuid.NewString(),
		heartbeat: heartbeat,
		connected: true,
		listeners: make(map[int]func(bool)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if err := s.rdb.SAdd(ctx, connSetKey, c.id).Err(); err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, connKeyPrefix+c.id, "1", heartbeat).Err(); err != nil {
		return nil, err
	}
	go c.beat()
	return c, nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) beat() {
	defer close(c.done)
	t := time.NewTicker(c.heartbeat / 3)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.heartbeat/3)
			_, err := c.store.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.SAdd(ctx, connSetKey, c.id)
				p.Set(ctx, connKeyPrefix+c.id, "1", c.heartbeat)
				return nil
			})
			cancel()
			logErr("heartbeat", err)
			c.setConnected(err == nil)
		}
	}
}

func (c *Conn) setConnected(up bool) {
	c.mu.Lock()
	if c.connected == up {
		c.mu.Unlock()
		return
	}
	c.connected = up
	fns := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(up)
	}
}

// Connected reports the current link state.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnState calls fn with the current state and on every change after that.
// The returned func removes the listener.
func (c *Conn) OnState(fn func(connected bool)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	up := c.connected
	c.mu.Unlock()

	fn(up)
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// OnDisconnect registers v to be written at path when this connection drops.
// A later registration for the same path replaces the earlier one.
func (c *Conn) OnDisconnect(ctx context.Context, path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.store.rdb.HSet(ctx, onDiscPrefix+c.id, path, b).Err()
}

func (c *Conn) CancelOnDisconnect(ctx context.Context, path string) error {
	return c.store.rdb.HDel(ctx, onDiscPrefix+c.id, path).Err()
}

// Disconnect stops the heartbeat and applies the pending on-disconnect actions.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.halt()
	c.setConnected(false)
	_, err := c.store.fire(ctx, c.id)
	return err
}

func (c *Conn) halt() {
	c.once.Do(func() {
		close(c.stop)
		<-c.done
	})
}

// fire claims the connection and applies its actions. Only the caller that
// removes the id from the registry runs them.
func (s *Store) fire(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.SRem(ctx, connSetKey, id).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	actions, err := s.rdb.HGetAll(ctx, onDiscPrefix+id).Result()
	if err != nil {
		return true, err
	}
	now := time.Now().UnixMilli()
	for path, raw := range actions {
		b, err := resolveServerValues([]byte(raw), now)
		if err != nil {
			logErr("ondisconnect decode "+path, err)
			continue
		}
		if err := s.setRaw(ctx, path, b, 0); err != nil {
			return true, err
		}
	}
	return true, s.rdb.Del(ctx, onDiscPrefix+id, connKeyPrefix+id).Err()
}

// Sweep applies the actions of every connection whose heartbeat expired.
// It returns how many connections it reaped.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	ids, err := s.rdb.SMembers(ctx, connSetKey).Result()
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, id := range ids {
		alive, err := s.rdb.Exists(ctx, connKeyPrefix+id).Result()
		if err != nil {
			return reaped, err
		}
		if alive > 0 {
			continue
		}
		ok, err := s.fire(ctx, id)
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

// RunSweeper calls Sweep every interval until ctx ends.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := s.Sweep(ctx)
			logErr("sweep", err)
			if n > 0 {
				log.Printf("[redisstore] sweep reaped=%d", n)
			}
		}
	}
}

func resolveServerValues(raw []byte, now int64) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(replaceServerValues(v, now))
}

func replaceServerValues(v any, now int64) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if len(m) == 1 && m[".sv"] == "timestamp" {
		return now
	}
	for k, child := range m {
		m[k] = replaceServerValues(child, now)
	}
	return m
}
