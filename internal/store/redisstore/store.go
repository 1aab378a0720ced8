// Package redisstore is the low-latency realtime store: JSON values at slash
// separated paths, value subscriptions, a change feed for document topics and
// connection tracking with server-side on-disconnect actions.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	valuePrefix = "rt:"
	feedPrefix  = "feed:"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func valueKey(path string) string { return valuePrefix + path }

// Set writes v at path and fans the new value out to subscribers.
func (s *Store) Set(ctx context.Context, path string, v any) error {
	return s.SetTTL(ctx, path, v, 0)
}

// SetTTL is Set with an expiry; ttl <= 0 keeps the value forever.
func (s *Store) SetTTL(ctx context.Context, path string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.setRaw(ctx, path, b, ttl)
}

func (s *Store) setRaw(ctx context.Context, path string, b []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, valueKey(path), b, ttl)
		p.Publish(ctx, valueKey(path), b)
		return nil
	})
	return err
}

func (s *Store) Delete(ctx context.Context, path string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, valueKey(path))
		p.Publish(ctx, valueKey(path), "null")
		return nil
	})
	return err
}

// Get decodes the value at path into out. ok is false when nothing is stored.
func (s *Store) Get(ctx context.Context, path string, out any) (bool, error) {
	b, err := s.rdb.Get(ctx, valueKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

// Take is Get that also removes the value, so only one caller ever sees it.
// Subscribers are not notified.
func (s *Store) Take(ctx context.Context, path string, out any) (bool, error) {
	b, err := s.rdb.GetDel(ctx, valueKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

// Subscription is a live listener. Close stops it; no callback runs after
// Close returns.
type Subscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		<-s.done
	})
	return err
}

// Subscribe calls fn with the current value at path (nil when absent) and
// then with every value written afterwards. Deliveries are serialized.
func (s *Store) Subscribe(ctx context.Context, path string, fn func(raw []byte)) (*Subscription, error) {
	ps := s.rdb.Subscribe(ctx, valueKey(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	initial, err := s.rdb.Get(ctx, valueKey(path)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		_ = ps.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	ch := ps.Channel()

	go func() {
		defer close(sub.done)
		fn(initial)
		for {
			select {
			case <-cctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				if cctx.Err() != nil {
					return
				}
				if m.Payload == "null" {
					fn(nil)
					continue
				}
				fn([]byte(m.Payload))
			}
		}
	}()
	return sub, nil
}

// Notify signals that documents under topic changed.
func (s *Store) Notify(ctx context.Context, topic string) error {
	return s.rdb.Publish(ctx, feedPrefix+topic, "1").Err()
}

// Watch runs fn once immediately and again after every Notify on topic.
// Notifications that arrive while fn is running collapse into one rerun.
func (s *Store) Watch(ctx context.Context, topic string, fn func()) (*Subscription, error) {
	ps := s.rdb.Subscribe(ctx, feedPrefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	signal := make(chan struct{}, 1)
	signal <- struct{}{}

	go func() {
		defer close(signal)
		for range ps.Channel() {
			select {
			case signal <- struct{}{}:
			default:
			}
		}
	}()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-cctx.Done():
				return
			case _, ok := <-signal:
				if !ok || cctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()
	return sub, nil
}

func logErr(where string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[redisstore] %s: %v", where, err)
	}
}
