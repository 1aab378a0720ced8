package identity

import (
	"context"
	"sync"

	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
)

// Holder keeps the identity of one client session. It starts out loading;
// the first State applied resolves it, after which Current is authoritative
// even when it is nil (confirmed signed out).
type Holder struct {
	mu       sync.Mutex
	current  *Identity
	loading  bool
	resolved chan struct{}
	onChange []func(*Identity)
}

func NewHolder() *Holder {
	return &Holder{loading: true, resolved: make(chan struct{})}
}

// Apply replaces the held identity and clears the loading flag. It is the
// callback handed to Provider.Watch.
func (h *Holder) Apply(s State) {
	h.mu.Lock()
	var cur *Identity
	if s.Identity != nil {
		v := *s.Identity
		cur = &v
	}
	h.current = cur
	if h.loading {
		h.loading = false
		close(h.resolved)
	}
	fns := append([]func(*Identity){}, h.onChange...)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(cur)
	}
}

// Follow subscribes the holder to s's auth-state stream.
func (h *Holder) Follow(ctx context.Context, p *Provider, s Session) (*redisstore.Subscription, error) {
	return p.Watch(ctx, s, h.Apply)
}

func (h *Holder) Current() *Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil
	}
	v := *h.current
	return &v
}

func (h *Holder) Loading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loading
}

// Wait blocks until the first state has been applied.
func (h *Holder) Wait(ctx context.Context) (*Identity, error) {
	select {
	case <-h.resolved:
		return h.Current(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnChange registers fn for every state applied after the call, including
// the first one that resolves the holder. fn runs outside the holder lock
// on the goroutine that called Apply.
func (h *Holder) OnChange(fn func(*Identity)) {
	h.mu.Lock()
	h.onChange = append(h.onChange, fn)
	h.mu.Unlock()
}
