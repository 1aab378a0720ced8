// Package notify emails recipients about messages that arrived while they
// were offline.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/suPer8Hu/portfolio-chat/internal/chat"
	"github.com/suPer8Hu/portfolio-chat/internal/email"
	"github.com/suPer8Hu/portfolio-chat/internal/identity"
	"github.com/suPer8Hu/portfolio-chat/internal/presence"
	"github.com/suPer8Hu/portfolio-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
	"gorm.io/gorm"
)

var ErrBadEvent = errors.New("notify: malformed event")

type Mailer interface {
	SendText(to, subject, body string) error
}

// SMTPMailer adapts an SMTPConfig to Mailer.
type SMTPMailer struct {
	Cfg email.SMTPConfig
}

func (m SMTPMailer) SendText(to, subject, body string) error {
	return email.SendText(m.Cfg, to, subject, body)
}

type Outcome string

const (
	Sent         Outcome = "sent"
	SkipOnline   Outcome = "recipient_online"
	SkipRead     Outcome = "already_read"
	SkipGone     Outcome = "gone"
	SkipNoMailer Outcome = "mail_disabled"
)

type Handler struct {
	repo   *chat.Repo
	rt     *redisstore.Store
	dir    chat.Directory
	mailer Mailer
	site   string
}

func NewHandler(repo *chat.Repo, rt *redisstore.Store, dir chat.Directory, mailer Mailer, site string) *Handler {
	if site == "" {
		site = "Portfolio"
	}
	return &Handler{repo: repo, rt: rt, dir: dir, mailer: mailer, site: site}
}

// Handle emails the recipient of ev unless they are online or have already
// read the message. Missing messages or identities are dropped, not retried.
func (h *Handler) Handle(ctx context.Context, ev rabbitmq.MessageEvent) (Outcome, error) {
	if !ev.Valid() {
		return "", ErrBadEvent
	}
	st, err := presence.Get(ctx, h.rt, ev.RecipientID)
	if err != nil {
		return "", fmt.Errorf("presence %s: %w", ev.RecipientID, err)
	}
	if st.IsOnline {
		return SkipOnline, nil
	}

	m, err := h.repo.GetMessage(ctx, ev.MessageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SkipGone, nil
		}
		return "", err
	}
	if m.IsRead {
		return SkipRead, nil
	}

	to, err := h.dir.Lookup(ctx, ev.RecipientID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return SkipGone, nil
		}
		return "", err
	}
	from, err := h.dir.Lookup(ctx, ev.SenderID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return SkipGone, nil
		}
		return "", err
	}
	if h.mailer == nil {
		return SkipNoMailer, nil
	}

	subject, body := h.compose(from, to, m)
	if err := h.mailer.SendText(to.Email, subject, body); err != nil {
		if errors.Is(err, email.ErrNotConfigured) {
			return SkipNoMailer, nil
		}
		return "", fmt.Errorf("mail %s: %w", to.Email, err)
	}
	log.Printf("[notify] mailed recipient=%s msg=%s", to.ID, m.ID)
	return Sent, nil
}

func (h *Handler) compose(from, to identity.Identity, m *chat.Message) (string, string) {
	preview := m.Text
	if r := []rune(preview); len(r) > 280 {
		preview = string(r[:280]) + "…"
	}
	subject := fmt.Sprintf("New message from %s", from.DisplayName)
	var b strings.Builder
	b.WriteString("Hello " + to.DisplayName + ",\n\n")
	b.WriteString(from.DisplayName + " sent you a message on " + h.site + ":\n\n")
	b.WriteString("  " + preview + "\n\n")
	b.WriteString("Sign in to reply.\n\n")
	b.WriteString(h.site + "\n")
	return subject, b.String()
}
