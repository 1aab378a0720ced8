package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/portfolio-chat/internal/chat"
	"github.com/suPer8Hu/portfolio-chat/internal/common"
	"github.com/suPer8Hu/portfolio-chat/internal/config"
	"github.com/suPer8Hu/portfolio-chat/internal/email"
	"github.com/suPer8Hu/portfolio-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/portfolio-chat/internal/identity"
	"github.com/suPer8Hu/portfolio-chat/internal/session"
	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
)

type Handler struct {
	Cfg         config.Config
	Identity    *identity.Provider
	ChatSvc     *chat.Service
	RT          *redisstore.Store
	SMTPSetting email.SMTPConfig
	// Primary is the zero value when no owner is configured.
	Primary identity.Identity
	// OAuth is nil when google sign-in is not configured.
	OAuth identity.OAuthExchanger
}

func NewHandler(cfg config.Config, prov *identity.Provider, svc *chat.Service, rt *redisstore.Store, primary identity.Identity) *Handler {
	h := &Handler{
		Cfg:      cfg,
		Identity: prov,
		ChatSvc:  svc,
		RT:       rt,
		SMTPSetting: email.SMTPConfig{Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom},
		Primary: primary,
	}
	if cfg.GoogleClientID != "" {
		h.OAuth = identity.NewGoogleOAuth(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectURL)
	}
	return h
}

func (h *Handler) sessionDeps() session.Deps {
	return session.Deps{
		Identity:       h.Identity,
		Chat:           h.ChatSvc,
		RT:             h.RT,
		Primary:        h.Primary,
		Heartbeat:      h.Cfg.ConnHeartbeat,
		TypingDebounce: h.Cfg.TypingDebounce,
		TypingTTL:      h.Cfg.TypingTTL,
		Location:       h.Cfg.Location(),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func currentSession(c *gin.Context) (identity.Session, bool) {
	s, ok := middleware.MustSession(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return identity.Session{}, false
	}
	return s, true
}

// failErr maps a domain error to its status and business code.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrOAuthRejected):
		common.Fail(c, http.StatusUnauthorized, 10015, identity.UserMessage(err))
	case errors.Is(err, identity.ErrInvalidCredentials):
		common.Fail(c, http.StatusUnauthorized, 10011, identity.UserMessage(err))
	case errors.Is(err, identity.ErrEmailInUse):
		common.Fail(c, http.StatusConflict, 10012, identity.UserMessage(err))
	case errors.Is(err, identity.ErrInvalidProfile):
		common.Fail(c, http.StatusBadRequest, 10013, identity.UserMessage(err))
	case errors.Is(err, identity.ErrProfileComplete):
		common.Fail(c, http.StatusConflict, 10014, identity.UserMessage(err))
	case errors.Is(err, identity.ErrUnauthenticated):
		common.Fail(c, http.StatusUnauthorized, 40102, identity.UserMessage(err))
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, chat.ErrPeerNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "user not found")
	case errors.Is(err, chat.ErrConversationNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "conversation not found")
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, 10021, "message is empty")
	case errors.Is(err, chat.ErrSelfConversation):
		common.Fail(c, http.StatusBadRequest, 10022, "cannot start a conversation with yourself")
	case errors.Is(err, chat.ErrNotParticipant):
		common.Fail(c, http.StatusForbidden, 40301, "not a participant of this conversation")
	default:
		log.Printf("[http] rid=%s path=%s err=%v", c.GetString(middleware.RequestIDKey), c.FullPath(), err)
		common.Fail(c, http.StatusInternalServerError, 20001, "internal error")
	}
}
