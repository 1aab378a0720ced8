package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/portfolio-chat/internal/chat"
	"github.com/suPer8Hu/portfolio-chat/internal/common"
	"github.com/suPer8Hu/portfolio-chat/internal/httpapi/middleware"
)

func (h *Handler) ListConversations(c *gin.Context) {
	s, ok := currentSession(c)
	if !ok {
		return
	}
	items, err := h.ChatSvc.Conversations(c.Request.Context(), s.Identity.ID)
	if err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, gin.H{"items": items})
}

// GetConversation returns the conversation document shared with :peer_id.
func (h *Handler) GetConversation(c *gin.Context) {
	s, ok := currentSession(c)
	if !ok {
		return
	}
	key, err := chat.Key(s.Identity.ID, c.Param("peer_id"))
	if err != nil {
		failErr(c, err)
		return
	}
	doc, err := h.ChatSvc.Document(c.Request.Context(), key)
	if err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, doc)
}

// ListMessages opens the conversation with :peer_id, marks what the caller
// received as read and returns the thread.
func (h *Handler) ListMessages(c *gin.Context) {
	s, ok := currentSession(c)
	if !ok {
		return
	}
	key, peer, msgs, err := h.ChatSvc.History(c.Request.Context(), s.Identity, c.Param("peer_id"))
	if err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, chat.Snapshot{Key: key, Peer: peer.Profile(), Messages: msgs})
}

type sendMessageReq struct {
	Text string `json:"text"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	s, ok := currentSession(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	m, err := h.ChatSvc.Send(c.Request.Context(), s.Identity, c.Param("peer_id"), req.Text)
	if err != nil {
		// the client keeps its draft
		log.Printf("[http] send rid=%s user=%s err=%v", c.GetString(middleware.RequestIDKey), s.Identity.ID, err)
		status, code := http.StatusInternalServerError, 50001
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			status, code = http.StatusBadRequest, 10021
		case errors.Is(err, chat.ErrSelfConversation):
			status, code = http.StatusBadRequest, 10022
		case errors.Is(err, chat.ErrPeerNotFound):
			status, code = http.StatusNotFound, 40401
		}
		common.FailWithData(c, status, code, "failed to send message", gin.H{"draft": req.Text})
		return
	}
	common.OK(c, m)
}

func (h *Handler) MarkRead(c *gin.Context) {
	s, ok := currentSession(c)
	if !ok {
		return
	}
	key, err := chat.Key(s.Identity.ID, c.Param("peer_id"))
	if err != nil {
		failErr(c, err)
		return
	}
	changed, err := h.ChatSvc.Reconcile(c.Request.Context(), key, s.Identity.ID)
	if err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, gin.H{"chatId": key, "changed": changed})
}
