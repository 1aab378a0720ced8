package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/portfolio-chat/internal/common"
	"github.com/suPer8Hu/portfolio-chat/internal/presence"
)

func (h *Handler) GetPresence(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Identity.Lookup(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	st, err := presence.Get(c.Request.Context(), h.RT, id)
	if err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, gin.H{
		"uid":      id,
		"isOnline": st.IsOnline,
		"lastSeen": st.LastSeen,
		"label":    presence.Humanize(st, time.Now(), h.Cfg.Location()),
	})
}
