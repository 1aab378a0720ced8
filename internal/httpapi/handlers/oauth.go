package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/suPer8Hu/portfolio-chat/internal/common"
)

const oauthStateTTL = 10 * time.Minute

type oauthState struct {
	Provider  string `json:"provider"`
	CreatedAt int64  `json:"createdAt"`
}

func oauthStatePath(state string) string { return "oauth/state/" + state }

// GoogleStart hands out a one-time state and the consent URL the browser
// should open.
func (h *Handler) GoogleStart(c *gin.Context) {
	if h.OAuth == nil {
		common.Fail(c, http.StatusNotFound, 40403, "google sign-in is not enabled")
		return
	}
	state := uuid.NewString()
	st := oauthState{Provider: "google", CreatedAt: time.Now().UnixMilli()}
	if err := h.RT.SetTTL(c.Request.Context(), oauthStatePath(state), st, oauthStateTTL); err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, gin.H{"url": h.OAuth.AuthCodeURL(state), "state": state})
}

type oauthCallbackReq struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// GoogleCallback consumes the state, exchanges the code and signs the
// verified e-mail in. First-time users come back with an incomplete profile.
func (h *Handler) GoogleCallback(c *gin.Context) {
	if h.OAuth == nil {
		common.Fail(c, http.StatusNotFound, 40403, "google sign-in is not enabled")
		return
	}
	var req oauthCallbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Code == "" || req.State == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "code and state required")
		return
	}

	ctx := c.Request.Context()
	var st oauthState
	ok, err := h.RT.Take(ctx, oauthStatePath(req.State), &st)
	if err != nil {
		failErr(c, err)
		return
	}
	if !ok || st.Provider != "google" {
		common.Fail(c, http.StatusBadRequest, 10016, "sign-in link expired, please try again")
		return
	}

	prof, err := h.OAuth.Exchange(ctx, req.Code)
	if err != nil {
		failErr(c, err)
		return
	}
	id, token, err := h.Identity.SignInOAuth(ctx, prof)
	if err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, gin.H{"identity": id, "token": token, "profileComplete": id.ProfileComplete()})
}
